package auth

// Stage is a step of a single login attempt. An attempt only ever moves forward; any
// step may end in StageFailed.
type Stage int

const (
	StageStart Stage = iota
	StageAuthURLIssued
	StageCallbackReceived
	StageStateValidated
	StageTokenExchanged
	StageClaimsValidated
	StageIdentityResolved
	StageSessionEstablished
	StageFailed
)

var stageNames = map[Stage]string{
	StageStart:              "START",
	StageAuthURLIssued:      "AUTH_URL_ISSUED",
	StageCallbackReceived:   "CALLBACK_RECEIVED",
	StageStateValidated:     "STATE_VALIDATED",
	StageTokenExchanged:     "TOKEN_EXCHANGED",
	StageClaimsValidated:    "CLAIMS_VALIDATED",
	StageIdentityResolved:   "IDENTITY_RESOLVED",
	StageSessionEstablished: "SESSION_ESTABLISHED",
	StageFailed:             "FAILED",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}
