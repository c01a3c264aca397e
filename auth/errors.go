package auth

import (
	"errors"
	"fmt"

	oidc "github.com/haileyok/azuread-oidc-golang"
)

// FlowError ends an attempt. Stage is always StageFailed; LastStage is the last stage
// the attempt reached before failing.
type FlowError struct {
	Stage     Stage
	LastStage Stage
	Err       error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("login failed after %s: %v", e.LastStage, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

const (
	msgRetry          = "Your login attempt has expired or was already used. Please try logging in again."
	msgDenied         = "Sign in was cancelled or denied by the identity provider."
	msgProvider       = "We could not complete sign in with the identity provider. Please try again later."
	msgAccount        = "Your account could not be matched. Please contact the site administrator."
	msgNotAuthorized  = "You are not allowed to log in to this site."
	msgNoRegistration = "There is no account for this identity and new accounts cannot be created."
	msgBlocked        = "Login was blocked by site policy."
	msgUnexpected     = "An unexpected error occurred while logging in."
)

// UserMessage turns a login failure into text that is safe to show to the user. Provider
// responses and token material never appear in the result.
func UserMessage(err error) string {
	var (
		tokenErr    *oidc.TokenExchangeError
		userinfoErr *oidc.UserinfoError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, oidc.ErrInvalidState), errors.Is(err, oidc.ErrExpiredState):
		return msgRetry
	case errors.Is(err, oidc.ErrAuthorizationDenied):
		return msgDenied
	case errors.As(err, &tokenErr), errors.As(err, &userinfoErr),
		errors.Is(err, oidc.ErrRequestTimeout),
		errors.Is(err, oidc.ErrMalformedIDToken),
		errors.Is(err, oidc.ErrInvalidIDToken),
		errors.Is(err, oidc.ErrSubjectMismatch):
		return msgProvider
	case errors.Is(err, oidc.ErrLoginNotAuthorized):
		return msgNotAuthorized
	case errors.Is(err, oidc.ErrAccountCreationNotAuthorized):
		return msgNoRegistration
	case errors.Is(err, oidc.ErrMissingIdentityClaim),
		errors.Is(err, oidc.ErrAmbiguousAccountMatch),
		errors.Is(err, oidc.ErrTemplateResolution):
		return msgAccount
	case errors.Is(err, oidc.ErrRedirectVetoed):
		return msgBlocked
	default:
		return msgUnexpected
	}
}
