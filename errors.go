package oidc

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState means the state token is unknown or was already consumed.
	ErrInvalidState = errors.New("oidc: invalid state")
	// ErrExpiredState means the state token outlived the configured time limit.
	ErrExpiredState = errors.New("oidc: expired state")
	// ErrRequestTimeout is returned when a provider call exceeds the request timeout.
	ErrRequestTimeout = errors.New("oidc: request timeout")
	// ErrMalformedIDToken is returned when the id_token is not a decodable compact JWT.
	ErrMalformedIDToken = errors.New("oidc: malformed id token")
	// ErrInvalidIDToken covers signature, issuer, audience and expiry failures.
	ErrInvalidIDToken = errors.New("oidc: invalid id token")
	// ErrSubjectMismatch is returned when the userinfo sub differs from the id_token sub.
	ErrSubjectMismatch = errors.New("oidc: userinfo subject mismatch")
	// ErrAuthorizationDenied is returned when the provider answers the callback with an error.
	ErrAuthorizationDenied = errors.New("oidc: authorization denied by provider")
	// ErrMissingIdentityClaim means the configured identity key claim is absent or empty.
	ErrMissingIdentityClaim = errors.New("oidc: missing identity claim")
	// ErrLoginNotAuthorized means a login predicate rejected the claim set.
	ErrLoginNotAuthorized = errors.New("oidc: login not authorized")
	// ErrAccountCreationNotAuthorized means no linked account exists and creation is not permitted.
	ErrAccountCreationNotAuthorized = errors.New("oidc: account creation not authorized")
	// ErrAmbiguousAccountMatch means more than one local account matched for one-time linking.
	ErrAmbiguousAccountMatch = errors.New("oidc: ambiguous account match")
	// ErrTemplateResolution means a format template referenced a claim that is not present.
	ErrTemplateResolution = errors.New("oidc: template resolution failed")
	// ErrAccountNotFound is returned by account stores on a lookup miss.
	ErrAccountNotFound = errors.New("oidc: account not found")
	// ErrRedirectVetoed means a redirect filter refused to let the login complete.
	ErrRedirectVetoed = errors.New("oidc: redirect vetoed")
)

// TokenExchangeError is returned when the token endpoint answers with a non-2xx status
// or a body that is not a usable token response.
type TokenExchangeError struct {
	StatusCode  int
	ErrorCode   string
	Description string
	Body        string
}

func (e *TokenExchangeError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("oidc: token exchange failed: status=%d error=%s", e.StatusCode, e.ErrorCode)
	}
	return fmt.Sprintf("oidc: token exchange failed: status=%d", e.StatusCode)
}

// UserinfoError is returned when the userinfo endpoint call fails.
type UserinfoError struct {
	StatusCode int
	ErrorCode  string
	Body       string
}

func (e *UserinfoError) Error() string {
	return fmt.Sprintf("oidc: userinfo request failed: status=%d", e.StatusCode)
}
