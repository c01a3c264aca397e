package identity

import (
	"context"
	"strings"

	oidc "github.com/haileyok/azuread-oidc-golang"
)

// ClaimPredicate receives the decision so far and returns the new one.
type ClaimPredicate func(ctx context.Context, claims oidc.Claims, allowed bool) bool

// Validator decides whether a claim set may log in or provision an account.
type Validator struct {
	identityKey     string
	creationEnabled bool
	login           []ClaimPredicate
	creation        []ClaimPredicate
}

func NewValidator(identityKey string, creationEnabled bool) *Validator {
	if identityKey == "" {
		identityKey = "email"
	}
	return &Validator{
		identityKey:     identityKey,
		creationEnabled: creationEnabled,
	}
}

func (v *Validator) IdentityKeyClaim() string {
	return v.identityKey
}

// ExtractIdentityKey returns the normalized external identifier. Values containing an
// @ are lowercased since providers treat mail addresses case-insensitively.
func (v *Validator) ExtractIdentityKey(claims oidc.Claims) (string, error) {
	raw, err := claims.Required(v.identityKey)
	if err != nil {
		return "", err
	}

	key := strings.TrimSpace(raw)
	if strings.Contains(key, "@") {
		key = strings.ToLower(key)
	}
	return key, nil
}

// AddLoginPredicate registers a login test. Predicates run in registration order.
func (v *Validator) AddLoginPredicate(fn ClaimPredicate) {
	v.login = append(v.login, fn)
}

// AddCreationPredicate registers an account creation test.
func (v *Validator) AddCreationPredicate(fn ClaimPredicate) {
	v.creation = append(v.creation, fn)
}

func (v *Validator) AuthorizeLogin(ctx context.Context, claims oidc.Claims) bool {
	return run(ctx, v.login, claims, true)
}

// AuthorizeCreation starts from the configured creation toggle.
func (v *Validator) AuthorizeCreation(ctx context.Context, claims oidc.Claims) bool {
	return run(ctx, v.creation, claims, v.creationEnabled)
}

func run(ctx context.Context, preds []ClaimPredicate, claims oidc.Claims, allowed bool) bool {
	for _, fn := range preds {
		allowed = fn(ctx, claims, allowed)
	}
	return allowed
}
