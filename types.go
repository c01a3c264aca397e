package oidc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`

	// Raw holds every field the provider returned, including non-standard ones.
	Raw map[string]any `json:"-"`
}

func (tr *TokenResponse) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*tr = TokenResponse{
		AccessToken:  stringValue(raw["access_token"]),
		IDToken:      stringValue(raw["id_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		TokenType:    stringValue(raw["token_type"]),
		ExpiresIn:    int64Value(raw["expires_in"]),
		Scope:        stringValue(raw["scope"]),
		Raw:          raw,
	}

	return nil
}

const redacted = "[redacted]"

// Snapshot returns the token response as persisted alongside a linked account.
// Bearer credentials are redacted; the id_token is kept for auditing.
func (tr *TokenResponse) Snapshot() map[string]any {
	out := make(map[string]any, len(tr.Raw)+4)
	for k, v := range tr.Raw {
		out[k] = v
	}

	out["token_type"] = tr.TokenType
	out["expires_in"] = tr.ExpiresIn
	if tr.IDToken != "" {
		out["id_token"] = tr.IDToken
	}
	if tr.AccessToken != "" {
		out["access_token"] = redacted
	}
	if tr.RefreshToken != "" {
		out["refresh_token"] = redacted
	}

	return out
}

// Claims is a normalized claim set keyed by claim name.
type Claims map[string]any

// Required returns the claim as a non-empty string or ErrMissingIdentityClaim.
func (c Claims) Required(key string) (string, error) {
	v, ok := c.Lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %q", ErrMissingIdentityClaim, key)
	}
	return v, nil
}

// String returns the claim as a string, or def when it is absent or empty.
func (c Claims) String(key, def string) string {
	v, ok := c.Lookup(key)
	if !ok || v == "" {
		return def
	}
	return v
}

// Lookup stringifies scalar claim values. Arrays and objects are not looked up.
func (c Claims) Lookup(key string) (string, bool) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return "", false
	}

	switch v := raw.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	default:
		return "", false
	}
}

func (c Claims) Clone() Claims {
	out := make(Claims, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
