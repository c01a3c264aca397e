package identity

import (
	"fmt"
	"io"
	"strings"
	"unicode"

	oidc "github.com/haileyok/azuread-oidc-golang"
	"github.com/valyala/fasttemplate"
)

// RenderTemplate substitutes {claim} placeholders from claims. A placeholder whose claim is
// missing or empty fails with oidc.ErrTemplateResolution; there is no silent fallback.
func RenderTemplate(format string, claims oidc.Claims) (string, error) {
	out, err := fasttemplate.ExecuteFuncStringWithErr(format, "{", "}", func(w io.Writer, tag string) (int, error) {
		key := strings.TrimSpace(tag)
		v := claims.String(key, "")
		if v == "" {
			return 0, fmt.Errorf("%w: %q references missing claim %q", oidc.ErrTemplateResolution, format, key)
		}
		return io.WriteString(w, v)
	})
	if err != nil {
		return "", err
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%w: %q rendered empty", oidc.ErrTemplateResolution, format)
	}

	return out, nil
}

// sanitizeUsername keeps [a-z0-9._-], turns whitespace into dots and drops the rest.
func sanitizeUsername(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('.')
		}
	}

	out := strings.Trim(b.String(), ".-_")
	if out == "" {
		return "user"
	}
	if len(out) > 60 {
		out = out[:60]
	}
	return out
}
