package identity

import (
	"strings"
	"testing"

	oidc "github.com/haileyok/azuread-oidc-golang"
	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	assert := assert.New(t)
	claims := oidc.Claims{
		"given_name":  "Ada",
		"family_name": "Lovelace",
		"email":       "ada@example.com",
	}

	out, err := RenderTemplate("{given_name} {family_name}", claims)
	assert.NoError(err)
	assert.Equal("Ada Lovelace", out)

	out, err = RenderTemplate("{email}", claims)
	assert.NoError(err)
	assert.Equal("ada@example.com", out)

	out, err = RenderTemplate("{ given_name }.{family_name}", claims)
	assert.NoError(err)
	assert.Equal("Ada.Lovelace", out)

	out, err = RenderTemplate("static", claims)
	assert.NoError(err)
	assert.Equal("static", out)

	_, err = RenderTemplate("{given_name} {middle_name}", claims)
	assert.ErrorIs(err, oidc.ErrTemplateResolution)

	_, err = RenderTemplate("  ", claims)
	assert.ErrorIs(err, oidc.ErrTemplateResolution)
}

func TestSanitizeUsername(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("ada.lovelace", sanitizeUsername("Ada Lovelace"))
	assert.Equal("jos", sanitizeUsername("José"))
	assert.Equal("a_b-c", sanitizeUsername("__a_b-c!!"))
	assert.Equal("user", sanitizeUsername("??"))
	assert.Len(sanitizeUsername(strings.Repeat("x", 100)), 60)
}
