package main

import (
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	oidc "github.com/haileyok/azuread-oidc-golang"
	"github.com/haileyok/azuread-oidc-golang/auth"
	"github.com/haileyok/azuread-oidc-golang/config"
	"github.com/haileyok/azuread-oidc-golang/internal/idptest"
	"github.com/haileyok/azuread-oidc-golang/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testSite struct {
	idp *idptest.Server
	srv *httptest.Server
	hc  *http.Client
}

func newTestSite(t *testing.T, mod func(*config.Settings)) *testSite {
	t.Helper()

	idp := idptest.New(t)
	settings := config.Settings{
		ClientID:             idptest.ClientID,
		ClientSecret:         idptest.ClientSecret,
		Scope:                "openid profile email",
		EndpointLogin:        idp.AuthorizeURL(),
		EndpointToken:        idp.TokenURL(),
		EndpointUserinfo:     idp.UserinfoURL(),
		EndpointEndSession:   idp.EndSessionURL(),
		EndpointJWKS:         idp.JWKSURL(),
		Issuer:               idp.Issuer,
		RedirectURI:          "https://blog.example.com/openid-connect-authorize",
		IdentityKey:          "email",
		NicknameKey:          "name",
		EmailFormat:          "{email}",
		DisplayNameFormat:    "{name}",
		HTTPRequestTimeout:   oidc.DefaultRequestTimeout,
		CreateIfDoesNotExist: true,
		RedirectOnLogout:     true,
		StateTimeLimit:       state.DefaultTTL,
		LoginType:            config.LoginTypeButton,
	}
	if mod != nil {
		mod(&settings)
	}
	require.NoError(t, settings.Validate())

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	states, err := state.NewGormStore(db)
	require.NoError(t, err)

	s, err := NewDemoServer(DemoServerArgs{
		Settings:     settings,
		DB:           db,
		States:       states,
		SessionStore: sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef")),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.e)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testSite{
		idp: idp,
		srv: srv,
		hc: &http.Client{
			Jar: jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (ts *testSite) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()

	resp, err := ts.hc.Get(ts.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

// startLogin follows /login/start and returns the state sent to the provider.
func (ts *testSite) startLogin(t *testing.T, returnTo string) string {
	t.Helper()

	resp, _ := ts.get(t, "/login/start?return_to="+url.QueryEscape(returnTo))
	require.Equal(t, 302, resp.StatusCode)

	u, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u.String(), ts.idp.AuthorizeURL()))
	return u.Query().Get("state")
}

func callbackPath(code, st string) string {
	return "/openid-connect-authorize?" + url.Values{"code": {code}, "state": {st}}.Encode()
}

var adaClaims = map[string]any{
	"sub":   "subject-ada",
	"email": "ada@x.com",
	"name":  "Ada Lovelace",
}

func TestLoginFlow(t *testing.T) {
	assert := assert.New(t)
	ts := newTestSite(t, nil)

	resp, body := ts.get(t, "/login")
	assert.Equal(200, resp.StatusCode)
	assert.Contains(body, "Login with Azure AD")

	st := ts.startLogin(t, "")
	code := ts.idp.IssueCode(adaClaims, nil)

	resp, _ = ts.get(t, callbackPath(code, st))
	assert.Equal(302, resp.StatusCode)
	assert.Equal("/", resp.Header.Get("Location"))

	resp, body = ts.get(t, "/")
	assert.Equal(200, resp.StatusCode)
	assert.Contains(body, "Ada Lovelace")
	assert.Contains(body, "ada.lovelace")

	// replaying the callback fails without touching the session
	resp, body = ts.get(t, callbackPath(code, st))
	assert.Equal(400, resp.StatusCode)
	assert.Contains(body, auth.UserMessage(oidc.ErrInvalidState))

	resp, _ = ts.get(t, "/logout")
	assert.Equal(302, resp.StatusCode)
	logout, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.True(strings.HasPrefix(logout.String(), ts.idp.EndSessionURL()))
	assert.Equal("https://blog.example.com/", logout.Query().Get("post_logout_redirect_uri"))

	_, body = ts.get(t, "/")
	assert.NotContains(body, "Ada Lovelace")
}

func TestCallbackProviderFailure(t *testing.T) {
	assert := assert.New(t)
	ts := newTestSite(t, nil)
	ts.idp.FailToken(400, `{"error":"invalid_grant","error_description":"AADSTS70008"}`)

	st := ts.startLogin(t, "")
	resp, body := ts.get(t, callbackPath("stale-code", st))
	assert.Equal(502, resp.StatusCode)
	assert.NotContains(body, "invalid_grant")
	assert.NotContains(body, "AADSTS70008")
}

func TestCallbackCreationDisabled(t *testing.T) {
	assert := assert.New(t)
	ts := newTestSite(t, func(s *config.Settings) { s.CreateIfDoesNotExist = false })

	st := ts.startLogin(t, "")
	resp, _ := ts.get(t, callbackPath(ts.idp.IssueCode(adaClaims, nil), st))
	assert.Equal(403, resp.StatusCode)
}

func TestPrivacyAndRedirectBack(t *testing.T) {
	assert := assert.New(t)
	ts := newTestSite(t, func(s *config.Settings) {
		s.EnforcePrivacy = true
		s.RedirectUserBack = true
	})

	resp, _ := ts.get(t, "/?tab=drafts")
	assert.Equal(302, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal("/login", loc.Path)
	returnTo := loc.Query().Get("return_to")
	assert.Equal("/?tab=drafts", returnTo)

	st := ts.startLogin(t, returnTo)
	resp, _ = ts.get(t, callbackPath(ts.idp.IssueCode(adaClaims, nil), st))
	assert.Equal(302, resp.StatusCode)
	assert.Equal("/?tab=drafts", resp.Header.Get("Location"))

	resp, body := ts.get(t, "/?tab=drafts")
	assert.Equal(200, resp.StatusCode)
	assert.Contains(body, "Ada Lovelace")
}

func TestAutoLogin(t *testing.T) {
	assert := assert.New(t)
	ts := newTestSite(t, func(s *config.Settings) { s.LoginType = config.LoginTypeAuto })

	resp, _ := ts.get(t, "/login")
	assert.Equal(302, resp.StatusCode)
	assert.True(strings.HasPrefix(resp.Header.Get("Location"), ts.idp.AuthorizeURL()))
}
