package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/haileyok/azuread-oidc-golang/internal/idptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

const testRedirectUri = "https://blog.example.com/openid-connect-authorize"

func newTestClient(t *testing.T, idp *idptest.Server, mod func(*ClientArgs)) *Client {
	t.Helper()

	verifier, err := NewVerifier(VerifierArgs{
		JwksUrl:  idp.JWKSURL(),
		Issuer:   idp.Issuer,
		Audience: idptest.ClientID,
	})
	require.NoError(t, err)

	args := ClientArgs{
		ClientId:           idptest.ClientID,
		ClientSecret:       idptest.ClientSecret,
		RedirectUri:        testRedirectUri,
		LoginEndpoint:      idp.AuthorizeURL(),
		TokenEndpoint:      idp.TokenURL(),
		UserinfoEndpoint:   idp.UserinfoURL(),
		EndSessionEndpoint: idp.EndSessionURL(),
		Verifier:           verifier,
	}
	if mod != nil {
		mod(&args)
	}

	client, err := NewClient(args)
	require.NoError(t, err)
	return client
}

func TestNewClientValidation(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)

	verifier, err := NewVerifier(VerifierArgs{JwksUrl: idp.JWKSURL(), Audience: idptest.ClientID})
	require.NoError(t, err)

	base := ClientArgs{
		ClientId:      idptest.ClientID,
		RedirectUri:   testRedirectUri,
		LoginEndpoint: idp.AuthorizeURL(),
		TokenEndpoint: idp.TokenURL(),
		Verifier:      verifier,
	}

	_, err = NewClient(base)
	assert.NoError(err)

	noId := base
	noId.ClientId = ""
	_, err = NewClient(noId)
	assert.Error(err)

	withQuery := base
	withQuery.RedirectUri = testRedirectUri + "?foo=bar"
	_, err = NewClient(withQuery)
	assert.Error(err)

	noVerifier := base
	noVerifier.Verifier = nil
	_, err = NewClient(noVerifier)
	assert.Error(err)

	_, err = NewVerifier(VerifierArgs{Audience: idptest.ClientID})
	assert.Error(err)
}

func TestBuildAuthorizationURLRoundTrip(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)
	client := newTestClient(t, idp, func(args *ClientArgs) {
		args.Scope = "openid profile email offline_access"
	})

	authURL, err := client.BuildAuthorizationURL(ctx, "abc123")
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(idp.AuthorizeURL(), u.Scheme+"://"+u.Host+u.Path)

	q := u.Query()
	assert.Equal("abc123", q.Get("state"))
	assert.Equal(idptest.ClientID, q.Get("client_id"))
	assert.Equal(testRedirectUri, q.Get("redirect_uri"))
	assert.Equal("openid profile email offline_access", q.Get("scope"))
	assert.Equal("code", q.Get("response_type"))

	_, err = client.BuildAuthorizationURL(ctx, "")
	assert.Error(err)
}

func TestBuildAuthorizationURLKeepsEndpointQuery(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)
	client := newTestClient(t, idp, func(args *ClientArgs) {
		args.LoginEndpoint = idp.AuthorizeURL() + "?domain_hint=contoso.com"
	})

	authURL, err := client.BuildAuthorizationURL(ctx, "abc123")
	require.NoError(t, err)

	u, _ := url.Parse(authURL)
	assert.Equal("contoso.com", u.Query().Get("domain_hint"))
	assert.Equal("abc123", u.Query().Get("state"))
}

func TestHooks(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)
	client := newTestClient(t, idp, nil)

	var ops []Operation
	client.AddRequestAlterer(func(ctx context.Context, op Operation, req *OutboundRequest) {
		ops = append(ops, op)
		switch op {
		case OpAuthorize:
			req.Params.Set("prompt", "select_account")
		case OpTokenRequest:
			req.Params.Set("resource", "https://graph.microsoft.com")
		}
	})

	client.AddAuthURLFilter(func(ctx context.Context, authURL string) string {
		return authURL + "&login_hint=ada%40x.com"
	})
	client.AddAuthURLFilter(func(ctx context.Context, authURL string) string {
		return ""
	})

	authURL, err := client.BuildAuthorizationURL(ctx, "abc123")
	require.NoError(t, err)

	u, _ := url.Parse(authURL)
	assert.Equal("select_account", u.Query().Get("prompt"))
	assert.Equal("ada@x.com", u.Query().Get("login_hint"))

	code := idp.IssueCode(map[string]any{"email": "ada@x.com"}, map[string]any{"sub": "subject-1"})
	tr, err := client.ExchangeCodeForToken(ctx, code)
	require.NoError(t, err)
	assert.Equal("https://graph.microsoft.com", url.Values(idp.LastTokenForm()).Get("resource"))

	_, err = client.FetchUserinfo(ctx, tr.AccessToken)
	require.NoError(t, err)

	assert.Equal([]Operation{OpAuthorize, OpTokenRequest, OpUserinfo}, ops)
}

func TestExchangeCodeForToken(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)
	client := newTestClient(t, idp, nil)

	code := idp.IssueCode(map[string]any{"email": "ada@x.com"}, nil)
	tr, err := client.ExchangeCodeForToken(ctx, code)
	require.NoError(t, err)

	assert.NotEmpty(tr.AccessToken)
	assert.NotEmpty(tr.IDToken)
	assert.NotEmpty(tr.RefreshToken)
	assert.Equal("Bearer", tr.TokenType)
	assert.Equal(int64(3599), tr.ExpiresIn)

	form := url.Values(idp.LastTokenForm())
	assert.Equal("authorization_code", form.Get("grant_type"))
	assert.Equal(testRedirectUri, form.Get("redirect_uri"))
	assert.Equal(code, form.Get("code"))

	snap := tr.Snapshot()
	assert.Equal("[redacted]", snap["access_token"])
	assert.Equal("[redacted]", snap["refresh_token"])
	assert.Equal(tr.IDToken, snap["id_token"])

	// codes are single use
	_, err = client.ExchangeCodeForToken(ctx, code)
	var terr *TokenExchangeError
	require.True(t, errors.As(err, &terr))
	assert.Equal(400, terr.StatusCode)
	assert.Equal("invalid_grant", terr.ErrorCode)
	assert.Contains(terr.Description, "AADSTS70008")
}

func TestExchangeCodeForTokenInvalidGrant(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)
	idp.FailToken(400, `{"error":"invalid_grant"}`)
	client := newTestClient(t, idp, nil)

	_, err := client.ExchangeCodeForToken(ctx, "some-code")

	var terr *TokenExchangeError
	require.True(t, errors.As(err, &terr))
	assert.Equal(400, terr.StatusCode)
	assert.Equal("invalid_grant", terr.ErrorCode)
	assert.Equal(`{"error":"invalid_grant"}`, terr.Body)
	assert.Contains(terr.Error(), "status=400")
}

func TestExchangeCodeForTokenMalformed(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)
	client := newTestClient(t, idp, nil)

	idp.FailToken(200, `not json`)
	_, err := client.ExchangeCodeForToken(ctx, "some-code")
	var terr *TokenExchangeError
	assert.True(errors.As(err, &terr))

	idp.FailToken(200, `{"access_token":"at","token_type":"Bearer"}`)
	_, err = client.ExchangeCodeForToken(ctx, "some-code")
	assert.True(errors.As(err, &terr))
	assert.Contains(terr.Description, "id_token")
}

func TestExchangeCodeForTokenTimeout(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)
	idp.SetTokenDelay(2 * time.Second)
	client := newTestClient(t, idp, func(args *ClientArgs) {
		args.H = NewHTTPClient(100*time.Millisecond, false)
	})

	start := time.Now()
	_, err := client.ExchangeCodeForToken(ctx, "some-code")
	assert.ErrorIs(err, ErrRequestTimeout)
	assert.Less(time.Since(start), time.Second)
}

func TestExchangeCodeForTokenUnreachable(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)
	client := newTestClient(t, idp, func(args *ClientArgs) {
		args.TokenEndpoint = "http://127.0.0.1:1/token"
	})

	_, err := client.ExchangeCodeForToken(ctx, "some-code")
	var terr *TokenExchangeError
	assert.True(errors.As(err, &terr))
	assert.Equal(0, terr.StatusCode)
}

func TestDecodeIDToken(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)

	raw := idp.SignIDToken(map[string]any{"email": "ada@x.com", "name": "Ada"})
	claims, err := DecodeIDToken(raw)
	require.NoError(t, err)
	assert.Equal("ada@x.com", claims.String("email", ""))
	assert.Equal("Ada", claims.String("name", ""))

	for _, bad := range []string{"", "abc", "a.b", "a.b.c.d", "!!!.???.sig"} {
		_, err := DecodeIDToken(bad)
		assert.ErrorIs(err, ErrMalformedIDToken, bad)
	}
}

func TestVerifyIDToken(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)
	client := newTestClient(t, idp, nil)

	raw := idp.SignIDToken(map[string]any{"email": "ada@x.com"})
	claims, err := client.VerifyIDToken(ctx, raw)
	require.NoError(t, err)
	assert.Equal("ada@x.com", claims.String("email", ""))
	assert.Equal(1, idp.JWKSRequests())

	// the key set is cached
	_, err = client.VerifyIDToken(ctx, raw)
	require.NoError(t, err)
	assert.Equal(1, idp.JWKSRequests())

	parts := strings.Split(raw, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	_, err = client.VerifyIDToken(ctx, tampered)
	assert.ErrorIs(err, ErrInvalidIDToken)

	_, err = client.VerifyIDToken(ctx, idp.SignIDToken(map[string]any{"aud": "someone-else"}))
	assert.ErrorIs(err, ErrInvalidIDToken)

	_, err = client.VerifyIDToken(ctx, idp.SignIDToken(map[string]any{"iss": "https://login.evil.example/v2.0"}))
	assert.ErrorIs(err, ErrInvalidIDToken)

	_, err = client.VerifyIDToken(ctx, idp.SignIDToken(map[string]any{"exp": time.Now().Add(-time.Hour).Unix()}))
	assert.ErrorIs(err, ErrInvalidIDToken)

	// a token that never expires is not accepted
	_, err = client.VerifyIDToken(ctx, idp.SignIDToken(map[string]any{"exp": nil}))
	assert.ErrorIs(err, ErrInvalidIDToken)

	_, err = client.VerifyIDToken(ctx, "not-a-token")
	assert.ErrorIs(err, ErrMalformedIDToken)
}

func TestFetchUserinfo(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)
	client := newTestClient(t, idp, nil)
	assert.True(client.HasUserinfo())

	code := idp.IssueCode(nil, map[string]any{"sub": "subject-1", "given_name": "Ada"})
	tr, err := client.ExchangeCodeForToken(ctx, code)
	require.NoError(t, err)

	claims, err := client.FetchUserinfo(ctx, tr.AccessToken)
	require.NoError(t, err)
	assert.Equal("Ada", claims.String("given_name", ""))

	_, err = client.FetchUserinfo(ctx, "bogus")
	var uerr *UserinfoError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(401, uerr.StatusCode)
	assert.Equal("invalid_token", uerr.ErrorCode)

	noUserinfo := newTestClient(t, idp, func(args *ClientArgs) { args.UserinfoEndpoint = "" })
	assert.False(noUserinfo.HasUserinfo())
	_, err = noUserinfo.FetchUserinfo(ctx, tr.AccessToken)
	assert.Error(err)
}

func TestFetchUserinfoRejectsNonObject(t *testing.T) {
	assert := assert.New(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["not","an","object"]`))
	}))
	defer ts.Close()

	idp := idptest.New(t)
	client := newTestClient(t, idp, func(args *ClientArgs) { args.UserinfoEndpoint = ts.URL })

	_, err := client.FetchUserinfo(ctx, "at")
	var uerr *UserinfoError
	assert.True(errors.As(err, &uerr))
}

func TestMergeUserinfo(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)
	client := newTestClient(t, idp, func(args *ClientArgs) {
		args.UserinfoPrecedence = []string{"name"}
	})

	id := Claims{"sub": "s1", "email": "ada@x.com", "name": "Ada"}
	user := Claims{"sub": "s1", "email": "other@x.com", "name": "Ada Lovelace", "picture": "p.png"}

	merged, err := client.MergeUserinfo(id, user)
	require.NoError(t, err)
	assert.Equal("ada@x.com", merged["email"])
	assert.Equal("Ada Lovelace", merged["name"])
	assert.Equal("p.png", merged["picture"])
	assert.Equal("Ada", id["name"])

	merged, err = client.MergeUserinfo(id, nil)
	require.NoError(t, err)
	assert.Equal(id, merged)

	_, err = client.MergeUserinfo(id, Claims{"sub": "s2"})
	assert.ErrorIs(err, ErrSubjectMismatch)
}

func TestEndSessionURL(t *testing.T) {
	assert := assert.New(t)
	idp := idptest.New(t)
	client := newTestClient(t, idp, nil)

	logout, err := client.EndSessionURL("https://blog.example.com/")
	require.NoError(t, err)

	u, _ := url.Parse(logout)
	assert.Equal(idp.EndSessionURL(), u.Scheme+"://"+u.Host+u.Path)
	assert.Equal("https://blog.example.com/", u.Query().Get("post_logout_redirect_uri"))

	noLogout := newTestClient(t, idp, func(args *ClientArgs) { args.EndSessionEndpoint = "" })
	logout, err = noLogout.EndSessionURL("https://blog.example.com/")
	assert.NoError(err)
	assert.Empty(logout)
}

func TestClaimsAccessors(t *testing.T) {
	assert := assert.New(t)
	claims := Claims{"email": "ada@x.com", "empty": "", "n": float64(42), "flag": true}

	v, err := claims.Required("email")
	assert.NoError(err)
	assert.Equal("ada@x.com", v)

	_, err = claims.Required("missing")
	assert.ErrorIs(err, ErrMissingIdentityClaim)

	_, err = claims.Required("empty")
	assert.ErrorIs(err, ErrMissingIdentityClaim)

	assert.Equal("fallback", claims.String("missing", "fallback"))
	assert.Equal("42", claims.String("n", ""))
	assert.Equal("true", claims.String("flag", ""))
}
