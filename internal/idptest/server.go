// Package idptest runs an in-process Azure AD look-alike for tests: token, userinfo,
// JWKS and logout endpoints backed by a throwaway RSA key.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/haileyok/azuread-oidc-golang/internal/helpers"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	ClientID     = "11111111-2222-3333-4444-555555555555"
	ClientSecret = "s3cret"
	KeyID        = "test-key-1"
)

type grant struct {
	idClaims map[string]any
	userinfo map[string]any
}

type Server struct {
	*httptest.Server

	Key    *rsa.PrivateKey
	Issuer string

	mu            sync.Mutex
	codes         map[string]grant
	accessTokens  map[string]map[string]any
	tokenFailure  *failure
	userinfoFail  *failure
	tokenDelay    time.Duration
	tokenRequests int
	jwksRequests  int
	lastTokenForm map[string][]string
}

type failure struct {
	status int
	body   string
}

func New(t testing.TB) *Server {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	s := &Server{
		Key:          key,
		codes:        map[string]grant{},
		accessTokens: map[string]map[string]any{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/v2.0/token", s.handleToken)
	mux.HandleFunc("GET /oidc/userinfo", s.handleUserinfo)
	mux.HandleFunc("GET /discovery/v2.0/keys", s.handleKeys)

	s.Server = httptest.NewServer(mux)
	s.Issuer = s.URL + "/v2.0"
	t.Cleanup(s.Close)

	return s
}

func (s *Server) AuthorizeURL() string  { return s.URL + "/oauth2/v2.0/authorize" }
func (s *Server) TokenURL() string      { return s.URL + "/oauth2/v2.0/token" }
func (s *Server) UserinfoURL() string   { return s.URL + "/oidc/userinfo" }
func (s *Server) JWKSURL() string       { return s.URL + "/discovery/v2.0/keys" }
func (s *Server) EndSessionURL() string { return s.URL + "/oauth2/v2.0/logout" }

// IssueCode registers a one-time authorization code. idClaims are layered over the
// default registered claims; userinfo is served for the matching access token.
func (s *Server) IssueCode(idClaims, userinfo map[string]any) string {
	code, _ := helpers.GenerateToken(16)
	if userinfo == nil {
		userinfo = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = grant{idClaims: idClaims, userinfo: userinfo}
	return code
}

// SignIDToken mints an RS256 id_token with the default claims overlaid by claims. A nil
// value removes the claim.
func (s *Server) SignIDToken(claims map[string]any) string {
	now := time.Now()
	mc := jwt.MapClaims{
		"iss": s.Issuer,
		"aud": ClientID,
		"sub": "subject-1",
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	maps.Copy(mc, claims)
	maps.DeleteFunc(mc, func(k string, v any) bool { return v == nil })

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	tok.Header["kid"] = KeyID

	raw, err := tok.SignedString(s.Key)
	if err != nil {
		panic(err)
	}
	return raw
}

// FailToken makes every token request answer with status and body.
func (s *Server) FailToken(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenFailure = &failure{status: status, body: body}
}

func (s *Server) FailUserinfo(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userinfoFail = &failure{status: status, body: body}
}

func (s *Server) SetTokenDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenDelay = d
}

func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

func (s *Server) JWKSRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jwksRequests
}

// LastTokenForm returns the form of the most recent token request.
func (s *Server) LastTokenForm() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTokenForm
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	s.tokenRequests++
	s.lastTokenForm = maps.Clone(r.PostForm)
	delay := s.tokenDelay
	fail := s.tokenFailure
	g, ok := s.codes[r.PostForm.Get("code")]
	delete(s.codes, r.PostForm.Get("code"))
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if fail != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fail.status)
		w.Write([]byte(fail.body))
		return
	}

	if r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("client_secret") != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}

	if r.PostForm.Get("grant_type") != "authorization_code" || !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "AADSTS70008: The provided authorization code has expired.",
		})
		return
	}

	accessToken, _ := helpers.GenerateToken(24)

	s.mu.Lock()
	s.accessTokens[accessToken] = g.userinfo
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"token_type":    "Bearer",
		"scope":         "openid profile email",
		"expires_in":    3599,
		"access_token":  accessToken,
		"refresh_token": "refresh-" + accessToken,
		"id_token":      s.SignIDToken(g.idClaims),
	})
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	fail := s.userinfoFail
	claims, ok := s.accessTokens[token]
	s.mu.Unlock()

	if fail != nil {
		w.WriteHeader(fail.status)
		w.Write([]byte(fail.body))
		return
	}

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_token"})
		return
	}

	writeJSON(w, http.StatusOK, claims)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.jwksRequests++
	s.mu.Unlock()

	key, err := jwk.FromRaw(&s.Key.PublicKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	key.Set(jwk.KeyIDKey, KeyID)
	key.Set(jwk.AlgorithmKey, jwa.RS256)
	key.Set(jwk.KeyUsageKey, "sig")

	set := jwk.NewSet()
	set.AddKey(key)

	writeJSON(w, http.StatusOK, set)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
