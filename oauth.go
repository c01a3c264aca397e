package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const maxResponseBytes = 1 << 20

type Client struct {
	h             *http.Client
	clientId      string
	clientSecret  string
	scope         string
	redirectUri   string
	loginUrl      string
	tokenUrl      string
	userinfoUrl   string
	endSessionUrl string
	userinfoWins  map[string]bool
	verifier      *Verifier
	logger        *slog.Logger
	hooks         hooks
}

type ClientArgs struct {
	H                  *http.Client
	ClientId           string
	ClientSecret       string
	Scope              string
	RedirectUri        string
	LoginEndpoint      string
	TokenEndpoint      string
	UserinfoEndpoint   string
	EndSessionEndpoint string
	// UserinfoPrecedence lists claim names for which a userinfo value replaces the id_token value.
	UserinfoPrecedence []string
	Verifier           *Verifier
	Logger             *slog.Logger
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.LoginEndpoint == "" || args.TokenEndpoint == "" {
		return nil, fmt.Errorf("login and token endpoints are required")
	}

	if _, err := checkRedirectURI(args.RedirectUri); err != nil {
		return nil, fmt.Errorf("invalid redirect uri: %w", err)
	}

	if args.Verifier == nil {
		return nil, fmt.Errorf("no id token verifier provided")
	}

	if args.H == nil {
		args.H = NewHTTPClient(DefaultRequestTimeout, false)
	}

	if args.Scope == "" {
		args.Scope = "openid profile email"
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	userinfoWins := make(map[string]bool, len(args.UserinfoPrecedence))
	for _, k := range args.UserinfoPrecedence {
		userinfoWins[k] = true
	}

	return &Client{
		h:             args.H,
		clientId:      args.ClientId,
		clientSecret:  args.ClientSecret,
		scope:         args.Scope,
		redirectUri:   args.RedirectUri,
		loginUrl:      args.LoginEndpoint,
		tokenUrl:      args.TokenEndpoint,
		userinfoUrl:   args.UserinfoEndpoint,
		endSessionUrl: args.EndSessionEndpoint,
		userinfoWins:  userinfoWins,
		verifier:      args.Verifier,
		logger:        args.Logger,
	}, nil
}

// BuildAuthorizationURL composes the authorize endpoint URL for one login attempt.
func (c *Client) BuildAuthorizationURL(ctx context.Context, state string) (string, error) {
	if state == "" {
		return "", fmt.Errorf("no state provided")
	}

	u, err := url.Parse(c.loginUrl)
	if err != nil {
		return "", fmt.Errorf("could not parse login endpoint: %w", err)
	}

	req := &OutboundRequest{
		Params: url.Values{
			"response_type": {"code"},
			"client_id":     {c.clientId},
			"redirect_uri":  {c.redirectUri},
			"scope":         {c.scope},
			"state":         {state},
		},
		Header: http.Header{},
	}
	c.hooks.alter(ctx, OpAuthorize, req)

	// the endpoint may already carry parameters such as a tenant hint
	params := u.Query()
	for k, vs := range req.Params {
		params[k] = vs
	}
	u.RawQuery = params.Encode()

	return c.hooks.filterAuthURL(ctx, u.String()), nil
}

func (c *Client) ExchangeCodeForToken(ctx context.Context, code string) (*TokenResponse, error) {
	if code == "" {
		return nil, &TokenExchangeError{ErrorCode: "invalid_request", Description: "no authorization code"}
	}

	req := &OutboundRequest{
		Params: url.Values{
			"code":          {code},
			"client_id":     {c.clientId},
			"client_secret": {c.clientSecret},
			"redirect_uri":  {c.redirectUri},
			"grant_type":    {"authorization_code"},
		},
		Header: http.Header{
			"Content-Type": {"application/x-www-form-urlencoded"},
			"Accept":       {"application/json"},
		},
	}
	c.hooks.alter(ctx, OpTokenRequest, req)

	hreq, err := http.NewRequestWithContext(ctx, "POST", c.tokenUrl, strings.NewReader(req.Params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("error creating token request: %w", err)
	}
	hreq.Header = req.Header

	resp, err := c.h.Do(hreq)
	if err != nil {
		if isTimeout(err) {
			return nil, transportError("token request", err)
		}
		return nil, fmt.Errorf("token request: %w", &TokenExchangeError{Description: err.Error()})
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError("could not read token response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		terr := &TokenExchangeError{StatusCode: resp.StatusCode, Body: string(b)}
		var rmap map[string]any
		if json.Unmarshal(b, &rmap) == nil {
			terr.ErrorCode = stringValue(rmap["error"])
			terr.Description = stringValue(rmap["error_description"])
		}
		return nil, terr
	}

	var tokenResponse TokenResponse
	if err := json.Unmarshal(b, &tokenResponse); err != nil {
		return nil, &TokenExchangeError{StatusCode: resp.StatusCode, Description: "malformed token response", Body: string(b)}
	}

	if tokenResponse.IDToken == "" || tokenResponse.AccessToken == "" {
		return nil, &TokenExchangeError{StatusCode: resp.StatusCode, Description: "token response missing access_token or id_token"}
	}

	c.logger.Debug("token exchange successful", "token_type", tokenResponse.TokenType, "expires_in", tokenResponse.ExpiresIn)

	return &tokenResponse, nil
}

// DecodeIDToken decodes the payload of a compact-serialized id_token without verifying it.
// Use Client.VerifyIDToken before trusting any claim.
func DecodeIDToken(raw string) (Claims, error) {
	tok, err := decodeCompact(raw)
	if err != nil {
		return nil, err
	}

	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformedIDToken
	}

	return Claims(mc), nil
}

func decodeCompact(raw string) (*jwt.Token, error) {
	if strings.Count(raw, ".") != 2 {
		return nil, fmt.Errorf("%w: expected 3 segments", ErrMalformedIDToken)
	}

	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedIDToken, err)
	}

	return tok, nil
}

// VerifyIDToken checks the signature and registered claims of raw and returns its claims.
func (c *Client) VerifyIDToken(ctx context.Context, raw string) (Claims, error) {
	tok, err := decodeCompact(raw)
	if err != nil {
		return nil, err
	}

	kid, _ := tok.Header["kid"].(string)
	if err := c.verifier.Verify(ctx, raw, kid); err != nil {
		return nil, err
	}

	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformedIDToken
	}

	return Claims(mc), nil
}

// HasUserinfo reports whether a userinfo endpoint is configured.
func (c *Client) HasUserinfo() bool {
	return c.userinfoUrl != ""
}

func (c *Client) FetchUserinfo(ctx context.Context, accessToken string) (Claims, error) {
	if c.userinfoUrl == "" {
		return nil, fmt.Errorf("no userinfo endpoint configured")
	}

	req := &OutboundRequest{
		Params: url.Values{},
		Header: http.Header{
			"Authorization": {"Bearer " + accessToken},
			"Accept":        {"application/json"},
		},
	}
	c.hooks.alter(ctx, OpUserinfo, req)

	u, err := url.Parse(c.userinfoUrl)
	if err != nil {
		return nil, fmt.Errorf("could not parse userinfo endpoint: %w", err)
	}
	if len(req.Params) > 0 {
		params := u.Query()
		for k, vs := range req.Params {
			params[k] = vs
		}
		u.RawQuery = params.Encode()
	}

	hreq, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating userinfo request: %w", err)
	}
	hreq.Header = req.Header

	resp, err := c.h.Do(hreq)
	if err != nil {
		if isTimeout(err) {
			return nil, transportError("userinfo request", err)
		}
		return nil, fmt.Errorf("userinfo request: %w", &UserinfoError{Body: err.Error()})
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError("could not read userinfo response", err)
	}

	if resp.StatusCode != http.StatusOK {
		uerr := &UserinfoError{StatusCode: resp.StatusCode, Body: string(b)}
		var rmap map[string]any
		if json.Unmarshal(b, &rmap) == nil {
			uerr.ErrorCode = stringValue(rmap["error"])
		}
		return nil, uerr
	}

	var claims Claims
	if err := json.Unmarshal(b, &claims); err != nil || claims == nil {
		return nil, &UserinfoError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	return claims, nil
}

// MergeUserinfo folds userinfo claims into the id_token claims. id_token values win on
// collision unless the claim is listed in the client's userinfo precedence. A differing
// sub is rejected.
func (c *Client) MergeUserinfo(idClaims, userClaims Claims) (Claims, error) {
	if idSub, ok := idClaims.Lookup("sub"); ok {
		if userSub, ok := userClaims.Lookup("sub"); ok && userSub != idSub {
			return nil, ErrSubjectMismatch
		}
	}

	merged := idClaims.Clone()
	for k, v := range userClaims {
		if _, exists := merged[k]; !exists || c.userinfoWins[k] {
			merged[k] = v
		}
	}

	return merged, nil
}

// EndSessionURL returns the provider logout URL, or "" when no end-session endpoint is configured.
func (c *Client) EndSessionURL(postLogoutRedirect string) (string, error) {
	if c.endSessionUrl == "" {
		return "", nil
	}

	u, err := url.Parse(c.endSessionUrl)
	if err != nil {
		return "", fmt.Errorf("could not parse end session endpoint: %w", err)
	}

	if postLogoutRedirect != "" {
		params := u.Query()
		params.Set("post_logout_redirect_uri", postLogoutRedirect)
		u.RawQuery = params.Encode()
	}

	return u.String(), nil
}
