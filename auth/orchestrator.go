// Package auth drives one Authorization Code login attempt from the first redirect to
// the point where the host application takes over the session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
	oidc "github.com/haileyok/azuread-oidc-golang"
	"github.com/haileyok/azuread-oidc-golang/identity"
	"github.com/haileyok/azuread-oidc-golang/state"
)

// SessionEstablisher is the host's login primitive. The orchestrator never touches
// cookies itself.
type SessionEstablisher interface {
	EstablishSession(ctx context.Context, account *identity.LinkedAccount) error
}

// SessionFunc adapts a function to SessionEstablisher.
type SessionFunc func(ctx context.Context, account *identity.LinkedAccount) error

func (f SessionFunc) EstablishSession(ctx context.Context, account *identity.LinkedAccount) error {
	return f(ctx, account)
}

// RedirectFilter may replace the post-login target. Returning ok=false vetoes the login.
type RedirectFilter func(ctx context.Context, account *identity.LinkedAccount, target string) (string, bool)

type Orchestrator struct {
	client           *oidc.Client
	states           state.Store
	validator        *identity.Validator
	binder           *identity.Binder
	redirectUserBack bool
	defaultRedirect  string
	logger           *slog.Logger
	redirectFilters  []RedirectFilter
}

type OrchestratorArgs struct {
	Client    *oidc.Client
	States    state.Store
	Validator *identity.Validator
	Binder    *identity.Binder
	// RedirectUserBack sends the user to the page they started from instead of DefaultRedirect.
	RedirectUserBack bool
	DefaultRedirect  string
	Logger           *slog.Logger
}

func NewOrchestrator(args OrchestratorArgs) (*Orchestrator, error) {
	if args.Client == nil {
		return nil, fmt.Errorf("no oidc client provided")
	}

	if args.States == nil {
		return nil, fmt.Errorf("no state store provided")
	}

	if args.Validator == nil {
		return nil, fmt.Errorf("no claim validator provided")
	}

	if args.Binder == nil {
		return nil, fmt.Errorf("no identity binder provided")
	}

	if args.DefaultRedirect == "" {
		args.DefaultRedirect = "/"
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Orchestrator{
		client:           args.Client,
		states:           args.States,
		validator:        args.Validator,
		binder:           args.Binder,
		redirectUserBack: args.RedirectUserBack,
		defaultRedirect:  args.DefaultRedirect,
		logger:           args.Logger,
	}, nil
}

// AddRedirectFilter registers a pre-redirect hook. Filters run in registration order and
// each sees the target produced by the previous one.
func (o *Orchestrator) AddRedirectFilter(fn RedirectFilter) {
	o.redirectFilters = append(o.redirectFilters, fn)
}

// Start issues a fresh state token and returns the provider authorization URL. returnTo
// is kept only when it is a same-site relative path.
func (o *Orchestrator) Start(ctx context.Context, returnTo string) (string, error) {
	token, err := o.states.Issue(ctx, safeReturnTo(returnTo))
	if err != nil {
		return "", &FlowError{Stage: StageStart, Err: fmt.Errorf("issue state: %w", err)}
	}

	authURL, err := o.client.BuildAuthorizationURL(ctx, token)
	if err != nil {
		return "", &FlowError{Stage: StageStart, Err: fmt.Errorf("build authorization url: %w", err)}
	}

	o.logger.Debug("authorization url issued", "stage", StageAuthURLIssued)

	return authURL, nil
}

type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

func CallbackParamsFromQuery(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

type Result struct {
	AttemptID  string
	Account    *identity.LinkedAccount
	Created    bool
	Linked     bool
	RedirectTo string
}

// attempt carries per-callback bookkeeping.
type attempt struct {
	id     string
	stage  Stage
	logger *slog.Logger
}

func (a *attempt) advance(s Stage) {
	a.stage = s
	a.logger.Debug("login stage reached", "stage", s)
}

func (a *attempt) fail(err error) error {
	last := a.stage
	a.stage = StageFailed
	attrs := []any{"stage", a.stage, "last_stage", last, "error", err}

	var tokenErr *oidc.TokenExchangeError
	if errors.As(err, &tokenErr) {
		attrs = append(attrs, "status", tokenErr.StatusCode, "provider_error", tokenErr.ErrorCode, "provider_body", tokenErr.Body)
	}

	var userinfoErr *oidc.UserinfoError
	if errors.As(err, &userinfoErr) {
		attrs = append(attrs, "status", userinfoErr.StatusCode, "provider_body", userinfoErr.Body)
	}

	a.logger.Warn("login attempt failed", attrs...)

	return &FlowError{Stage: a.stage, LastStage: last, Err: err}
}

// HandleCallback runs the provider callback to completion. Each step happens strictly
// after the previous one succeeded; on any failure no session is established.
func (o *Orchestrator) HandleCallback(ctx context.Context, params CallbackParams, sess SessionEstablisher) (*Result, error) {
	a := &attempt{
		id:    uuid.NewString(),
		stage: StageCallbackReceived,
	}
	a.logger = o.logger.With("attempt", a.id)

	if params.Error != "" {
		// burn the state so it cannot be replayed with a code later
		if _, err := o.states.ValidateAndConsume(ctx, params.State); err != nil {
			a.logger.Debug("state not consumed on provider error", "error", err)
		}
		return nil, a.fail(fmt.Errorf("%w: %s: %s", oidc.ErrAuthorizationDenied, params.Error, params.ErrorDescription))
	}

	st, err := o.states.ValidateAndConsume(ctx, params.State)
	if err != nil {
		return nil, a.fail(err)
	}
	a.advance(StageStateValidated)

	if params.Code == "" {
		return nil, a.fail(fmt.Errorf("%w: callback carried no authorization code", oidc.ErrAuthorizationDenied))
	}

	tr, err := o.client.ExchangeCodeForToken(ctx, params.Code)
	if err != nil {
		return nil, a.fail(err)
	}
	a.advance(StageTokenExchanged)

	idClaims, err := o.client.VerifyIDToken(ctx, tr.IDToken)
	if err != nil {
		return nil, a.fail(err)
	}

	var userClaims oidc.Claims
	if o.client.HasUserinfo() {
		userClaims, err = o.client.FetchUserinfo(ctx, tr.AccessToken)
		if err != nil {
			return nil, a.fail(err)
		}
	}

	claims, err := o.client.MergeUserinfo(idClaims, userClaims)
	if err != nil {
		return nil, a.fail(err)
	}

	identityKey, err := o.validator.ExtractIdentityKey(claims)
	if err != nil {
		return nil, a.fail(err)
	}

	if !o.validator.AuthorizeLogin(ctx, claims) {
		return nil, a.fail(oidc.ErrLoginNotAuthorized)
	}
	a.advance(StageClaimsValidated)

	res, err := o.binder.Resolve(ctx, identityKey, claims)
	if err != nil {
		return nil, a.fail(err)
	}

	result := &Result{
		AttemptID: a.id,
		Account:   res.Account,
		Linked:    res.Linked,
	}

	if res.CreatePending {
		account, created, err := o.binder.Create(ctx, identityKey, claims)
		if err != nil {
			return nil, a.fail(err)
		}
		result.Account = account
		result.Created = created
	}

	if err := o.binder.UpdateClaims(ctx, result.Account, idClaims, userClaims, claims, tr); err != nil {
		return nil, a.fail(err)
	}
	a.advance(StageIdentityResolved)

	target := o.defaultRedirect
	if o.redirectUserBack && st.ReturnTo != "" {
		target = st.ReturnTo
	}

	for _, fn := range o.redirectFilters {
		next, ok := fn(ctx, result.Account, target)
		if !ok {
			return nil, a.fail(oidc.ErrRedirectVetoed)
		}
		if next != "" {
			target = next
		}
	}
	result.RedirectTo = target

	if err := sess.EstablishSession(ctx, result.Account); err != nil {
		return nil, a.fail(fmt.Errorf("establish session: %w", err))
	}
	a.advance(StageSessionEstablished)

	a.logger.Info("login succeeded", "user_id", result.Account.UserID, "created", result.Created, "linked", result.Linked)

	return result, nil
}

func safeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}

	return u.RequestURI()
}
