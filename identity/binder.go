package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	oidc "github.com/haileyok/azuread-oidc-golang"
)

// AccountHook is notified after an account is created or its claims are refreshed.
type AccountHook func(ctx context.Context, account *LinkedAccount, claims oidc.Claims)

type Binder struct {
	store             AccountStore
	validator         *Validator
	linkExisting      bool
	matchField        MatchField
	nicknameKey       string
	emailFormat       string
	displayNameFormat string
	logger            *slog.Logger

	onCreate []AccountHook
	onUpdate []AccountHook
}

type BinderArgs struct {
	Store     AccountStore
	Validator *Validator
	// LinkExisting enables one-time linking of a local user by MatchField.
	LinkExisting      bool
	MatchField        MatchField
	NicknameKey       string
	EmailFormat       string
	DisplayNameFormat string
	Logger            *slog.Logger
}

func NewBinder(args BinderArgs) (*Binder, error) {
	if args.Store == nil {
		return nil, fmt.Errorf("no account store provided")
	}

	if args.Validator == nil {
		return nil, fmt.Errorf("no claim validator provided")
	}

	if args.MatchField == "" {
		args.MatchField = MatchEmail
	}

	if args.NicknameKey == "" {
		args.NicknameKey = "name"
	}

	if args.EmailFormat == "" {
		args.EmailFormat = "{email}"
	}

	if args.DisplayNameFormat == "" {
		args.DisplayNameFormat = "{name}"
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Binder{
		store:             args.Store,
		validator:         args.Validator,
		linkExisting:      args.LinkExisting,
		matchField:        args.MatchField,
		nicknameKey:       args.NicknameKey,
		emailFormat:       args.EmailFormat,
		displayNameFormat: args.DisplayNameFormat,
		logger:            args.Logger,
	}, nil
}

// OnCreate registers a hook fired after a new account is provisioned.
func (b *Binder) OnCreate(fn AccountHook) {
	b.onCreate = append(b.onCreate, fn)
}

// OnUpdate registers a hook fired after every claim refresh, including the first.
func (b *Binder) OnUpdate(fn AccountHook) {
	b.onUpdate = append(b.onUpdate, fn)
}

// Resolution is the outcome of Resolve. Exactly one of Account or CreatePending is set.
type Resolution struct {
	Account       *LinkedAccount
	Linked        bool
	CreatePending bool
}

func (b *Binder) Resolve(ctx context.Context, identityKey string, claims oidc.Claims) (*Resolution, error) {
	account, err := b.store.FindBySubject(ctx, identityKey)
	switch {
	case err == nil:
		return &Resolution{Account: account}, nil
	case !errors.Is(err, oidc.ErrAccountNotFound):
		return nil, fmt.Errorf("lookup by subject: %w", err)
	}

	if b.linkExisting {
		account, err := b.linkByField(ctx, identityKey)
		if err != nil {
			return nil, err
		}
		if account != nil {
			return &Resolution{Account: account, Linked: true}, nil
		}
	}

	if !b.validator.AuthorizeCreation(ctx, claims) {
		return nil, oidc.ErrAccountCreationNotAuthorized
	}

	return &Resolution{CreatePending: true}, nil
}

func (b *Binder) linkByField(ctx context.Context, identityKey string) (*LinkedAccount, error) {
	matches, err := b.store.FindByField(ctx, b.matchField, identityKey)
	if err != nil {
		return nil, fmt.Errorf("lookup by %s: %w", b.matchField, err)
	}

	// users already bound to another subject are never relinked
	var candidates []LinkedAccount
	for _, m := range matches {
		if m.SubjectIdentity == "" {
			candidates = append(candidates, m)
		}
	}

	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d local accounts match %s", oidc.ErrAmbiguousAccountMatch, len(candidates), b.matchField)
	}

	account, err := b.store.Link(ctx, candidates[0].UserID, identityKey)
	if err != nil {
		return nil, fmt.Errorf("link account: %w", err)
	}

	b.logger.Info("linked existing account", "user_id", account.UserID, "match_field", b.matchField)

	return account, nil
}

// UpdateClaims stores the latest claim snapshot and hands merged, the claims the login
// was decided on, to the OnUpdate hooks.
func (b *Binder) UpdateClaims(ctx context.Context, account *LinkedAccount, idClaims, userClaims, merged oidc.Claims, tr *oidc.TokenResponse) error {
	snap := ClaimSnapshot{
		IDTokenClaims: idClaims,
		UserClaims:    userClaims,
	}
	if tr != nil {
		snap.TokenResponse = tr.Snapshot()
	}

	if err := b.store.UpdateClaims(ctx, account.UserID, snap); err != nil {
		return fmt.Errorf("update claims: %w", err)
	}

	account.LastIDTokenClaims = snap.IDTokenClaims
	account.LastUserClaims = snap.UserClaims
	account.LastTokenResponse = snap.TokenResponse

	if merged == nil {
		merged = idClaims
	}
	for _, fn := range b.onUpdate {
		fn(ctx, account, merged)
	}

	return nil
}

// Create provisions an account bound to identityKey. Concurrent calls for the same key
// converge on a single account; created is false for every caller but the one that won.
func (b *Binder) Create(ctx context.Context, identityKey string, claims oidc.Claims) (*LinkedAccount, bool, error) {
	email, err := RenderTemplate(b.emailFormat, claims)
	if err != nil {
		return nil, false, fmt.Errorf("email: %w", err)
	}

	displayName, err := RenderTemplate(b.displayNameFormat, claims)
	if err != nil {
		return nil, false, fmt.Errorf("display name: %w", err)
	}

	nickname := claims.String(b.nicknameKey, "")
	if nickname == "" {
		nickname, _, _ = strings.Cut(identityKey, "@")
	}

	user := NewUser{
		Username:    sanitizeUsername(nickname),
		Email:       strings.ToLower(email),
		DisplayName: displayName,
		Nickname:    nickname,
	}

	account, created, err := b.store.CreateLinked(ctx, user, identityKey)
	if err != nil {
		return nil, false, fmt.Errorf("create account: %w", err)
	}

	if !created {
		b.logger.Info("account already provisioned by a concurrent login", "user_id", account.UserID)
		return account, false, nil
	}

	b.logger.Info("created account", "user_id", account.UserID, "username", account.Username)
	for _, fn := range b.onCreate {
		fn(ctx, account, claims)
	}

	return account, true, nil
}
