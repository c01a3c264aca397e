// Package identity maps a verified external claim set onto a local account.
package identity

import (
	"context"
	"errors"
	"strings"

	oidc "github.com/haileyok/azuread-oidc-golang"
	"gorm.io/gorm"
)

// LinkedAccount is a local user plus the OIDC metadata bound to it. An empty
// SubjectIdentity means the local user has not been linked yet.
type LinkedAccount struct {
	UserID      int64
	Username    string
	Email       string
	DisplayName string
	Nickname    string

	SubjectIdentity   string
	LastIDTokenClaims oidc.Claims
	LastUserClaims    oidc.Claims
	LastTokenResponse map[string]any
}

// NewUser describes a local user to provision.
type NewUser struct {
	Username    string
	Email       string
	DisplayName string
	Nickname    string
}

type ClaimSnapshot struct {
	IDTokenClaims oidc.Claims
	UserClaims    oidc.Claims
	TokenResponse map[string]any
}

// MatchField selects which local attribute one-time linking compares against.
type MatchField string

const (
	MatchEmail    MatchField = "email"
	MatchUsername MatchField = "username"
)

type AccountStore interface {
	// FindBySubject returns oidc.ErrAccountNotFound when no account carries subject.
	FindBySubject(ctx context.Context, subject string) (*LinkedAccount, error)
	// FindByField returns every local account whose field equals value, case-insensitively.
	FindByField(ctx context.Context, field MatchField, value string) ([]LinkedAccount, error)
	// Link binds subject to an existing unlinked user. If subject is already bound the
	// account holding it is returned instead.
	Link(ctx context.Context, userID int64, subject string) (*LinkedAccount, error)
	// CreateLinked provisions a user bound to subject in one step. When subject is already
	// bound it returns the existing account and created=false.
	CreateLinked(ctx context.Context, user NewUser, subject string) (account *LinkedAccount, created bool, err error)
	// CreateUser provisions an unlinked local user.
	CreateUser(ctx context.Context, user NewUser) (*LinkedAccount, error)
	UpdateClaims(ctx context.Context, userID int64, snap ClaimSnapshot) error
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
