// Package state persists the single-use anti-forgery tokens that are round-tripped
// through the identity provider redirect.
package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/haileyok/azuread-oidc-golang/internal/helpers"
)

const (
	DefaultTTL = 180 * time.Second
	tokenBytes = 32
)

type AuthRequestState struct {
	Token     string
	CreatedAt time.Time
	// ReturnTo is the same-site path the user started from, if any.
	ReturnTo string
}

// Store issues state tokens and consumes them exactly once.
type Store interface {
	// Issue records a new token. Expired entries may be pruned as a side effect.
	Issue(ctx context.Context, returnTo string) (string, error)
	// ValidateAndConsume atomically removes the token. It returns oidc.ErrInvalidState for
	// unknown or already consumed tokens and oidc.ErrExpiredState past the TTL.
	ValidateAndConsume(ctx context.Context, token string) (*AuthRequestState, error)
	// Prune removes entries that are past the TTL retention window.
	Prune(ctx context.Context) error
}

type Option func(*options)

type options struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// WithTTL sets how long an issued token stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) options {
	o := options{
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) expired(createdAt time.Time) bool {
	return o.now().Sub(createdAt) > o.ttl
}

// Expired entries are kept for one extra TTL so a late first use still reports
// ErrExpiredState instead of ErrInvalidState.
func (o options) retention() time.Duration {
	return 2 * o.ttl
}

func (o options) prunable(createdAt time.Time) bool {
	return o.now().Sub(createdAt) > o.retention()
}

func newToken() (string, error) {
	return helpers.GenerateToken(tokenBytes)
}
