package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	oidc "github.com/haileyok/azuread-oidc-golang"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "oidc:state:"

type redisEntry struct {
	IssuedAt int64  `json:"issued_at"`
	ReturnTo string `json:"return_to,omitempty"`
}

// RedisStore keeps states in Redis. Keys expire on their own after the retention
// window, so Prune has nothing to do.
type RedisStore struct {
	client redis.UniversalClient
	opts   options
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{
		client: client,
		opts:   newOptions(opts),
	}
}

func (s *RedisStore) Issue(ctx context.Context, returnTo string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("could not generate state token: %w", err)
	}

	payload, err := json.Marshal(redisEntry{
		IssuedAt: s.opts.now().UnixNano(),
		ReturnTo: returnTo,
	})
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+token, payload, s.opts.retention()).Err(); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}

	return token, nil
}

func (s *RedisStore) ValidateAndConsume(ctx context.Context, token string) (*AuthRequestState, error) {
	if token == "" {
		return nil, oidc.ErrInvalidState
	}

	b, err := s.client.GetDel(ctx, redisKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, oidc.ErrInvalidState
		}
		return nil, fmt.Errorf("load state: %w", err)
	}

	var entry redisEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	createdAt := time.Unix(0, entry.IssuedAt)
	if s.opts.expired(createdAt) {
		return nil, oidc.ErrExpiredState
	}

	return &AuthRequestState{
		Token:     token,
		CreatedAt: createdAt,
		ReturnTo:  entry.ReturnTo,
	}, nil
}

func (s *RedisStore) Prune(ctx context.Context) error {
	return nil
}
