package state

import (
	"context"
	"fmt"
	"sync"

	oidc "github.com/haileyok/azuread-oidc-golang"
)

// MemoryStore keeps states in process memory. Suitable for a single instance.
type MemoryStore struct {
	opts options

	mu      sync.Mutex
	entries map[string]AuthRequestState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    newOptions(opts),
		entries: make(map[string]AuthRequestState),
	}
}

func (s *MemoryStore) Issue(ctx context.Context, returnTo string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("could not generate state token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	s.entries[token] = AuthRequestState{
		Token:     token,
		CreatedAt: s.opts.now(),
		ReturnTo:  returnTo,
	}

	return token, nil
}

func (s *MemoryStore) ValidateAndConsume(ctx context.Context, token string) (*AuthRequestState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entries[token]
	if !ok || token == "" {
		return nil, oidc.ErrInvalidState
	}
	delete(s.entries, token)

	if s.opts.expired(st.CreatedAt) {
		return nil, oidc.ErrExpiredState
	}

	return &st, nil
}

func (s *MemoryStore) Prune(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	return nil
}

// Len reports the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

func (s *MemoryStore) pruneLocked() {
	for token, st := range s.entries {
		if s.opts.prunable(st.CreatedAt) {
			delete(s.entries, token)
		}
	}
}
