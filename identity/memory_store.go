package identity

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"

	oidc "github.com/haileyok/azuread-oidc-golang"
)

// MemoryStore is an AccountStore for tests and single-process demos.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	accounts  map[int64]*LinkedAccount
	bySubject map[string]int64
}

var _ AccountStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  map[int64]*LinkedAccount{},
		bySubject: map[string]int64{},
	}
}

func (s *MemoryStore) FindBySubject(ctx context.Context, subject string) (*LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.bySubject[subject]
	if !ok {
		return nil, oidc.ErrAccountNotFound
	}
	return s.copyOf(id), nil
}

func (s *MemoryStore) FindByField(ctx context.Context, field MatchField, value string) ([]LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []LinkedAccount
	for id := 1; int64(id) <= s.nextID; id++ {
		acc, ok := s.accounts[int64(id)]
		if !ok {
			continue
		}

		var have string
		switch field {
		case MatchEmail:
			have = acc.Email
		case MatchUsername:
			have = acc.Username
		default:
			return nil, fmt.Errorf("unsupported match field %q", field)
		}

		if have != "" && strings.EqualFold(have, value) {
			out = append(out, *s.copyOf(acc.UserID))
		}
	}
	return out, nil
}

func (s *MemoryStore) Link(ctx context.Context, userID int64, subject string) (*LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.bySubject[subject]; ok {
		return s.copyOf(id), nil
	}

	acc, ok := s.accounts[userID]
	if !ok {
		return nil, oidc.ErrAccountNotFound
	}
	if acc.SubjectIdentity != "" {
		return nil, fmt.Errorf("user %d is already linked to another identity", userID)
	}

	acc.SubjectIdentity = subject
	s.bySubject[subject] = userID
	return s.copyOf(userID), nil
}

func (s *MemoryStore) CreateLinked(ctx context.Context, user NewUser, subject string) (*LinkedAccount, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.bySubject[subject]; ok {
		return s.copyOf(id), false, nil
	}

	acc := s.insert(user)
	acc.SubjectIdentity = subject
	s.bySubject[subject] = acc.UserID
	return s.copyOf(acc.UserID), true, nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user NewUser) (*LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.insert(user)
	return s.copyOf(acc.UserID), nil
}

func (s *MemoryStore) UpdateClaims(ctx context.Context, userID int64, snap ClaimSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return oidc.ErrAccountNotFound
	}

	acc.LastIDTokenClaims = snap.IDTokenClaims.Clone()
	acc.LastUserClaims = snap.UserClaims.Clone()
	acc.LastTokenResponse = maps.Clone(snap.TokenResponse)
	return nil
}

// Len reports the number of local users.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// insert must be called with mu held.
func (s *MemoryStore) insert(user NewUser) *LinkedAccount {
	s.nextID++
	acc := &LinkedAccount{
		UserID:      s.nextID,
		Username:    s.uniqueUsername(user.Username),
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Nickname:    user.Nickname,
	}
	s.accounts[acc.UserID] = acc
	return acc
}

func (s *MemoryStore) uniqueUsername(base string) string {
	taken := func(name string) bool {
		for _, acc := range s.accounts {
			if strings.EqualFold(acc.Username, name) {
				return true
			}
		}
		return false
	}

	name := base
	for i := 2; taken(name); i++ {
		name = fmt.Sprintf("%s%d", base, i)
	}
	return name
}

func (s *MemoryStore) copyOf(id int64) *LinkedAccount {
	acc := *s.accounts[id]
	acc.LastIDTokenClaims = acc.LastIDTokenClaims.Clone()
	acc.LastUserClaims = acc.LastUserClaims.Clone()
	acc.LastTokenResponse = maps.Clone(acc.LastTokenResponse)
	return &acc
}
