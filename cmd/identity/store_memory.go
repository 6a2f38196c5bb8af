package identity

import (
	"context"
	"sync"
	"time"

	"parley/cmd/internal/ids"
)

// InMemoryStore is a process-local Store for dev and tests.
type InMemoryStore struct {
	mu       sync.Mutex
	accounts map[string]Account // username norm -> account
	tokens   map[string]memToken
}

type memToken struct {
	profileID string
	expiresAt time.Time
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		accounts: make(map[string]Account),
		tokens:   make(map[string]memToken),
	}
}

func (s *InMemoryStore) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	norm := NormalizeUsername(in.Username)
	if norm == "" {
		return Account{}, OpError{Op: "identity.CreateAccount", Kind: ErrInvalidInput, Msg: "missing username"}
	}
	if in.PasswordHash == "" || in.ProfileID == "" {
		return Account{}, OpError{Op: "identity.CreateAccount", Kind: ErrInvalidInput}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[norm]; ok {
		return Account{}, OpError{Op: "identity.CreateAccount", Kind: ErrConflict, Msg: "username"}
	}

	acc := Account{
		ID:           id,
		Username:     in.Username,
		UsernameNorm: norm,
		PasswordHash: in.PasswordHash,
		ProfileID:    in.ProfileID,
		CreatedAt:    now,
	}
	s.accounts[norm] = acc
	return acc, nil
}

func (s *InMemoryStore) AccountByUsername(ctx context.Context, usernameNorm string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[NormalizeUsername(usernameNorm)]
	if !ok {
		return Account{}, OpError{Op: "identity.AccountByUsername", Kind: ErrNotFound, Msg: "account"}
	}
	return acc, nil
}

func (s *InMemoryStore) SaveToken(ctx context.Context, tokenHash, profileID string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tokenHash == "" || profileID == "" {
		return OpError{Op: "identity.SaveToken", Kind: ErrInvalidInput}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[tokenHash] = memToken{profileID: profileID, expiresAt: expiresAt}
	return nil
}

func (s *InMemoryStore) TokenProfile(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[tokenHash]
	if !ok {
		return "", OpError{Op: "identity.TokenProfile", Kind: ErrNotFound, Msg: "token"}
	}
	if !t.expiresAt.IsZero() && !now.Before(t.expiresAt) {
		delete(s.tokens, tokenHash)
		return "", OpError{Op: "identity.TokenProfile", Kind: ErrNotFound, Msg: "token"}
	}
	return t.profileID, nil
}
