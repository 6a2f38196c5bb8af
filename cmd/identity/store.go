package identity

import (
	"context"
	"strings"
	"time"
)

// Account links a login to a chat profile.
type Account struct {
	ID           string
	Username     string
	UsernameNorm string
	PasswordHash string
	ProfileID    string
	CreatedAt    time.Time
}

// CreateAccountInput describes an account registration.
type CreateAccountInput struct {
	Username     string
	PasswordHash string
	ProfileID    string
	Now          time.Time
}

// Store is the identity persistence boundary.
//
// Token contract: only hashes are stored; the plain token is shown to the
// client exactly once and never logged.
type Store interface {
	CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error)
	// AccountByUsername resolves by the normalized username.
	AccountByUsername(ctx context.Context, usernameNorm string) (Account, error)

	SaveToken(ctx context.Context, tokenHash, profileID string, expiresAt time.Time) error
	// TokenProfile resolves a live token hash to its profile id.
	// Missing or expired tokens report ErrNotFound.
	TokenProfile(ctx context.Context, tokenHash string, now time.Time) (string, error)
}

// NormalizeUsername performs case-insensitive canonicalization.
// Note: for now we only trim + lower-case. Additional rules (unicode
// confusables) can be added later behind a versioned policy.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
