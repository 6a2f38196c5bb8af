package identity

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultAccessTTL bounds how long an access token stays valid.
	DefaultAccessTTL = 24 * time.Hour

	minUsernameLen = 3
	maxUsernameLen = 32
)

// Service implements registration, login, and token authentication.
type Service struct {
	log       *slog.Logger
	store     Store
	accessTTL time.Duration
}

// NewService constructs an identity Service. accessTTL <= 0 applies the default.
func NewService(log *slog.Logger, store Store, accessTTL time.Duration) *Service {
	if log == nil {
		log = slog.Default()
	}
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	return &Service{log: log, store: store, accessTTL: accessTTL}
}

// Register creates an account bound to profileID and issues a first token.
// The caller is responsible for having created the profile.
func (s *Service) Register(ctx context.Context, username, password, profileID string) (Account, string, error) {
	username = strings.TrimSpace(username)
	if n := len(username); n < minUsernameLen || n > maxUsernameLen {
		return Account{}, "", OpError{Op: "identity.Register", Kind: ErrInvalidInput, Msg: "username length"}
	}

	hash, err := HashPassword(password, DefaultArgon2idParams())
	if err != nil {
		return Account{}, "", err
	}

	acc, err := s.store.CreateAccount(ctx, CreateAccountInput{
		Username:     username,
		PasswordHash: hash,
		ProfileID:    profileID,
	})
	if err != nil {
		return Account{}, "", err
	}

	token, err := s.issueToken(ctx, acc.ProfileID)
	if err != nil {
		return Account{}, "", err
	}

	s.log.Info("identity.register", "username_norm", acc.UsernameNorm, "profile_id", acc.ProfileID)
	return acc, token, nil
}

// Login verifies credentials and issues a fresh token.
// Unknown usernames and wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, username, password string) (Account, string, error) {
	failed := OpError{Op: "identity.Login", Kind: ErrUnauthenticated, Msg: "invalid credentials"}

	acc, err := s.store.AccountByUsername(ctx, username)
	if err != nil {
		if IsNotFound(err) {
			return Account{}, "", failed
		}
		return Account{}, "", err
	}

	ok, err := VerifyPassword(password, acc.PasswordHash)
	if err != nil || !ok {
		return Account{}, "", failed
	}

	token, err := s.issueToken(ctx, acc.ProfileID)
	if err != nil {
		return Account{}, "", err
	}

	s.log.Info("identity.login", "username_norm", acc.UsernameNorm, "profile_id", acc.ProfileID)
	return acc, token, nil
}

// Authenticate resolves a bearer token to a profile id.
func (s *Service) Authenticate(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", OpError{Op: "identity.Authenticate", Kind: ErrUnauthenticated, Msg: "missing token"}
	}

	profileID, err := s.store.TokenProfile(ctx, HashTokenHex(token), time.Now().UTC())
	if err != nil {
		if IsNotFound(err) {
			return "", OpError{Op: "identity.Authenticate", Kind: ErrUnauthenticated, Msg: "invalid token"}
		}
		return "", err
	}
	return profileID, nil
}

func (s *Service) issueToken(ctx context.Context, profileID string) (string, error) {
	token, err := NewOpaqueToken(32)
	if err != nil {
		return "", err
	}

	expiresAt := time.Now().UTC().Add(s.accessTTL)
	if err := s.store.SaveToken(ctx, HashTokenHex(token), profileID, expiresAt); err != nil {
		return "", err
	}
	return token, nil
}
