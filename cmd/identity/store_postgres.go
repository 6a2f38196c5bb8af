package identity

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/cmd/internal/ids"
)

// PostgresStore implements Store against PostgreSQL.
// The pgx pool is owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("identity: empty schema")
		}
		if !identValidRE.MatchString(schema) {
			return errors.New("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed identity store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	norm := NormalizeUsername(in.Username)
	if norm == "" {
		return Account{}, OpError{Op: "identity.CreateAccount", Kind: ErrInvalidInput, Msg: "missing username"}
	}
	if in.PasswordHash == "" || in.ProfileID == "" {
		return Account{}, OpError{Op: "identity.CreateAccount", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Account{}, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident("accounts")+` (id, username, username_norm, password_hash, profile_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (username_norm) DO NOTHING`,
		id, in.Username, norm, in.PasswordHash, in.ProfileID, now,
	)
	if err != nil {
		return Account{}, err
	}
	if tag.RowsAffected() == 0 {
		return Account{}, OpError{Op: "identity.CreateAccount", Kind: ErrConflict, Msg: "username"}
	}

	return Account{
		ID:           id,
		Username:     in.Username,
		UsernameNorm: norm,
		PasswordHash: in.PasswordHash,
		ProfileID:    in.ProfileID,
		CreatedAt:    now,
	}, nil
}

func (s *PostgresStore) AccountByUsername(ctx context.Context, usernameNorm string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	var acc Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, username_norm, password_hash, profile_id, created_at
		   FROM `+s.ident("accounts")+`
		  WHERE username_norm = $1`,
		NormalizeUsername(usernameNorm),
	).Scan(&acc.ID, &acc.Username, &acc.UsernameNorm, &acc.PasswordHash, &acc.ProfileID, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, OpError{Op: "identity.AccountByUsername", Kind: ErrNotFound, Msg: "account"}
	}
	if err != nil {
		return Account{}, err
	}
	return acc, nil
}

func (s *PostgresStore) SaveToken(ctx context.Context, tokenHash, profileID string, expiresAt time.Time) error {
	if tokenHash == "" || profileID == "" {
		return OpError{Op: "identity.SaveToken", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident("access_tokens")+` (token_hash, profile_id, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (token_hash) DO UPDATE SET profile_id = EXCLUDED.profile_id, expires_at = EXCLUDED.expires_at`,
		tokenHash, profileID, expiresAt,
	)
	return err
}

func (s *PostgresStore) TokenProfile(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var profileID string
	err := s.pool.QueryRow(ctx,
		`SELECT profile_id FROM `+s.ident("access_tokens")+`
		  WHERE token_hash = $1 AND expires_at > $2`,
		tokenHash, now,
	).Scan(&profileID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", OpError{Op: "identity.TokenProfile", Kind: ErrNotFound, Msg: "token"}
	}
	if err != nil {
		return "", err
	}
	return profileID, nil
}

var identValidRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func (s *PostgresStore) ident(table string) string {
	return pgx.Identifier{s.schema, table}.Sanitize()
}
