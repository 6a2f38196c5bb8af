package identity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/cmd/internal/ids"
)

// Integration tests are enabled when PARLEY_DATABASE_URL is set.

func TestPostgresStore_AccountRoundTrip(t *testing.T) {
	t.Parallel()

	pool := mustOpenIdentityTestPool(t)
	defer pool.Close()

	schema := mustCreateIdentitySchema(t, pool)
	t.Cleanup(func() { mustDropIdentitySchema(t, pool, schema) })

	store := mustNewIdentityStore(t, pool, schema)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	acc, err := store.CreateAccount(ctx, CreateAccountInput{
		Username:     "Alice",
		PasswordHash: "$argon2id$fake",
		ProfileID:    "profile-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if acc.UsernameNorm != "alice" {
		t.Fatalf("norm=%q", acc.UsernameNorm)
	}

	// Lookup is case-insensitive through normalization.
	got, err := store.AccountByUsername(ctx, "ALICE")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != acc.ID || got.ProfileID != "profile-1" {
		t.Fatalf("lookup mismatch: %+v", got)
	}

	// Duplicate username (any case) conflicts.
	_, err = store.CreateAccount(ctx, CreateAccountInput{
		Username:     "alice",
		PasswordHash: "$argon2id$fake",
		ProfileID:    "profile-2",
	})
	if !IsConflict(err) {
		t.Fatalf("duplicate: got %v want conflict", err)
	}
}

func TestPostgresStore_TokenLifecycle(t *testing.T) {
	t.Parallel()

	pool := mustOpenIdentityTestPool(t)
	defer pool.Close()

	schema := mustCreateIdentitySchema(t, pool)
	t.Cleanup(func() { mustDropIdentitySchema(t, pool, schema) })

	store := mustNewIdentityStore(t, pool, schema)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC()
	hash := HashSHA256Hex("some-token")

	if err := store.SaveToken(ctx, hash, "profile-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}

	pid, err := store.TokenProfile(ctx, hash, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pid != "profile-1" {
		t.Fatalf("profile=%q", pid)
	}

	// Expired tokens resolve as NotFound.
	if _, err := store.TokenProfile(ctx, hash, now.Add(2*time.Hour)); !IsNotFound(err) {
		t.Fatalf("expired: got %v want not found", err)
	}

	// Saving the same hash replaces the binding.
	if err := store.SaveToken(ctx, hash, "profile-2", now.Add(time.Hour)); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	pid, err = store.TokenProfile(ctx, hash, now)
	if err != nil || pid != "profile-2" {
		t.Fatalf("re-resolve: %v %q", err, pid)
	}

	if _, err := store.TokenProfile(ctx, HashSHA256Hex("unknown"), now); !IsNotFound(err) {
		t.Fatalf("unknown token: got %v want not found", err)
	}
}

// ---- test helpers ----

func mustNewIdentityStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenIdentityTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLEY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PARLEY_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	return pool
}

func mustCreateIdentitySchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "parley_it_" + strings.ToLower(ids.NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	accounts := pgx.Identifier{schema, "accounts"}.Sanitize()
	tokens := pgx.Identifier{schema, "access_tokens"}.Sanitize()

	schemaSQL := fmt.Sprintf(`
CREATE TABLE %s (
  id            TEXT PRIMARY KEY,
  username      TEXT NOT NULL,
  username_norm TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  profile_id    TEXT NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE %s (
  token_hash TEXT PRIMARY KEY,
  profile_id TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL
);
`, accounts, tokens)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return schema
}

func mustDropIdentitySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
