package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rickgao/arenalink/internal/credential"
)

// Querier is the subset of pgxpool.Pool used by CredentialBackend.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const createStateTable = `
CREATE TABLE IF NOT EXISTS client_state (
    key        TEXT PRIMARY KEY,
    value      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// CredentialBackend persists credential blobs in the client_state table.
type CredentialBackend struct {
	db Querier
}

// NewCredentialBackend wraps db as a credential.Backend.
func NewCredentialBackend(db Querier) *CredentialBackend {
	return &CredentialBackend{db: db}
}

// EnsureSchema creates the client_state table if it does not exist.
func (b *CredentialBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, createStateTable); err != nil {
		return fmt.Errorf("create client_state: %w", err)
	}
	return nil
}

// Load returns the stored value for key.
func (b *CredentialBackend) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRow(ctx,
		`SELECT value::text FROM client_state WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return value, nil
}

// Save upserts the value for key.
func (b *CredentialBackend) Save(ctx context.Context, key string, data []byte) error {
	_, err := b.db.Exec(ctx, `
		INSERT INTO client_state (key, value, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (b *CredentialBackend) Delete(ctx context.Context, key string) error {
	tag, err := b.db.Exec(ctx, `DELETE FROM client_state WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return credential.ErrNotFound
	}
	return nil
}
