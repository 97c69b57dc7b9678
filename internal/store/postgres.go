// Package store provides durable backends for statefn.StateStore: each
// FunctionType's per-key state, owned exclusively by the operator
// partition holding that key.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowstate/engine/internal/statefn"
)

// PostgresStore implements statefn.StateStore atop a single table keyed by
// (function_id, key), using a version column for the optimistic-concurrency
// CAS PutOptions.ExpectedVersion requires.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS function_state (
			function_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value JSONB NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ,
			PRIMARY KEY (function_id, key)
		);
		CREATE INDEX IF NOT EXISTS function_state_prefix_idx
			ON function_state (function_id, key text_pattern_ops);
	`)
	if err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, functionID, key string) (*statefn.Entry, error) {
	var e statefn.Entry
	e.FunctionID, e.Key = functionID, key
	err := s.pool.QueryRow(ctx, `
		SELECT value, version, created_at, updated_at, expires_at
		FROM function_state
		WHERE function_id = $1 AND key = $2
		  AND (expires_at IS NULL OR expires_at > now())
	`, functionID, key).Scan(&e.Value, &e.Version, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, statefn.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) Put(ctx context.Context, functionID, key string, value json.RawMessage, opts *statefn.PutOptions) (*statefn.Entry, error) {
	var expiresAt *time.Time
	if opts != nil && opts.TTL > 0 {
		t := time.Now().Add(opts.TTL)
		expiresAt = &t
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if opts != nil && opts.ExpectedVersion != 0 {
		var current int64
		err := tx.QueryRow(ctx, `
			SELECT version FROM function_state WHERE function_id = $1 AND key = $2 FOR UPDATE
		`, functionID, key).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, statefn.ErrStateNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("store: check version: %w", err)
		}
		if current != opts.ExpectedVersion {
			return nil, fmt.Errorf("store: version conflict: expected %d, got %d", opts.ExpectedVersion, current)
		}
	}

	var e statefn.Entry
	e.FunctionID, e.Key, e.Value = functionID, key, value
	err = tx.QueryRow(ctx, `
		INSERT INTO function_state (function_id, key, value, version, expires_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (function_id, key) DO UPDATE SET
			value = EXCLUDED.value,
			version = function_state.version + 1,
			updated_at = now(),
			expires_at = EXCLUDED.expires_at
		RETURNING version, created_at, updated_at, expires_at
	`, functionID, key, value, expiresAt).Scan(&e.Version, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("store: put: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) Delete(ctx context.Context, functionID, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM function_state WHERE function_id = $1 AND key = $2`, functionID, key)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, functionID string, opts *statefn.ListOptions) ([]*statefn.Entry, error) {
	prefix, limit, offset := "", 0, 0
	if opts != nil {
		prefix, limit, offset = opts.Prefix, opts.Limit, opts.Offset
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT key, value, version, created_at, updated_at, expires_at
		FROM function_state
		WHERE function_id = $1 AND key LIKE $2
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY key
		LIMIT $3 OFFSET $4
	`, functionID, prefix+"%", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []*statefn.Entry
	for rows.Next() {
		e := &statefn.Entry{FunctionID: functionID}
		if err := rows.Scan(&e.Key, &e.Value, &e.Version, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
