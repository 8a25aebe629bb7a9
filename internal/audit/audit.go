// Package audit appends one row per control-plane operation (begin, end,
// dump, echo) to Postgres: a timestamped record of when recording
// windows opened and closed. This is metadata about when operations
// happened, not a persisted copy of the backend's bytes, so it does not
// reintroduce the in-memory-only contract the core design depends on.
package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store appends control-plane operations to a Postgres table.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the audit schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("audit: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: create pool: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const stmt = `CREATE TABLE IF NOT EXISTS control_operations (
		id BIGSERIAL PRIMARY KEY,
		op TEXT NOT NULL,
		export_size BIGINT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// Record appends a row for one control-plane operation. Satisfies
// internal/control.Auditor.
func (s *Store) Record(ctx context.Context, op string, exportSize int64) error {
	const stmt = `INSERT INTO control_operations (op, export_size) VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, stmt, op, exportSize); err != nil {
		return fmt.Errorf("audit: record %s: %w", op, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
