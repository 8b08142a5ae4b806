// Package postgres provides a PostgreSQL-backed feedback store.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS feedback_events (
	id              BIGSERIAL PRIMARY KEY,
	ts              DOUBLE PRECISION NOT NULL,
	user_id         TEXT NOT NULL,
	route_symbol    TEXT NOT NULL,
	query           TEXT NOT NULL,
	answer_preview  TEXT NOT NULL,
	used_doc_ids    JSONB NOT NULL DEFAULT '[]',
	used_doc_titles JSONB NOT NULL DEFAULT '[]',
	clarity_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	extra           JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS feedback_topics (
	topic     TEXT PRIMARY KEY,
	count     BIGINT NOT NULL,
	last_seen DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback_docs (
	doc_id    TEXT PRIMARY KEY,
	count     BIGINT NOT NULL,
	last_seen DOUBLE PRECISION NOT NULL,
	title     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS feedback_routes (
	route_symbol TEXT PRIMARY KEY,
	count        BIGINT NOT NULL
);
`

// Migrate creates the feedback tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
