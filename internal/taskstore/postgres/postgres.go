// Package postgres implements [taskstore.Store] on PostgreSQL using a
// [pgxpool.Pool].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxtask/internal/taskstore"
	"github.com/MrWong99/voxtask/internal/tools/createtask"
)

var _ taskstore.Store = (*Store)(nil)

const ddlTasks = `
CREATE TABLE IF NOT EXISTS tasks (
    seq         BIGSERIAL    PRIMARY KEY,
    id          TEXT         NOT NULL UNIQUE,
    session_id  TEXT         NOT NULL DEFAULT '',
    title       TEXT         NOT NULL,
    due_date    TEXT         NOT NULL DEFAULT '',
    due_time    TEXT         NOT NULL DEFAULT '',
    priority    TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_created_at
    ON tasks (created_at);
`

// Migrate creates the tasks table and its indexes if they do not exist. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTasks); err != nil {
		return fmt.Errorf("migrate tasks: %w", err)
	}
	return nil
}

// Store is a PostgreSQL-backed task store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Add implements [taskstore.Store].
func (s *Store) Add(ctx context.Context, r taskstore.Record) error {
	const q = `
		INSERT INTO tasks
		    (id, session_id, title, due_date, due_time, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		r.ID,
		r.SessionID,
		r.Title,
		r.Date,
		r.Time,
		string(r.Priority),
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: add: %w", err)
	}
	return nil
}

// List implements [taskstore.Store].
func (s *Store) List(ctx context.Context, limit int) ([]taskstore.Record, error) {
	if limit <= 0 {
		limit = taskstore.DefaultListLimit
	}
	const q = `
		SELECT id, session_id, title, due_date, due_time, priority, created_at
		FROM   tasks
		ORDER  BY created_at DESC, seq DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (taskstore.Record, error) {
		var (
			r        taskstore.Record
			priority string
		)
		if err := row.Scan(&r.ID, &r.SessionID, &r.Title, &r.Date, &r.Time, &priority, &r.CreatedAt); err != nil {
			return taskstore.Record{}, err
		}
		r.Priority = createtask.Priority(priority)
		r.CreatedAt = r.CreatedAt.UTC()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if records == nil {
		records = []taskstore.Record{}
	}
	return records, nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
