// Package sqlite implements [taskstore.Store] on an embedded SQLite database
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/voxtask/internal/taskstore"
	"github.com/MrWong99/voxtask/internal/tools/createtask"
)

var _ taskstore.Store = (*Store)(nil)

// timeLayout is fixed-width so that created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const ddl = `
CREATE TABLE IF NOT EXISTS tasks (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT    NOT NULL UNIQUE,
    session_id TEXT    NOT NULL DEFAULT '',
    title      TEXT    NOT NULL,
    due_date   TEXT    NOT NULL DEFAULT '',
    due_time   TEXT    NOT NULL DEFAULT '',
    priority   TEXT    NOT NULL DEFAULT '',
    created_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
`

// Store is a SQLite-backed task store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Add implements [taskstore.Store].
func (s *Store) Add(ctx context.Context, r taskstore.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, session_id, title, due_date, due_time, priority, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Title, r.Date, r.Time, string(r.Priority),
		r.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("sqlite store: add: %w", err)
	}
	return nil
}

// List implements [taskstore.Store].
func (s *Store) List(ctx context.Context, limit int) ([]taskstore.Record, error) {
	if limit <= 0 {
		limit = taskstore.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, title, due_date, due_time, priority, created_at
		 FROM tasks ORDER BY created_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list: %w", err)
	}
	defer rows.Close()

	records := []taskstore.Record{}
	for rows.Next() {
		var (
			r        taskstore.Record
			priority string
			created  string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Title, &r.Date, &r.Time, &priority, &created); err != nil {
			return nil, fmt.Errorf("sqlite store: scan: %w", err)
		}
		r.Priority = createtask.Priority(priority)
		ts, err := time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: parse created_at %q: %w", created, err)
		}
		r.CreatedAt = ts
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: list: %w", err)
	}
	return records, nil
}

// Close implements [taskstore.Store].
func (s *Store) Close() error {
	return s.db.Close()
}
