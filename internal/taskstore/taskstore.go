// Package taskstore persists tasks created by the agent.
//
// [Store] is implemented in memory by [Memory], on SQLite by the sqlite
// sub-package, and on PostgreSQL by the postgres sub-package. The storetest
// sub-package holds the behaviour every implementation must share.
package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxtask/internal/tools/createtask"
)

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 100

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("taskstore: closed")

// Record is a stored task.
type Record struct {
	// ID is a UUID assigned on creation.
	ID string `json:"id"`

	// SessionID is the voice session the task was created in.
	SessionID string `json:"session_id"`

	createtask.Task

	// CreatedAt is when the task was stored, in UTC.
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord wraps t in a Record with a fresh id.
func NewRecord(sessionID string, t createtask.Task, now time.Time) Record {
	return Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Task:      t,
		CreatedAt: now.UTC(),
	}
}

// Store is a durable list of tasks.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Add stores r. Adding an id that already exists is an error.
	Add(ctx context.Context, r Record) error

	// List returns up to limit records, newest first. A non-positive limit
	// means [DefaultListLimit].
	List(ctx context.Context, limit int) ([]Record, error)

	// Close releases the store.
	Close() error
}
