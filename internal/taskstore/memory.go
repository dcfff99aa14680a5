package taskstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

var _ Store = (*Memory)(nil)

// Memory is a [Store] that keeps records in process memory.
type Memory struct {
	mu      sync.RWMutex
	records []Record
	ids     map[string]struct{}
	closed  bool
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{ids: make(map[string]struct{})}
}

// Add implements [Store].
func (m *Memory) Add(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.ids[r.ID]; ok {
		return fmt.Errorf("taskstore: duplicate id %q", r.ID)
	}
	m.ids[r.ID] = struct{}{}
	m.records = append(m.records, r)
	return nil
}

// List implements [Store].
func (m *Memory) List(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Record, 0, min(limit, len(m.records)))
	for _, r := range slices.Backward(m.records) {
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

// Close implements [Store].
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
