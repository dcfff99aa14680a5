package api

import (
	"sync"

	"github.com/MrWong99/voxtask/internal/session"
)

// Hub fans session snapshots out to any number of subscribers. Each
// subscriber holds only the newest undelivered snapshot, so a slow reader
// skips intermediate states instead of stalling the publisher.
//
// Hub is safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan session.Snapshot
	nextID uint64
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan session.Snapshot)}
}

// Publish delivers snap to every subscriber. It never blocks.
func (h *Hub) Publish(snap session.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Subscribe registers a subscriber. The returned cancel function closes the
// channel and is safe to call more than once.
func (h *Hub) Subscribe() (<-chan session.Snapshot, func()) {
	ch := make(chan session.Snapshot, 1)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
