package audio

import (
	"sync"
	"sync/atomic"
)

const defaultTapBuffer = 16

// Tap fans a microphone stream out to independent subscribers. A slow or
// departed subscriber never stalls the source or the other subscribers:
// blocks are delivered with a non-blocking send and dropped for that
// subscriber when its buffer is full.
//
// Subscribers receive the same slice; they must treat it as read-only.
//
// Tap is safe for concurrent use.
type Tap struct {
	buffer int

	mu     sync.Mutex
	subs   map[uint64]*tapSub
	nextID uint64
	closed bool

	dropped atomic.Uint64
	done    chan struct{}
}

type tapSub struct {
	ch       chan []float32
	markGaps bool
	// gap is set after a drop until a marker has been delivered.
	gap bool
}

// SubscribeOption configures one [Tap] subscription.
type SubscribeOption func(*tapSub, *int)

// WithBuffer sets the channel capacity of the subscription, overriding the
// tap's default.
func WithBuffer(n int) SubscribeOption {
	return func(_ *tapSub, buffer *int) {
		if n > 0 {
			*buffer = n
		}
	}
}

// WithGapMarkers makes the subscription receive an empty block in place of
// every run of dropped blocks, so consumers can tell contiguous audio from
// audio with a hole in it.
func WithGapMarkers() SubscribeOption {
	return func(s *tapSub, _ *int) {
		s.markGaps = true
	}
}

// NewTap starts forwarding src to subscribers. buffer is the default
// per-subscriber channel capacity; values ≤ 0 use 16. The tap ends, closing
// every subscriber channel, when src is closed.
func NewTap(src <-chan []float32, buffer int) *Tap {
	if buffer <= 0 {
		buffer = defaultTapBuffer
	}
	t := &Tap{
		buffer: buffer,
		subs:   make(map[uint64]*tapSub),
		done:   make(chan struct{}),
	}
	go t.forward(src)
	return t
}

// Subscribe registers a new consumer. The returned cancel function removes
// the subscription and closes its channel; it is safe to call more than once.
// Subscribing to a finished tap returns an already closed channel.
func (t *Tap) Subscribe(opts ...SubscribeOption) (<-chan []float32, func()) {
	sub := &tapSub{}
	buffer := t.buffer
	for _, o := range opts {
		o(sub, &buffer)
	}
	sub.ch = make(chan []float32, buffer)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = sub
	t.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if s, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(s.ch)
			}
		})
	}
}

// Done returns a channel that is closed once the source has ended.
func (t *Tap) Done() <-chan struct{} { return t.done }

// Dropped reports how many blocks were dropped across all subscribers.
func (t *Tap) Dropped() uint64 { return t.dropped.Load() }

// forward copies blocks from src to every subscriber. Sends happen under the
// lock so that a concurrent cancel can never close a channel mid-send; they
// are non-blocking so the lock is never held for long.
func (t *Tap) forward(src <-chan []float32) {
	defer close(t.done)
	for block := range src {
		t.mu.Lock()
		for _, sub := range t.subs {
			t.deliver(sub, block)
		}
		t.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, sub := range t.subs {
		delete(t.subs, id)
		close(sub.ch)
	}
}

// deliver sends block to sub, preceded by a pending gap marker.
func (t *Tap) deliver(sub *tapSub, block []float32) {
	if sub.gap {
		select {
		case sub.ch <- nil:
			sub.gap = false
		default:
			t.dropped.Add(1)
			return
		}
	}
	select {
	case sub.ch <- block:
	default:
		t.dropped.Add(1)
		sub.gap = sub.markGaps
	}
}
