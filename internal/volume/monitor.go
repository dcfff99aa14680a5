// Package volume samples microphone loudness at a fixed interval.
//
// A [Monitor] reads its own [audio.Tap] subscription, keeps the RMS energy of
// the most recent block, and publishes that value on every tick where it
// differs from the last published one. Ticking is independent of the capture
// block cadence and of any display refresh.
package volume

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxtask/pkg/audio"
)

// DefaultInterval is the sampling period used when none is configured.
const DefaultInterval = 50 * time.Millisecond

// Option configures a [Monitor].
type Option func(*Monitor)

// WithInterval sets the sampling period. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// Monitor publishes the current input level. Create one with [Start].
type Monitor struct {
	interval time.Duration
	publish  func(level float64)

	latest    atomic.Uint64 // math.Float64bits of the newest block's RMS
	published atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start begins sampling src. publish is called from the monitor goroutine
// with each new level; it must not block. src is not closed by the monitor.
func Start(src <-chan []float32, publish func(level float64), opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		interval: DefaultInterval,
		publish:  publish,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.run(ctx, src)
	return m
}

// Level returns the most recently published level.
func (m *Monitor) Level() float64 {
	return math.Float64frombits(m.published.Load())
}

// Stop halts sampling, waits for the goroutine to exit, and publishes 0 if a
// non-zero level was last reported. Calling Stop more than once is safe.
func (m *Monitor) Stop() {
	m.once.Do(m.cancel)
	<-m.done
}

func (m *Monitor) run(ctx context.Context, src <-chan []float32) {
	defer close(m.done)
	defer m.emit(0)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-src:
			if !ok {
				// The microphone is gone; report silence until stopped.
				src = nil
				m.latest.Store(0)
				continue
			}
			m.latest.Store(math.Float64bits(audio.RMS(block)))
		case <-ticker.C:
			m.emit(math.Float64frombits(m.latest.Load()))
		}
	}
}

func (m *Monitor) emit(level float64) {
	bits := math.Float64bits(level)
	if m.published.Swap(bits) == bits {
		return
	}
	if m.publish != nil {
		m.publish(level)
	}
}
