// Package virtual provides an [audio.Host] that runs entirely in software.
// The output clock is driven by a wall-clock ticker and the microphone
// produces blocks from a pluggable [Source] (silence by default).
//
// It is used for headless deployments, CI, and anywhere a real sound card is
// not available. Rendered output can be observed through [WithSink].
package virtual

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/voxtask/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Host          = (*Host)(nil)
	_ audio.InputContext  = (*inputContext)(nil)
	_ audio.Microphone    = (*microphone)(nil)
	_ audio.OutputContext = (*outputContext)(nil)
)

const defaultPeriod = 20 * time.Millisecond

// Source fills block with the next captured samples. It is called from the
// microphone goroutine once per period.
type Source func(block []float32)

// Silence is a [Source] that produces zeroes.
func Silence(block []float32) { clear(block) }

// Tone returns a [Source] producing a sine wave of the given frequency and
// amplitude at sampleRate.
func Tone(freq, amplitude float64, sampleRate int) Source {
	var phase float64
	step := 2 * math.Pi * freq / float64(sampleRate)
	return func(block []float32) {
		for i := range block {
			block[i] = float32(amplitude * math.Sin(phase))
			phase += step
		}
		phase = math.Mod(phase, 2*math.Pi)
	}
}

// Option configures a [Host].
type Option func(*Host)

// WithPeriod sets the tick period of both the microphone and the output
// clock. Defaults to 20ms.
func WithPeriod(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.period = d
		}
	}
}

// WithSource sets the sample generator for microphones. Defaults to [Silence].
func WithSource(src Source) Option {
	return func(h *Host) {
		if src != nil {
			h.source = src
		}
	}
}

// WithSink registers a callback receiving every rendered output window. The
// slice is reused between calls.
func WithSink(fn func([]float32)) Option {
	return func(h *Host) {
		h.sink = fn
	}
}

// Host implements [audio.Host] without any hardware.
//
// Host is safe for concurrent use.
type Host struct {
	period time.Duration
	source Source
	sink   func([]float32)
}

// New creates a virtual Host with the given options applied.
func New(opts ...Option) *Host {
	h := &Host{
		period: defaultPeriod,
		source: Silence,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// OpenInput implements [audio.Host].
func (h *Host) OpenInput(_ context.Context, format audio.Format) (audio.InputContext, error) {
	if err := validate(format); err != nil {
		return nil, err
	}
	return &inputContext{host: h, format: format}, nil
}

// OpenOutput implements [audio.Host]. The returned context renders one period
// of audio per tick until it is closed.
func (h *Host) OpenOutput(_ context.Context, format audio.Format) (audio.OutputContext, error) {
	if err := validate(format); err != nil {
		return nil, err
	}
	o := &outputContext{
		Timeline: audio.NewTimeline(format.SampleRate),
		done:     make(chan struct{}),
	}
	go o.run(h.period, samplesPer(format.SampleRate, h.period), h.sink)
	return o, nil
}

func validate(f audio.Format) error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("virtual: invalid sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 {
		return fmt.Errorf("virtual: only mono is supported, got %d channels", f.Channels)
	}
	return nil
}

func samplesPer(rate int, period time.Duration) int {
	return max(1, int(int64(rate)*int64(period)/int64(time.Second)))
}

// ── Input ────────────────────────────────────────────────────────────────────

type inputContext struct {
	host   *Host
	format audio.Format

	mu     sync.Mutex
	mics   []*microphone
	closed bool
}

func (c *inputContext) Format() audio.Format { return c.format }

func (c *inputContext) OpenMicrophone(_ context.Context) (audio.Microphone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("virtual: open microphone: %w", audio.ErrDeviceUnavailable)
	}
	m := &microphone{
		ch:   make(chan []float32, 8),
		stop: make(chan struct{}),
	}
	c.mics = append(c.mics, m)
	go m.run(c.host.period, samplesPer(c.format.SampleRate, c.host.period), c.host.source)
	return m, nil
}

func (c *inputContext) Close() error {
	c.mu.Lock()
	mics := c.mics
	c.mics = nil
	c.closed = true
	c.mu.Unlock()
	for _, m := range mics {
		_ = m.Close()
	}
	return nil
}

type microphone struct {
	ch       chan []float32
	stop     chan struct{}
	stopOnce sync.Once
}

func (m *microphone) Samples() <-chan []float32 { return m.ch }

func (m *microphone) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *microphone) run(period time.Duration, n int, src Source) {
	defer close(m.ch)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			block := make([]float32, n)
			src(block)
			select {
			case m.ch <- block:
			case <-m.stop:
				return
			default:
				// Consumer is behind; drop like a hardware overrun.
			}
		}
	}
}

// ── Output ───────────────────────────────────────────────────────────────────

type outputContext struct {
	*audio.Timeline

	done     chan struct{}
	doneOnce sync.Once
}

func (o *outputContext) run(period time.Duration, n int, sink func([]float32)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	buf := make([]float32, n)
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.Render(buf)
			if sink != nil {
				sink(buf)
			}
		}
	}
}

func (o *outputContext) Close() error {
	o.doneOnce.Do(func() { close(o.done) })
	return o.Timeline.Close()
}
