// Package mock provides in-memory mock implementations of the [audio.Host],
// [audio.InputContext], [audio.Microphone], and [audio.OutputContext]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	j := &mock.Journal{}
//	host := mock.NewHost(j)
//	in, _ := host.OpenInput(ctx, audio.Format{SampleRate: 16000, Channels: 1})
//	mic, _ := in.OpenMicrophone(ctx)
//	host.Mic.Push(make([]float32, 4096))
//	// ... later
//	j.Events() // e.g. ["mic.close", "input.close", "output.close"]
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxtask/pkg/audio"
)

// ─── Journal ──────────────────────────────────────────────────────────────────

// Journal records release events across several mocks so that tests can
// assert on teardown order. A nil *Journal ignores all records.
type Journal struct {
	mu     sync.Mutex
	events []string
}

// Record appends event to the journal.
func (j *Journal) Record(event string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

// Events returns a copy of all recorded events in order.
func (j *Journal) Events() []string {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.events))
	copy(out, j.events)
	return out
}

// ─── Host ─────────────────────────────────────────────────────────────────────

// Host is a mock implementation of [audio.Host]. NewHost pre-populates Input,
// Output and Mic; tests may replace them or set the error fields before use.
type Host struct {
	mu sync.Mutex

	// Input is returned by OpenInput.
	Input *InputContext

	// Output is returned by OpenOutput.
	Output *OutputContext

	// Mic is the microphone handed out by Input.OpenMicrophone.
	Mic *Microphone

	// OpenInputErr, if non-nil, is returned by OpenInput.
	OpenInputErr error

	// OpenOutputErr, if non-nil, is returned by OpenOutput.
	OpenOutputErr error

	// OpenInputCalls records the format of every OpenInput call.
	OpenInputCalls []audio.Format

	// OpenOutputCalls records the format of every OpenOutput call.
	OpenOutputCalls []audio.Format
}

// NewHost returns a Host whose contexts and microphone log their release
// events to j. j may be nil.
func NewHost(j *Journal) *Host {
	mic := NewMicrophone(64)
	mic.Journal = j
	return &Host{
		Input: &InputContext{
			FormatValue: audio.Format{SampleRate: audio.CaptureRate, Channels: 1},
			Mic:         mic,
			Journal:     j,
		},
		Output: &OutputContext{
			FormatValue: audio.Format{SampleRate: audio.PlaybackRate, Channels: 1},
			Journal:     j,
		},
		Mic: mic,
	}
}

// OpenInput implements [audio.Host].
func (h *Host) OpenInput(_ context.Context, format audio.Format) (audio.InputContext, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.OpenInputCalls = append(h.OpenInputCalls, format)
	if h.OpenInputErr != nil {
		return nil, h.OpenInputErr
	}
	return h.Input, nil
}

// OpenOutput implements [audio.Host].
func (h *Host) OpenOutput(_ context.Context, format audio.Format) (audio.OutputContext, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.OpenOutputCalls = append(h.OpenOutputCalls, format)
	if h.OpenOutputErr != nil {
		return nil, h.OpenOutputErr
	}
	return h.Output, nil
}

// ─── InputContext ─────────────────────────────────────────────────────────────

// InputContext is a mock implementation of [audio.InputContext].
type InputContext struct {
	mu sync.Mutex

	// FormatValue is returned by Format.
	FormatValue audio.Format

	// Mic is returned by OpenMicrophone.
	Mic *Microphone

	// OpenMicrophoneErr, if non-nil, is returned by OpenMicrophone.
	OpenMicrophoneErr error

	// CloseErr is returned by Close.
	CloseErr error

	// Journal receives "input.close" on every Close call. May be nil.
	Journal *Journal

	// CallCountOpenMicrophone records how many times OpenMicrophone was called.
	CallCountOpenMicrophone int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Format implements [audio.InputContext].
func (c *InputContext) Format() audio.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.FormatValue
}

// OpenMicrophone implements [audio.InputContext].
func (c *InputContext) OpenMicrophone(_ context.Context) (audio.Microphone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOpenMicrophone++
	if c.OpenMicrophoneErr != nil {
		return nil, c.OpenMicrophoneErr
	}
	return c.Mic, nil
}

// Close implements [audio.InputContext].
func (c *InputContext) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	err := c.CloseErr
	c.mu.Unlock()
	c.Journal.Record("input.close")
	return err
}

// Closed reports whether Close was called at least once.
func (c *InputContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone]. Feed it with
// [Microphone.Push].
type Microphone struct {
	mu     sync.Mutex
	ch     chan []float32
	closed bool

	// CloseErr is returned by Close.
	CloseErr error

	// Journal receives "mic.close" on every Close call. May be nil.
	Journal *Journal

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewMicrophone creates a Microphone whose sample channel holds buffer blocks.
func NewMicrophone(buffer int) *Microphone {
	return &Microphone{ch: make(chan []float32, buffer)}
}

// Push delivers block to the Samples channel. It returns false when the
// microphone is closed or the channel buffer is full.
func (m *Microphone) Push(block []float32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.ch <- block:
		return true
	default:
		return false
	}
}

// Samples implements [audio.Microphone].
func (m *Microphone) Samples() <-chan []float32 { return m.ch }

// Close implements [audio.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	m.CallCountClose++
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	err := m.CloseErr
	m.mu.Unlock()
	m.Journal.Record("mic.close")
	return err
}

// Closed reports whether the microphone has been closed.
func (m *Microphone) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ─── OutputContext ────────────────────────────────────────────────────────────

// PlayCall records a single [OutputContext.Play] invocation.
type PlayCall struct {
	// At is the requested start time.
	At time.Duration
	// Duration is the length of the scheduled buffer.
	Duration time.Duration
	// Samples is the number of samples in the buffer.
	Samples int
	// Stopped reports whether the sound was stopped before ending.
	Stopped bool
	// Ended reports whether the end callback has fired.
	Ended bool
}

// OutputContext is a mock implementation of [audio.OutputContext] with a
// manually driven clock. Sounds never end on their own; call
// [OutputContext.End] or [OutputContext.EndAll].
type OutputContext struct {
	mu     sync.Mutex
	now    time.Duration
	sounds []*Sound

	// FormatValue is returned by Format.
	FormatValue audio.Format

	// PlayErr, if non-nil, is returned by Play.
	PlayErr error

	// CloseErr is returned by Close.
	CloseErr error

	// Journal receives "output.close" on every Close call. May be nil.
	Journal *Journal

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Format implements [audio.OutputContext].
func (o *OutputContext) Format() audio.Format {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.FormatValue
}

// CurrentTime implements [audio.OutputContext].
func (o *OutputContext) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetTime moves the mock clock to d.
func (o *OutputContext) SetTime(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Play implements [audio.OutputContext]. It records the call and returns a
// [Sound] that ends only when the test says so.
func (o *OutputContext) Play(buf audio.PlayableBuffer, at time.Duration, onEnded func()) (audio.Sound, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayErr != nil {
		return nil, o.PlayErr
	}
	s := &Sound{
		out:     o,
		at:      at,
		dur:     buf.Duration(),
		samples: len(buf.Samples),
		onEnded: onEnded,
	}
	o.sounds = append(o.sounds, s)
	return s, nil
}

// Plays returns a snapshot of every Play call so far, in order.
func (o *OutputContext) Plays() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PlayCall, len(o.sounds))
	for i, s := range o.sounds {
		out[i] = PlayCall{
			At:       s.at,
			Duration: s.dur,
			Samples:  s.samples,
			Stopped:  s.stopped,
			Ended:    s.ended,
		}
	}
	return out
}

// End fires the end callback of the i-th played sound. It returns an error if
// the index is out of range or the sound was stopped or already ended.
func (o *OutputContext) End(i int) error {
	o.mu.Lock()
	if i < 0 || i >= len(o.sounds) {
		o.mu.Unlock()
		return fmt.Errorf("mock: no sound at index %d", i)
	}
	s := o.sounds[i]
	if s.stopped || s.ended {
		o.mu.Unlock()
		return fmt.Errorf("mock: sound %d already finished", i)
	}
	s.ended = true
	fn := s.onEnded
	o.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// EndAll fires the end callback of every sound that is still playing.
func (o *OutputContext) EndAll() {
	o.mu.Lock()
	n := len(o.sounds)
	o.mu.Unlock()
	for i := range n {
		_ = o.End(i)
	}
}

// Close implements [audio.OutputContext].
func (o *OutputContext) Close() error {
	o.mu.Lock()
	o.CallCountClose++
	err := o.CloseErr
	o.mu.Unlock()
	o.Journal.Record("output.close")
	return err
}

// Closed reports whether Close was called at least once.
func (o *OutputContext) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose > 0
}

// Sound is the [audio.Sound] handed out by [OutputContext.Play].
type Sound struct {
	out     *OutputContext
	at      time.Duration
	dur     time.Duration
	samples int
	onEnded func()
	stopped bool
	ended   bool
}

// Stop implements [audio.Sound].
func (s *Sound) Stop() {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	if !s.ended {
		s.stopped = true
	}
}

// Compile-time interface assertions.
var (
	_ audio.Host          = (*Host)(nil)
	_ audio.InputContext  = (*InputContext)(nil)
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.OutputContext = (*OutputContext)(nil)
	_ audio.Sound         = (*Sound)(nil)
)
