// Package playback schedules inbound audio frames for gapless, ordered output.
//
// The [Scheduler] keeps a playback cursor: the output-clock time at which the
// next buffer should start. Each decoded buffer starts at
// max(cursor, now) and moves the cursor forward by exactly its length. The
// cursor counts output samples, so consecutive frames neither overlap nor
// leave avoidable gaps however long the stream runs. Frames are
// played in the order they are enqueued; the scheduler never reorders.
//
// Buffers that are scheduled and have not finished form the active set. The
// talking flag is true exactly while the active set is non-empty.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxtask/internal/observe"
	"github.com/MrWong99/voxtask/pkg/audio"
)

// Scheduled describes a buffer that was placed on the output timeline.
type Scheduled struct {
	// ID identifies the buffer in the active set.
	ID uint64

	// Start is the output-clock time the buffer starts playing at.
	Start time.Duration

	// Duration is the playback length of the buffer.
	Duration time.Duration
}

// End returns the output-clock time the buffer finishes at.
func (s Scheduled) End() time.Duration { return s.Start + s.Duration }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithDefaultRate sets the sample rate assumed for inbound frames whose MIME
// type does not carry one. Defaults to [audio.PlaybackRate].
func WithDefaultRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.defaultRate = rate
		}
	}
}

// WithWireRate forces the sample rate of every inbound frame, overriding the
// rate in its MIME type. Zero keeps the per-frame rate.
func WithWireRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.wireRate = rate
		}
	}
}

// WithEndedNotifier routes natural-end notifications through fn instead of
// calling [Scheduler.Release] directly from the audio backend. The session
// uses this to serialise releases on its event loop. fn runs on a backend
// goroutine and must not block.
func WithEndedNotifier(fn func(id uint64)) Option {
	return func(s *Scheduler) {
		s.notify = fn
	}
}

// WithTalkingObserver registers a callback invoked on every talking flag
// transition. It is called without internal locks held.
func WithTalkingObserver(fn func(talking bool)) Option {
	return func(s *Scheduler) {
		s.onTalking = fn
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler places decoded buffers on an [audio.OutputContext].
//
// All methods are safe for concurrent use, but callers are expected to drive
// it from a single logical sequence (the session event loop).
type Scheduler struct {
	out         audio.OutputContext
	rate        int
	defaultRate int
	wireRate    int
	notify      func(id uint64)
	onTalking   func(bool)
	metrics     *observe.Metrics

	mu sync.Mutex
	// cursor counts output samples so that summing many buffers never drifts.
	cursor int64
	active map[uint64]audio.Sound
	nextID uint64
}

// New creates a Scheduler playing on out.
func New(out audio.OutputContext, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:         out,
		rate:        out.Format().SampleRate,
		defaultRate: audio.PlaybackRate,
		active:      make(map[uint64]audio.Sound),
	}
	for _, o := range opts {
		o(s)
	}
	if s.notify == nil {
		s.notify = func(id uint64) { s.Release(id) }
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Enqueue decodes frame and schedules it right after everything enqueued
// before it. A decode or playback error drops only this frame; the cursor is
// left untouched.
func (s *Scheduler) Enqueue(frame audio.Blob) (Scheduled, error) {
	ctx := context.Background()

	buf, err := audio.Decode(frame.Data, s.sourceRate(frame), s.rate)
	if err != nil {
		s.metrics.RecordPlaybackFrame(ctx, "decode_error")
		return Scheduled{}, fmt.Errorf("playback: %w", err)
	}

	s.mu.Lock()
	now := audio.DurationToSamples(s.out.CurrentTime(), s.rate)
	startSample := max(s.cursor, now)
	start := audio.SamplesToDuration(startSample, s.rate)
	id := s.nextID + 1
	snd, err := s.out.Play(buf, start, func() { s.notify(id) })
	if err != nil {
		s.mu.Unlock()
		s.metrics.RecordPlaybackFrame(ctx, "play_error")
		return Scheduled{}, fmt.Errorf("playback: schedule buffer: %w", err)
	}
	s.nextID = id
	s.active[id] = snd
	s.cursor = startSample + int64(len(buf.Samples))
	dur := audio.SamplesToDuration(s.cursor, s.rate) - start
	becameTalking := len(s.active) == 1
	s.mu.Unlock()

	s.metrics.RecordPlaybackFrame(ctx, "scheduled")
	s.metrics.ActiveSounds.Add(ctx, 1)
	if becameTalking {
		s.setTalking(true)
	}
	return Scheduled{ID: id, Start: start, Duration: dur}, nil
}

// sourceRate picks the rate a frame was recorded at: the forced wire rate,
// else the MIME rate, else the default.
func (s *Scheduler) sourceRate(frame audio.Blob) int {
	if s.wireRate > 0 {
		return s.wireRate
	}
	if rate, ok := audio.ParseRate(frame.MIMEType); ok {
		return rate
	}
	return s.defaultRate
}

// Release removes a naturally finished buffer from the active set. It reports
// whether id was active. Releasing the last active buffer clears the talking
// flag.
func (s *Scheduler) Release(id uint64) bool {
	s.mu.Lock()
	if _, ok := s.active[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.active, id)
	becameSilent := len(s.active) == 0
	s.mu.Unlock()

	s.metrics.ActiveSounds.Add(context.Background(), -1)
	if becameSilent {
		s.setTalking(false)
	}
	return true
}

// Interrupt stops every active buffer and rewinds the cursor so that the next
// frame starts immediately. It is used when the peer reports that the user
// barged in.
func (s *Scheduler) Interrupt() {
	if n := s.stopAll(); n > 0 {
		slog.Debug("playback: interrupted", "stopped", n)
	}
}

// Reset stops everything and sets the cursor to zero. It is called whenever a
// session opens and during teardown.
func (s *Scheduler) Reset() {
	s.stopAll()
}

// Cursor returns the output-clock time the next buffer would start at if the
// clock had not passed it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SamplesToDuration(s.cursor, s.rate)
}

// Active returns the size of the active set.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Talking reports whether any buffer is still playing.
func (s *Scheduler) Talking() bool {
	return s.Active() > 0
}

func (s *Scheduler) stopAll() int {
	s.mu.Lock()
	sounds := s.active
	s.active = make(map[uint64]audio.Sound)
	s.cursor = 0
	s.mu.Unlock()

	for _, snd := range sounds {
		snd.Stop()
	}
	if n := len(sounds); n > 0 {
		s.metrics.ActiveSounds.Add(context.Background(), -int64(n))
		s.setTalking(false)
	}
	return len(sounds)
}

func (s *Scheduler) setTalking(v bool) {
	if s.onTalking != nil {
		s.onTalking(v)
	}
}
