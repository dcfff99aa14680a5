package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned when scheduling on a closed output.
var ErrClosed = errors.New("audio: output closed")

// Compile-time interface assertion.
var _ OutputContext = (*Timeline)(nil)

// Timeline is a sample-accurate software output clock. Buffers are placed at
// absolute sample offsets and mixed into whatever window the backend pulls
// with [Timeline.Render]. The clock only moves when audio is rendered, so it
// reflects what has actually been handed to the device.
//
// Timeline implements [OutputContext] on its own; device backends embed it and
// drive Render from their playback callback.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64 // samples rendered since creation
	voices []*voice
	nextID uint64
	closed bool
}

type voice struct {
	tl      *Timeline
	id      uint64
	start   int64
	samples []float32
	onEnded func()
}

// NewTimeline creates a mono timeline running at sampleRate.
func NewTimeline(sampleRate int) *Timeline {
	return &Timeline{rate: sampleRate}
}

// Format implements [OutputContext].
func (t *Timeline) Format() Format {
	return Format{SampleRate: t.rate, Channels: 1}
}

// CurrentTime implements [OutputContext].
func (t *Timeline) CurrentTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samplesToDuration(t.pos)
}

// Play implements [OutputContext]. buf must already be at the timeline's
// sample rate.
func (t *Timeline) Play(buf PlayableBuffer, at time.Duration, onEnded func()) (Sound, error) {
	if buf.SampleRate != t.rate {
		return nil, fmt.Errorf("audio: buffer rate %d does not match output rate %d", buf.SampleRate, t.rate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	start := max(t.durationToSamples(at), t.pos)
	t.nextID++
	v := &voice{
		tl:      t,
		id:      t.nextID,
		start:   start,
		samples: buf.Samples,
		onEnded: onEnded,
	}
	t.voices = append(t.voices, v)
	return v, nil
}

// Render mixes every voice overlapping the next len(out) samples into out,
// advances the clock, and fires the end callbacks of voices that finished
// inside the window. Mixed samples are clamped to [-1, 1].
func (t *Timeline) Render(out []float32) {
	t.advance(out, len(out))
}

// Advance moves the clock forward by d without producing samples.
func (t *Timeline) Advance(d time.Duration) {
	t.advance(nil, int(t.durationToSamples(d)))
}

// Active returns the number of voices that have not yet finished.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Close implements [OutputContext]. Pending voices are dropped without
// invoking their callbacks.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.voices = nil
	return nil
}

func (t *Timeline) advance(out []float32, n int) {
	if n <= 0 {
		return
	}
	clear(out)

	t.mu.Lock()
	winStart := t.pos
	winEnd := t.pos + int64(n)
	var finished []func()
	kept := t.voices[:0]
	for _, v := range t.voices {
		vEnd := v.start + int64(len(v.samples))
		if out != nil {
			from := max(v.start, winStart)
			to := min(vEnd, winEnd)
			for i := from; i < to; i++ {
				out[i-winStart] += v.samples[i-v.start]
			}
		}
		if vEnd <= winEnd {
			if v.onEnded != nil {
				finished = append(finished, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.pos = winEnd
	t.mu.Unlock()

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	for _, fn := range finished {
		fn()
	}
}

func (t *Timeline) durationToSamples(d time.Duration) int64 {
	return DurationToSamples(d, t.rate)
}

func (t *Timeline) samplesToDuration(n int64) time.Duration {
	return SamplesToDuration(n, t.rate)
}

// Stop implements [Sound].
func (v *voice) Stop() {
	t := v.tl
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, other := range t.voices {
		if other.id == v.id {
			t.voices = append(t.voices[:i], t.voices[i+1:]...)
			return
		}
	}
}
