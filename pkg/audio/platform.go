// Package audio defines the device abstractions, wire codec, and sample-level
// helpers used by the voxtask voice session.
//
// The device model mirrors a host audio API:
//
//   - [Host] opens one [InputContext] and one [OutputContext] per session.
//   - [InputContext] grants access to a [Microphone], whose sample blocks are
//     fanned out to independent consumers through a [Tap].
//   - [OutputContext] owns a monotonic output clock and plays
//     [PlayableBuffer] values at absolute times on that clock.
//
// Implementations live in sub-packages (audio/malgo for real devices,
// audio/virtual for a software clock, audio/mock for tests). The interfaces
// are intentionally narrow to keep the session manager decoupled from any
// particular audio backend.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned (wrapped) when a capture or playback device
// cannot be opened, e.g. because permission was denied or the device is busy.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Host is the entry point for an audio backend. Each session opens its own
// contexts and closes them during teardown.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// OpenInput constructs a capture context running at format.
	OpenInput(ctx context.Context, format Format) (InputContext, error)

	// OpenOutput constructs a playback context running at format.
	OpenOutput(ctx context.Context, format Format) (OutputContext, error)
}

// InputContext is a capture-side audio context.
type InputContext interface {
	// Format returns the format every microphone block is delivered in.
	Format() Format

	// OpenMicrophone acquires the default capture device. It fails with an
	// error wrapping [ErrDeviceUnavailable] when the device cannot be used.
	OpenMicrophone(ctx context.Context) (Microphone, error)

	// Close releases the context. Calling Close more than once is safe.
	Close() error
}

// Microphone is a live capture stream.
type Microphone interface {
	// Samples returns the channel of captured sample blocks. Block size is
	// backend-defined. The channel is closed when the microphone is closed.
	Samples() <-chan []float32

	// Close stops the underlying device tracks. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// OutputContext is a playback-side audio context with its own clock.
type OutputContext interface {
	// Format returns the format buffers must be decoded to before playback.
	Format() Format

	// CurrentTime returns the output clock: the amount of audio rendered
	// since the context was opened. It never decreases.
	CurrentTime() time.Duration

	// Play schedules buf to start at the absolute clock time at. A time in
	// the past starts immediately. onEnded is invoked exactly once when the
	// buffer finishes naturally; it is not invoked after [Sound.Stop]. The
	// callback runs on a backend goroutine and must not block.
	Play(buf PlayableBuffer, at time.Duration, onEnded func()) (Sound, error)

	// Close stops all sounds and releases the device. Calling Close more than
	// once is safe.
	Close() error
}

// Sound is a handle to a scheduled [PlayableBuffer].
type Sound interface {
	// Stop cancels playback. Stopping an already ended sound is a no-op.
	Stop()
}
