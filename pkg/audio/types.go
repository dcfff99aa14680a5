package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Standard rates of the voice session. The peer expects 16 kHz mono PCM on
// the way in and produces 24 kHz mono PCM on the way out.
const (
	CaptureRate  = 16000
	PlaybackRate = 24000
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Blob is an encoded audio frame in wire format, ready to be handed to a
// session. MIMEType carries the encoding and rate (e.g. "audio/pcm;rate=16000").
type Blob struct {
	MIMEType string
	Data     []byte
}

// PlayableBuffer is a decoded mono buffer of float samples in [-1, 1] at
// SampleRate, ready to be scheduled on an [OutputContext].
type PlayableBuffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer, rounded to the nearest
// nanosecond.
func (b PlayableBuffer) Duration() time.Duration {
	return SamplesToDuration(int64(len(b.Samples)), b.SampleRate)
}

// SamplesToDuration converts a sample count at rate into a duration rounded
// to the nearest nanosecond. It returns 0 for a non-positive rate.
func SamplesToDuration(n int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration((n*int64(time.Second) + int64(rate)/2) / int64(rate))
}

// DurationToSamples converts d into the nearest whole sample count at rate.
// Negative durations and non-positive rates yield 0. It is the exact inverse
// of [SamplesToDuration].
func DurationToSamples(d time.Duration, rate int) int64 {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}

// pcmMIME returns the wire MIME type for 16-bit PCM at rate.
func pcmMIME(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// ParseRate extracts the rate parameter from a PCM MIME type such as
// "audio/pcm;rate=24000". It reports false when no valid rate is present.
func ParseRate(mime string) (int, bool) {
	_, params, found := strings.Cut(mime, ";")
	if !found {
		return 0, false
	}
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, false
		}
		return rate, true
	}
	return 0, false
}
