package playback_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxtask/internal/observe"
	"github.com/MrWong99/voxtask/internal/playback"
	"github.com/MrWong99/voxtask/pkg/audio"
	audiomock "github.com/MrWong99/voxtask/pkg/audio/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newOutput() *audiomock.OutputContext {
	return &audiomock.OutputContext{
		FormatValue: audio.Format{SampleRate: 24000, Channels: 1},
	}
}

// frame returns a 24 kHz PCM frame of the given duration.
func frame(d time.Duration) audio.Blob {
	samples := int(d * 24000 / time.Second)
	return audio.Blob{MIMEType: "audio/pcm;rate=24000", Data: make([]byte, samples*2)}
}

// talkingLog records talking transitions.
type talkingLog struct {
	mu     sync.Mutex
	events []bool
}

func (l *talkingLog) record(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, v)
}

func (l *talkingLog) get() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.events...)
}

func TestEnqueue_GaplessAndOrdered(t *testing.T) {
	t.Parallel()

	out := newOutput()
	s := playback.New(out, playback.WithMetrics(testMetrics(t)))

	durations := []time.Duration{100 * time.Millisecond, 40 * time.Millisecond, 250 * time.Millisecond, 10 * time.Millisecond}
	var prev playback.Scheduled
	for i, d := range durations {
		// Move the clock a little between frames, but never past the cursor.
		out.SetTime(time.Duration(i) * 5 * time.Millisecond)
		sc, err := s.Enqueue(frame(d))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if sc.Duration != d {
			t.Errorf("frame %d duration = %v, want %v", i, sc.Duration, d)
		}
		if i == 0 {
			if sc.Start != 0 {
				t.Errorf("first frame start = %v, want 0", sc.Start)
			}
		} else if sc.Start != prev.End() {
			t.Errorf("frame %d start = %v, want %v (previous end)", i, sc.Start, prev.End())
		}
		prev = sc
	}

	plays := out.Plays()
	if len(plays) != len(durations) {
		t.Fatalf("Play called %d times, want %d", len(plays), len(durations))
	}
	for i := 1; i < len(plays); i++ {
		if plays[i].At < plays[i-1].At+plays[i-1].Duration {
			t.Errorf("frame %d overlaps frame %d", i, i-1)
		}
	}
	if got, want := s.Cursor(), 400*time.Millisecond; got != want {
		t.Errorf("Cursor = %v, want %v", got, want)
	}
}

func TestEnqueue_StartsAtNowAfterIdle(t *testing.T) {
	t.Parallel()

	out := newOutput()
	s := playback.New(out, playback.WithMetrics(testMetrics(t)))

	if _, err := s.Enqueue(frame(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	out.SetTime(2 * time.Second)

	sc, err := s.Enqueue(frame(100 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if sc.Start != 2*time.Second {
		t.Errorf("start = %v, want current time 2s", sc.Start)
	}
}

func TestEnqueue_DecodeFailureLeavesCursor(t *testing.T) {
	t.Parallel()

	out := newOutput()
	s := playback.New(out, playback.WithMetrics(testMetrics(t)))

	first, err := s.Enqueue(frame(100 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	cursor := s.Cursor()

	bad := audio.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{1, 2, 3}}
	if _, err := s.Enqueue(bad); !errors.Is(err, audio.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
	if s.Cursor() != cursor {
		t.Errorf("cursor moved on decode failure: %v -> %v", cursor, s.Cursor())
	}
	if s.Active() != 1 {
		t.Errorf("Active = %d, want 1", s.Active())
	}

	next, err := s.Enqueue(frame(50 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if next.Start != first.End() {
		t.Errorf("frame after failure starts at %v, want %v", next.Start, first.End())
	}
}

func TestEnqueue_PlayErrorLeavesCursor(t *testing.T) {
	t.Parallel()

	out := newOutput()
	out.PlayErr = errors.New("device lost")
	s := playback.New(out, playback.WithMetrics(testMetrics(t)))

	if _, err := s.Enqueue(frame(100 * time.Millisecond)); err == nil {
		t.Fatal("expected error")
	}
	if s.Cursor() != 0 || s.Active() != 0 {
		t.Errorf("cursor=%v active=%d, want untouched", s.Cursor(), s.Active())
	}
}

func TestEnqueue_ResamplesToOutputRate(t *testing.T) {
	t.Parallel()

	out := &audiomock.OutputContext{FormatValue: audio.Format{SampleRate: 48000, Channels: 1}}
	s := playback.New(out, playback.WithMetrics(testMetrics(t)))

	sc, err := s.Enqueue(frame(100 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if sc.Duration != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", sc.Duration)
	}
	if got := out.Plays()[0].Samples; got != 4800 {
		t.Errorf("samples = %d, want 4800", got)
	}
}

func TestEnqueue_FallsBackToDefaultRate(t *testing.T) {
	t.Parallel()

	out := newOutput()
	s := playback.New(out, playback.WithDefaultRate(12000), playback.WithMetrics(testMetrics(t)))

	// 1200 samples at 12 kHz are 100ms.
	sc, err := s.Enqueue(audio.Blob{MIMEType: "audio/pcm", Data: make([]byte, 2400)})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Duration != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", sc.Duration)
	}
}

func TestEnqueue_WireRateOverridesMIMERate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		opts     []playback.Option
		wantDur  time.Duration
		wantSize int
	}{
		// 22050 samples tagged as 24 kHz.
		{"mime rate", nil, 918750 * time.Microsecond, 22050},
		{"forced wire rate", []playback.Option{playback.WithWireRate(22050)}, time.Second, 24000},
		{"default rate does not override mime", []playback.Option{playback.WithDefaultRate(22050)}, 918750 * time.Microsecond, 22050},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := newOutput()
			opts := append([]playback.Option{playback.WithMetrics(testMetrics(t))}, tt.opts...)
			s := playback.New(out, opts...)

			sc, err := s.Enqueue(audio.Blob{MIMEType: "audio/pcm;rate=24000", Data: make([]byte, 2*22050)})
			if err != nil {
				t.Fatal(err)
			}
			if sc.Duration != tt.wantDur {
				t.Errorf("duration = %v, want %v", sc.Duration, tt.wantDur)
			}
			if got := out.Plays()[0].Samples; got != tt.wantSize {
				t.Errorf("samples = %d, want %d", got, tt.wantSize)
			}
		})
	}
}

func TestEnqueue_LongStreamDoesNotDrift(t *testing.T) {
	t.Parallel()

	out := audio.NewTimeline(24000)
	s := playback.New(out, playback.WithMetrics(testMetrics(t)))

	// 7 samples at 24 kHz is 291666.67ns: every frame duration is inexact.
	const frames, perFrame = 30000, 7
	blob := audio.Blob{MIMEType: "audio/pcm;rate=24000", Data: make([]byte, 2*perFrame)}
	var prev playback.Scheduled
	for i := range frames {
		sc, err := s.Enqueue(blob)
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if i > 0 && sc.Start != prev.End() {
			t.Fatalf("frame %d start = %v, want previous end %v", i, sc.Start, prev.End())
		}
		prev = sc
	}

	want := audio.SamplesToDuration(frames*perFrame, 24000)
	if got := s.Cursor(); got != want {
		t.Errorf("cursor = %v, want %v (sample-exact)", got, want)
	}
	if got := audio.DurationToSamples(s.Cursor(), 24000); got != frames*perFrame {
		t.Errorf("cursor samples = %d, want %d", got, frames*perFrame)
	}
}

func TestTalking_TracksActiveSet(t *testing.T) {
	t.Parallel()

	out := newOutput()
	log := &talkingLog{}
	s := playback.New(out, playback.WithTalkingObserver(log.record), playback.WithMetrics(testMetrics(t)))

	for range 3 {
		if _, err := s.Enqueue(frame(20 * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	if !s.Talking() {
		t.Fatal("Talking = false with active buffers")
	}

	if err := out.End(0); err != nil {
		t.Fatal(err)
	}
	if err := out.End(1); err != nil {
		t.Fatal(err)
	}
	if !s.Talking() {
		t.Error("Talking cleared while a buffer is still playing")
	}
	if err := out.End(2); err != nil {
		t.Fatal(err)
	}
	if s.Talking() {
		t.Error("Talking still set after the active set emptied")
	}

	got := log.get()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("talking transitions = %v, want [true false]", got)
	}
}

func TestEndedNotifier_DefersRelease(t *testing.T) {
	t.Parallel()

	out := newOutput()
	ended := make(chan uint64, 4)
	s := playback.New(out,
		playback.WithEndedNotifier(func(id uint64) { ended <- id }),
		playback.WithMetrics(testMetrics(t)),
	)

	sc, err := s.Enqueue(frame(20 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := out.End(0); err != nil {
		t.Fatal(err)
	}

	id := <-ended
	if id != sc.ID {
		t.Errorf("notified id = %d, want %d", id, sc.ID)
	}
	if s.Active() != 1 {
		t.Error("buffer released before the notifier's owner called Release")
	}
	if !s.Release(id) {
		t.Error("Release returned false for an active id")
	}
	if s.Release(id) {
		t.Error("second Release returned true")
	}
}

func TestInterrupt_StopsAllAndRewinds(t *testing.T) {
	t.Parallel()

	out := newOutput()
	log := &talkingLog{}
	s := playback.New(out, playback.WithTalkingObserver(log.record), playback.WithMetrics(testMetrics(t)))

	for range 2 {
		if _, err := s.Enqueue(frame(500 * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	out.SetTime(100 * time.Millisecond)
	s.Interrupt()

	for i, p := range out.Plays() {
		if !p.Stopped {
			t.Errorf("sound %d not stopped", i)
		}
	}
	if s.Cursor() != 0 || s.Active() != 0 || s.Talking() {
		t.Errorf("after Interrupt: cursor=%v active=%d talking=%v", s.Cursor(), s.Active(), s.Talking())
	}
	// Stopped sounds never fire their end callbacks.
	if err := out.End(0); err == nil {
		t.Error("End on a stopped sound should fail")
	}

	sc, err := s.Enqueue(frame(20 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if sc.Start != 100*time.Millisecond {
		t.Errorf("start after interrupt = %v, want now (100ms)", sc.Start)
	}
	if got := log.get(); len(got) != 3 || got[1] != false || got[2] != true {
		t.Errorf("talking transitions = %v, want [true false true]", got)
	}
}

func TestReset_EmptyIsNoop(t *testing.T) {
	t.Parallel()

	log := &talkingLog{}
	s := playback.New(newOutput(), playback.WithTalkingObserver(log.record), playback.WithMetrics(testMetrics(t)))
	s.Reset()
	if len(log.get()) != 0 {
		t.Errorf("Reset on an idle scheduler published %v", log.get())
	}
	if s.Cursor() != 0 {
		t.Errorf("Cursor = %v, want 0", s.Cursor())
	}
}

func TestScheduler_WithTimeline(t *testing.T) {
	t.Parallel()

	tl := audio.NewTimeline(24000)
	s := playback.New(tl, playback.WithMetrics(testMetrics(t)))

	pcm := audio.FloatToPCM16([]float32{0.5, 0.5, 0.5, 0.5})
	for range 3 {
		if _, err := s.Enqueue(audio.Blob{MIMEType: "audio/pcm;rate=24000", Data: pcm}); err != nil {
			t.Fatal(err)
		}
	}

	out := make([]float32, 12)
	tl.Render(out)
	for i, v := range out {
		if v < 0.49 || v > 0.51 {
			t.Fatalf("sample %d = %v: gap or overlap in rendered output", i, v)
		}
	}
	if s.Talking() {
		t.Error("Talking after all buffers rendered")
	}
}
