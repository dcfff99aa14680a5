package audio_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxtask/pkg/audio"
)

func constBuffer(n int, v float32, rate int) audio.PlayableBuffer {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return audio.PlayableBuffer{Samples: s, SampleRate: rate}
}

func TestTimeline_ClockAdvancesWithRender(t *testing.T) {
	t.Parallel()

	tl := audio.NewTimeline(1000)
	if got := tl.CurrentTime(); got != 0 {
		t.Fatalf("initial time = %v, want 0", got)
	}
	tl.Render(make([]float32, 250))
	if got := tl.CurrentTime(); got != 250*time.Millisecond {
		t.Errorf("after 250 samples = %v, want 250ms", got)
	}
	tl.Advance(100 * time.Millisecond)
	if got := tl.CurrentTime(); got != 350*time.Millisecond {
		t.Errorf("after Advance = %v, want 350ms", got)
	}
}

func TestTimeline_PlaysAtScheduledOffset(t *testing.T) {
	t.Parallel()

	tl := audio.NewTimeline(1000)
	var ended atomic.Int32
	if _, err := tl.Play(constBuffer(4, 0.5, 1000), 2*time.Millisecond, func() { ended.Add(1) }); err != nil {
		t.Fatalf("Play: %v", err)
	}

	out := make([]float32, 4)
	tl.Render(out)
	want := []float32{0, 0, 0.5, 0.5}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("first window sample %d = %v, want %v", i, out[i], want[i])
		}
	}
	if ended.Load() != 0 {
		t.Fatal("voice ended too early")
	}

	tl.Render(out)
	want = []float32{0.5, 0.5, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("second window sample %d = %v, want %v", i, out[i], want[i])
		}
	}
	if ended.Load() != 1 {
		t.Errorf("onEnded called %d times, want 1", ended.Load())
	}
	if tl.Active() != 0 {
		t.Errorf("Active = %d, want 0", tl.Active())
	}
}

func TestTimeline_BackToBackIsGapless(t *testing.T) {
	t.Parallel()

	tl := audio.NewTimeline(24000)
	first := constBuffer(480, 0.25, 24000)
	second := constBuffer(480, 0.25, 24000)
	if _, err := tl.Play(first, 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := tl.Play(second, first.Duration(), nil); err != nil {
		t.Fatal(err)
	}

	out := make([]float32, 960)
	tl.Render(out)
	for i, s := range out {
		if s != 0.25 {
			t.Fatalf("sample %d = %v, want 0.25 (gap or overlap)", i, s)
		}
	}
}

func TestTimeline_PastStartPlaysImmediately(t *testing.T) {
	t.Parallel()

	tl := audio.NewTimeline(1000)
	tl.Advance(10 * time.Millisecond)
	if _, err := tl.Play(constBuffer(2, 0.5, 1000), 0, nil); err != nil {
		t.Fatal(err)
	}
	out := make([]float32, 2)
	tl.Render(out)
	if out[0] != 0.5 || out[1] != 0.5 {
		t.Errorf("got %v, want [0.5 0.5]", out)
	}
}

func TestTimeline_MixClamps(t *testing.T) {
	t.Parallel()

	tl := audio.NewTimeline(1000)
	for range 3 {
		if _, err := tl.Play(constBuffer(1, 0.5, 1000), 0, nil); err != nil {
			t.Fatal(err)
		}
	}
	out := make([]float32, 1)
	tl.Render(out)
	if out[0] != 1 {
		t.Errorf("mixed sample = %v, want clamped 1", out[0])
	}
}

func TestTimeline_StopSuppressesCallback(t *testing.T) {
	t.Parallel()

	tl := audio.NewTimeline(1000)
	var ended atomic.Int32
	snd, err := tl.Play(constBuffer(10, 0.5, 1000), 0, func() { ended.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	snd.Stop()
	snd.Stop()

	out := make([]float32, 20)
	tl.Render(out)
	if ended.Load() != 0 {
		t.Error("onEnded fired after Stop")
	}
	if out[0] != 0 {
		t.Errorf("stopped voice still audible: %v", out[0])
	}
}

func TestTimeline_RateMismatch(t *testing.T) {
	t.Parallel()

	tl := audio.NewTimeline(24000)
	if _, err := tl.Play(constBuffer(10, 0, 16000), 0, nil); err == nil {
		t.Error("expected error for mismatched rate")
	}
}

func TestTimeline_PlayAfterClose(t *testing.T) {
	t.Parallel()

	tl := audio.NewTimeline(1000)
	var ended atomic.Int32
	if _, err := tl.Play(constBuffer(10, 0.5, 1000), 0, func() { ended.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := tl.Play(constBuffer(1, 0, 1000), 0, nil); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("Play after Close: err = %v, want ErrClosed", err)
	}
	tl.Render(make([]float32, 20))
	if ended.Load() != 0 {
		t.Error("callback fired for voice dropped by Close")
	}
}
