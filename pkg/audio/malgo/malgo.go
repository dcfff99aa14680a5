// Package malgo provides an [audio.Host] backed by the system's sound card via
// miniaudio (github.com/gen2brain/malgo). Capture and playback both run in
// 32-bit float mono; the output clock is a sample-accurate [audio.Timeline]
// driven by the device's playback callback.
//
// The package requires cgo.
package malgo

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxtask/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Host          = (*Host)(nil)
	_ audio.InputContext  = (*inputContext)(nil)
	_ audio.Microphone    = (*microphone)(nil)
	_ audio.OutputContext = (*outputContext)(nil)
)

// Option configures a [Host].
type Option func(*Host)

// WithPeriodFrames sets the device period in frames. Zero lets the backend
// choose.
func WithPeriodFrames(n uint32) Option {
	return func(h *Host) {
		h.periodFrames = n
	}
}

// WithMicBuffer sets how many captured blocks may queue before the device
// callback starts dropping. Defaults to 32.
func WithMicBuffer(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.micBuffer = n
		}
	}
}

// Host implements [audio.Host] on a shared miniaudio context.
//
// Host is safe for concurrent use. Call [Host.Close] once all contexts opened
// from it have been closed.
type Host struct {
	ctx          *malgo.AllocatedContext
	periodFrames uint32
	micBuffer    int
}

// New initialises the miniaudio context.
func New(opts ...Option) (*Host, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	h := &Host{ctx: mctx, micBuffer: 32}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Close releases the miniaudio context.
func (h *Host) Close() error {
	err := h.ctx.Uninit()
	h.ctx.Free()
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

// OpenInput implements [audio.Host]. No device is acquired until
// OpenMicrophone is called.
func (h *Host) OpenInput(_ context.Context, format audio.Format) (audio.InputContext, error) {
	if format.Channels != 1 {
		return nil, fmt.Errorf("malgo: only mono capture is supported, got %d channels", format.Channels)
	}
	return &inputContext{host: h, format: format}, nil
}

// OpenOutput implements [audio.Host]. The playback device starts immediately
// and renders silence until something is scheduled.
func (h *Host) OpenOutput(_ context.Context, format audio.Format) (audio.OutputContext, error) {
	if format.Channels != 1 {
		return nil, fmt.Errorf("malgo: only mono playback is supported, got %d channels", format.Channels)
	}

	o := &outputContext{Timeline: audio.NewTimeline(format.SampleRate)}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInFrames = h.periodFrames

	dev, err := malgo.InitDevice(h.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			o.render(out, int(frames))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init playback device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start playback device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	o.dev = dev
	return o, nil
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
		return nil, fmt.Errorf("malgo: open microphone: input context closed: %w", audio.ErrDeviceUnavailable)
	}

	m := &microphone{ch: make(chan []float32, c.host.micBuffer)}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(c.format.SampleRate)
	cfg.PeriodSizeInFrames = c.host.periodFrames

	dev, err := malgo.InitDevice(c.host.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			m.deliver(in, int(frames))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init capture device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start capture device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	m.dev = dev
	c.mics = append(c.mics, m)
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
	dev *malgo.Device

	mu     sync.Mutex
	ch     chan []float32
	closed bool
}

func (m *microphone) Samples() <-chan []float32 { return m.ch }

// deliver runs on the device thread and must never block.
func (m *microphone) deliver(in []byte, frames int) {
	block := make([]float32, frames)
	for i := range block {
		block[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.ch <- block:
	default:
	}
}

func (m *microphone) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.ch)
	m.mu.Unlock()

	if m.dev != nil {
		_ = m.dev.Stop()
		m.dev.Uninit()
	}
	return nil
}

// ── Output ───────────────────────────────────────────────────────────────────

type outputContext struct {
	*audio.Timeline

	dev     *malgo.Device
	scratch []float32
	once    sync.Once
}

// render runs on the device thread.
func (o *outputContext) render(out []byte, frames int) {
	if cap(o.scratch) < frames {
		o.scratch = make([]float32, frames)
	}
	buf := o.scratch[:frames]
	o.Render(buf)
	for i, s := range buf {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
}

func (o *outputContext) Close() error {
	o.once.Do(func() {
		if o.dev != nil {
			_ = o.dev.Stop()
			o.dev.Uninit()
		}
	})
	return o.Timeline.Close()
}
