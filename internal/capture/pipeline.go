// Package capture turns a live microphone stream into a sequence of encoded
// outbound audio frames.
//
// A [Pipeline] reads sample blocks from its own [audio.Tap] subscription,
// re-frames them into fixed [BlockSize] blocks with a [Framer], encodes each
// block with [audio.EncodeRate], and submits it to an [AudioSink].
//
// Framing and submission run on separate goroutines joined by a bounded
// queue of whole frames, so a slow sink never backs up into the tap. When the
// queue overflows the oldest frame is dropped whole. An empty block from the
// source marks a hole in the microphone stream; the partial frame in
// progress is discarded so samples from either side of the hole are never
// mixed into one frame. A failing sink is logged and counted but never stalls
// capture.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxtask/internal/observe"
	"github.com/MrWong99/voxtask/pkg/audio"
	"github.com/MrWong99/voxtask/pkg/provider/s2s"
)

// DefaultQueueSize is the number of encoded frames a [Pipeline] holds for a
// slow sink before it starts dropping the oldest.
const DefaultQueueSize = 64

// ErrRejected is wrapped by sink errors that mean "not accepting frames right
// now" as opposed to a transport failure. Such frames are counted as
// rejected.
var ErrRejected = errors.New("capture: frame rejected")

// AudioSink receives encoded outbound frames. Implementations must not block
// for longer than it takes to hand the frame to the transport.
type AudioSink interface {
	SendAudio(frame audio.Blob) error
}

// SinkFunc adapts a function to [AudioSink].
type SinkFunc func(frame audio.Blob) error

// SendAudio calls f(frame).
func (f SinkFunc) SendAudio(frame audio.Blob) error { return f(frame) }

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithBlockSize overrides the frame size in samples. Defaults to [BlockSize].
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithSampleRate sets the rate the microphone delivers samples at. It is
// encoded into each frame's MIME type. Defaults to [audio.CaptureRate].
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.rate = rate
		}
	}
}

// WithQueueSize sets how many encoded frames may wait for the sink. Defaults
// to [DefaultQueueSize].
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline is the capture side of a session. It is started with [Start] and
// runs until [Pipeline.Stop] is called or its source closes.
type Pipeline struct {
	src       <-chan []float32
	sink      AudioSink
	blockSize int
	rate      int
	queueSize int
	metrics   *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	queue    []audio.Blob
	srcEnded bool
	overflow bool
	ready    chan struct{}

	// Owned by the send goroutine.
	failing bool
}

// Start launches a pipeline reading from src and writing to sink. src is
// typically one subscription of the session's microphone [audio.Tap]; the
// pipeline does not close it.
func Start(src <-chan []float32, sink AudioSink, opts ...Option) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		src:       src,
		sink:      sink,
		blockSize: BlockSize,
		rate:      audio.CaptureRate,
		queueSize: DefaultQueueSize,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		ready:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.read()
	}()
	go func() {
		defer wg.Done()
		p.send()
	}()
	go func() {
		wg.Wait()
		close(p.done)
	}()
	return p
}

// Stop halts the pipeline and waits for both goroutines to exit. Any partial
// block and any queued frames are discarded. Calling Stop more than once is
// safe.
func (p *Pipeline) Stop() {
	p.once.Do(p.cancel)
	<-p.done
}

// Done returns a channel that is closed when the pipeline has exited: after
// Stop, or once the source has closed and every queued frame was submitted.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// ── Framing ──────────────────────────────────────────────────────────────────

func (p *Pipeline) read() {
	defer p.endSource()
	framer := NewFramer(p.blockSize)
	emit := func(block []float32) {
		p.enqueue(audio.EncodeRate(block, p.rate))
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case samples, ok := <-p.src:
			if !ok {
				return
			}
			if len(samples) == 0 {
				p.gap(framer)
				continue
			}
			framer.Write(samples, emit)
		}
	}
}

// gap discards the partial frame that straddles a hole in the source.
func (p *Pipeline) gap(framer *Framer) {
	partial := framer.Pending()
	framer.Reset()
	if partial > 0 {
		p.metrics.RecordCaptureFrame(p.ctx, "dropped")
	}
	slog.Warn("capture: microphone stream has a gap", "discarded_samples", partial)
}

// enqueue appends a frame for the send goroutine. A full queue drops its
// oldest frame; overflow is logged once until the queue drains.
func (p *Pipeline) enqueue(frame audio.Blob) {
	p.mu.Lock()
	dropped := false
	if len(p.queue) >= p.queueSize {
		p.queue[0] = audio.Blob{}
		p.queue = p.queue[1:]
		dropped = true
	}
	p.queue = append(p.queue, frame)
	logOverflow := dropped && !p.overflow
	if dropped {
		p.overflow = true
	}
	p.mu.Unlock()

	if dropped {
		p.metrics.RecordCaptureFrame(p.ctx, "dropped")
		if logOverflow {
			slog.Warn("capture: sink is behind, dropping oldest frames", "queue_size", p.queueSize)
		}
	}
	p.signal()
}

func (p *Pipeline) endSource() {
	p.mu.Lock()
	p.srcEnded = true
	p.mu.Unlock()
	p.signal()
}

func (p *Pipeline) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// ── Submission ───────────────────────────────────────────────────────────────

func (p *Pipeline) send() {
	for {
		frame, ok, ended := p.dequeue()
		if ok {
			if p.ctx.Err() != nil {
				return
			}
			p.submit(frame)
			continue
		}
		if ended {
			return
		}
		select {
		case <-p.ctx.Done():
			return
		case <-p.ready:
		}
	}
}

// dequeue pops the oldest queued frame. ended reports that the queue is empty
// and the source has closed.
func (p *Pipeline) dequeue() (frame audio.Blob, ok, ended bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return audio.Blob{}, false, p.srcEnded
	}
	frame = p.queue[0]
	p.queue[0] = audio.Blob{}
	p.queue = p.queue[1:]
	if len(p.queue) == 0 {
		p.overflow = false
	}
	return frame, true, false
}

// submit hands one frame to the sink. Errors are logged once per failure
// streak so that a dead sink does not flood the log at the frame rate.
func (p *Pipeline) submit(frame audio.Blob) {
	err := p.sink.SendAudio(frame)
	if err == nil {
		if p.failing {
			slog.Info("capture: sink recovered")
			p.failing = false
		}
		p.metrics.RecordCaptureFrame(p.ctx, "sent")
		return
	}

	status := "error"
	if isRejected(err) {
		status = "rejected"
	}
	p.metrics.RecordCaptureFrame(p.ctx, status)
	if !p.failing {
		slog.Warn("capture: failed to submit frame", "err", err, "status", status)
		p.failing = true
	}
}

func isRejected(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, s2s.ErrSessionClosed)
}
