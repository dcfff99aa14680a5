package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxtask/internal/capture"
	"github.com/MrWong99/voxtask/internal/observe"
	"github.com/MrWong99/voxtask/internal/playback"
	"github.com/MrWong99/voxtask/internal/tools"
	"github.com/MrWong99/voxtask/internal/volume"
	"github.com/MrWong99/voxtask/pkg/audio"
	"github.com/MrWong99/voxtask/pkg/provider/s2s"
)

// End reasons reported in [EndInfo.Reason] and the session end metric.
const (
	EndDisconnect  = "disconnect"
	EndPeerClosed  = "peer_closed"
	EndPeerError   = "peer_error"
	EndCaptureLost = "capture_lost"
)

// captureTapBuffer is the capture subscription's block buffer. At the default
// block size it covers several seconds of microphone audio.
const captureTapBuffer = 256

// EndInfo describes a finished session.
type EndInfo struct {
	// SessionID identifies the session.
	SessionID string

	// Reason is one of the End* constants.
	Reason string

	// Err is the peer error for [EndPeerError], otherwise nil.
	Err error

	// Duration is how long the session was Open.
	Duration time.Duration
}

// Session owns every resource of one live connection: the provider handle,
// both audio contexts, the microphone and its tap, the capture pipeline, the
// volume monitor, and the playback scheduler. All inbound events and
// playback releases are processed on a single event loop goroutine.
//
// A Session is created by [Manager.Connect] and never outlives it.
type Session struct {
	id      string
	log     *slog.Logger
	metrics *observe.Metrics

	in     audio.InputContext
	out    audio.OutputContext
	mic    audio.Microphone
	handle s2s.SessionHandle
	sink   *outbound
	sched  *playback.Scheduler
	disp   *tools.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	ended  *endedQueue

	// Set by start.
	tap      *audio.Tap
	capture  *capture.Pipeline
	volume   *volume.Monitor
	unsubCap func()
	unsubVol func()
	openedAt time.Time

	stop         chan struct{}
	stopOnce     sync.Once
	teardownOnce sync.Once
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// IDFromContext returns the id of the session whose event loop ctx belongs
// to. Tool handlers receive such a context. It returns "" otherwise.
func IDFromContext(ctx context.Context) string {
	return observe.SessionID(ctx)
}

// startConfig carries the per-session settings needed once the session is
// Open.
type startConfig struct {
	blockSize      int
	volumeInterval time.Duration
	onVolume       func(level float64)
}

// start resets playback, opens the outbound sink, and launches capture, the
// volume monitor, and the event loop. It returns immediately; exit is reported
// through onExit from the loop goroutine.
func (s *Session) start(cfg startConfig, onExit func(reason string, err error)) {
	s.sched.Reset()
	s.openedAt = time.Now()
	s.sink.setOpen(true)

	s.tap = audio.NewTap(s.mic.Samples(), 0)
	capSrc, unsubCap := s.tap.Subscribe(audio.WithBuffer(captureTapBuffer), audio.WithGapMarkers())
	volSrc, unsubVol := s.tap.Subscribe()
	s.unsubCap, s.unsubVol = unsubCap, unsubVol

	s.capture = capture.Start(capSrc, s.sink,
		capture.WithBlockSize(cfg.blockSize),
		capture.WithSampleRate(s.in.Format().SampleRate),
		capture.WithMetrics(s.metrics),
	)
	s.volume = volume.Start(volSrc, cfg.onVolume, volume.WithInterval(cfg.volumeInterval))

	go func() {
		reason, err := s.run()
		onExit(reason, err)
	}()
}

// requestStop asks the event loop to exit. Safe to call more than once and
// before the loop started.
func (s *Session) requestStop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// run is the session event loop. It returns when a stop is requested, the
// peer ends the session, or the microphone goes away.
func (s *Session) run() (reason string, err error) {
	inbound := s.handle.Inbound()
	captureDone := s.capture.Done()
	for {
		select {
		case <-s.stop:
			return EndDisconnect, nil

		case msg, ok := <-inbound:
			if !ok {
				if err := s.handle.Err(); err != nil {
					return EndPeerError, err
				}
				return EndPeerClosed, nil
			}
			s.handleMessage(msg)

		case <-s.ended.wake:
			for _, id := range s.ended.drain() {
				s.sched.Release(id)
			}

		case <-captureDone:
			return EndCaptureLost, nil
		}
	}
}

func (s *Session) handleMessage(msg s2s.Message) {
	s.metrics.RecordPeerMessage(s.ctx, msg.Kind.String())

	switch msg.Kind {
	case s2s.MessageAudio:
		if _, err := s.sched.Enqueue(msg.Audio); err != nil {
			s.log.Warn("session: dropped inbound audio frame", "seq", msg.Seq, "err", err)
		}

	case s2s.MessageToolCall:
		if err := s.disp.Dispatch(s.ctx, msg.ToolCall, s.sink); err != nil {
			s.log.Warn("session: tool call", "seq", msg.Seq, "tool", msg.ToolCall.Name, "err", err)
		}

	case s2s.MessageInterrupted:
		s.sched.Interrupt()

	case s2s.MessageTranscript:
		s.log.Debug("session: transcript", "role", msg.Transcript.Role, "text", msg.Transcript.Text)

	case s2s.MessageTurnComplete:
		s.log.Debug("session: turn complete", "seq", msg.Seq)

	default:
		s.log.Debug("session: ignoring message", "kind", msg.Kind, "seq", msg.Seq)
	}
}

// teardown releases every resource in order: the remote session, the
// microphone, the capture pipeline, the input context, the output context,
// then the volume monitor and in-memory playback state. Every step runs even
// if an earlier one failed. It is safe on a partially opened session and runs
// at most once.
func (s *Session) teardown() error {
	var errs []error
	s.teardownOnce.Do(func() {
		if s.sink != nil {
			s.sink.setOpen(false)
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.handle != nil {
			if err := s.handle.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close remote session: %w", err))
			}
		}
		if s.mic != nil {
			if err := s.mic.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close microphone: %w", err))
			}
		}
		if s.capture != nil {
			s.capture.Stop()
			s.unsubCap()
		}
		if s.in != nil {
			if err := s.in.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close input context: %w", err))
			}
		}
		if s.out != nil {
			if err := s.out.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close output context: %w", err))
			}
		}
		if s.volume != nil {
			s.volume.Stop()
			s.unsubVol()
		}
		if s.tap != nil {
			if n := s.tap.Dropped(); n > 0 {
				s.log.Warn("microphone blocks dropped during session", "dropped_blocks", n)
			}
		}
		if s.sched != nil {
			s.sched.Reset()
		}
		s.ended.drain()
	})
	return errors.Join(errs...)
}

// ── Ended notifications ──────────────────────────────────────────────────────

// endedQueue carries natural-end notifications from audio backend goroutines
// to the event loop. push never blocks; wake signals coalesce, so the loop
// drains every pending id per wake-up.
type endedQueue struct {
	mu   sync.Mutex
	ids  []uint64
	wake chan struct{}
}

func newEndedQueue() *endedQueue {
	return &endedQueue{wake: make(chan struct{}, 1)}
}

func (q *endedQueue) push(id uint64) {
	q.mu.Lock()
	q.ids = append(q.ids, id)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *endedQueue) drain() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.ids
	q.ids = nil
	return ids
}
