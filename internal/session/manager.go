// Package session runs the lifecycle of the single live voice session.
//
// The [Manager] is a state machine:
//
//	Idle → Connecting → Open → Closing → Idle
//
// with a failure edge from every non-Idle state back to Idle. Connect
// acquires both audio contexts and the microphone, opens the remote session
// with the current instructions and tool declarations, and on success starts
// the capture pipeline, the volume monitor, and the event loop of a fresh
// [Session]. Disconnect, a peer close, and a peer error all run the same
// ordered teardown. No state survives from one session to the next.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxtask/internal/capture"
	"github.com/MrWong99/voxtask/internal/observe"
	"github.com/MrWong99/voxtask/internal/playback"
	"github.com/MrWong99/voxtask/internal/tools"
	"github.com/MrWong99/voxtask/internal/volume"
	"github.com/MrWong99/voxtask/pkg/audio"
	"github.com/MrWong99/voxtask/pkg/provider/s2s"
)

// Settings are the per-session parameters read at every Connect. Changing
// them with [Manager.UpdateSettings] affects the next session only.
type Settings struct {
	// Instructions are the behavioural directives sent to the agent. The
	// current date and time are always prepended. Empty selects
	// [DefaultInstructions].
	Instructions string

	// Voice is the provider voice name. Empty selects the provider default.
	Voice string

	// CaptureRate is the requested microphone sample rate.
	// Defaults to [audio.CaptureRate].
	CaptureRate int

	// OutputRate is the requested playback device sample rate.
	// Defaults to [audio.PlaybackRate].
	OutputRate int

	// WireOutputRate, when non-zero, is the sample rate of every inbound
	// audio frame regardless of the rate its MIME type declares.
	// Zero uses the provider's advertised output rate.
	WireOutputRate int

	// BlockSize is the outbound frame size in samples.
	// Defaults to [capture.BlockSize].
	BlockSize int

	// VolumeInterval is the input level sampling period.
	// Defaults to [volume.DefaultInterval].
	VolumeInterval time.Duration

	// ConnectTimeout bounds Connect. Zero means no timeout beyond the
	// caller's context.
	ConnectTimeout time.Duration

	// UnknownTools decides how calls to unregistered tools are answered.
	UnknownTools tools.UnknownPolicy
}

func (s *Settings) applyDefaults() {
	if s.CaptureRate <= 0 {
		s.CaptureRate = audio.CaptureRate
	}
	if s.OutputRate <= 0 {
		s.OutputRate = audio.PlaybackRate
	}
	if s.BlockSize <= 0 {
		s.BlockSize = capture.BlockSize
	}
	if s.VolumeInterval <= 0 {
		s.VolumeInterval = volume.DefaultInterval
	}
}

// Config holds the dependencies of a [Manager].
type Config struct {
	// Host opens audio devices. Required.
	Host audio.Host

	// Provider opens remote sessions. Required.
	Provider s2s.Provider

	// Tools is the registry whose declarations are sent at session open and
	// whose handlers serve tool calls. Required.
	Tools *tools.Registry

	// Settings are the initial per-session settings.
	Settings Settings

	// Metrics is the metrics sink. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now returns the wall clock used for instructions. Defaults to time.Now.
	Now func() time.Time

	// OnSessionEnd, if set, is called after every session that reached Open
	// has been fully torn down.
	OnSessionEnd func(EndInfo)
}

// Manager owns at most one [Session] and exposes its observable state.
//
// All exported methods are safe for concurrent use. Change callbacks must not
// call Connect or Disconnect.
type Manager struct {
	host     audio.Host
	provider s2s.Provider
	registry *tools.Registry
	metrics  *observe.Metrics
	now      func() time.Time
	onEnd    func(EndInfo)

	mu            sync.Mutex
	settings      Settings
	state         State
	snap          Snapshot
	current       *Session
	cancelAttempt context.CancelFunc
	idle          chan struct{} // closed on the next return to Idle
	onChange      func(Snapshot)

	// notifyMu serialises change callbacks so that observers see snapshots
	// in the order they were taken.
	notifyMu sync.Mutex
}

// NewManager validates cfg and returns an Idle Manager.
func NewManager(cfg Config) (*Manager, error) {
	var errs []error
	if cfg.Host == nil {
		errs = append(errs, errors.New("session: audio host is required"))
	}
	if cfg.Provider == nil {
		errs = append(errs, errors.New("session: provider is required"))
	}
	if cfg.Tools == nil {
		errs = append(errs, errors.New("session: tool registry is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	m := &Manager{
		host:     cfg.Host,
		provider: cfg.Provider,
		registry: cfg.Tools,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		onEnd:    cfg.OnSessionEnd,
		settings: cfg.Settings,
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.settings.applyDefaults()
	m.idle = make(chan struct{})
	close(m.idle)
	m.snap = Snapshot{State: Idle, Since: m.now()}
	return m, nil
}

// Snapshot returns the current observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers fn to receive every new snapshot. Only the last
// registered callback is kept; nil removes it. fn runs outside the manager's
// locks but must not call Connect or Disconnect.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// UpdateSettings replaces the per-session settings. The running session, if
// any, is unaffected.
func (m *Manager) UpdateSettings(s Settings) {
	s.applyDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
}

// Connect opens a session. It is a no-op returning nil unless the manager is
// Idle. It blocks until the session is Open or has failed; on failure every
// acquired resource has been released, the manager is Idle again, and the
// error is returned. Nothing is retried.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Idle {
		state := m.state
		m.mu.Unlock()
		slog.Debug("session: connect ignored", "state", state)
		return nil
	}
	settings := m.settings
	id := uuid.NewString()
	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if settings.ConnectTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, settings.ConnectTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	m.cancelAttempt = cancel
	m.idle = make(chan struct{})
	m.setStateLocked(Connecting, id)
	m.mu.Unlock()
	m.notify()

	ctx, span := observe.StartSpan(observe.WithSessionID(attemptCtx, id), "session.connect")
	defer span.End()
	log := observe.Logger(ctx)
	log.Info("session: connecting")

	start := time.Now()
	s, err := m.open(ctx, id, settings, log)
	if err == nil {
		m.mu.Lock()
		if attemptCtx.Err() == nil {
			m.current = s
			m.cancelAttempt = nil
			m.setStateLocked(Open, id)
			s.start(startConfig{
				blockSize:      settings.BlockSize,
				volumeInterval: settings.VolumeInterval,
				onVolume: func(level float64) {
					m.update(s, func(sn *Snapshot) { sn.InputVolume = level })
				},
			}, func(reason string, err error) {
				m.finish(s, reason, err)
			})
			m.mu.Unlock()
			cancel()
			m.notify()
			m.metrics.RecordConnect(ctx, "ok", time.Since(start))
			m.metrics.ActiveSessions.Add(ctx, 1)
			log.Info("session: open", "duration", time.Since(start))
			return nil
		}
		m.mu.Unlock()
		err = attemptCtx.Err()
		if terr := s.teardown(); terr != nil {
			log.Warn("session: teardown after cancelled connect", "err", terr)
		}
	}
	cancel()

	span.RecordError(err)
	m.metrics.RecordConnect(ctx, "error", time.Since(start))
	log.Warn("session: connect failed", "err", err)

	m.mu.Lock()
	m.cancelAttempt = nil
	m.toIdleLocked()
	m.mu.Unlock()
	m.notify()
	return fmt.Errorf("session: connect: %w", err)
}

// Disconnect ends the session, if any, and returns once the manager is Idle.
// It is safe to call in every state and more than once. A Connect in progress
// is cancelled and its partial resources are released.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	idle := m.idle
	switch m.state {
	case Idle:
		m.mu.Unlock()
		return nil

	case Connecting:
		if m.cancelAttempt != nil {
			m.cancelAttempt()
		}
		m.mu.Unlock()

	case Open:
		s := m.current
		m.setStateLocked(Closing, s.id)
		m.mu.Unlock()
		m.notify()
		s.requestStop()

	case Closing:
		m.mu.Unlock()
	}

	<-idle
	return nil
}

// open acquires every resource of a new session. On failure the partial
// session is torn down before returning.
func (m *Manager) open(ctx context.Context, id string, st Settings, log *slog.Logger) (*Session, error) {
	sctx, scancel := context.WithCancel(observe.WithSessionID(context.Background(), id))
	s := &Session{
		id:      id,
		log:     observe.Logger(sctx),
		metrics: m.metrics,
		ctx:     sctx,
		cancel:  scancel,
		ended:   newEndedQueue(),
		stop:    make(chan struct{}),
	}

	fail := func(err error) (*Session, error) {
		if terr := s.teardown(); terr != nil {
			log.Warn("session: teardown after failed connect", "err", terr)
		}
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		in, err := m.host.OpenInput(gctx, audio.Format{SampleRate: st.CaptureRate, Channels: 1})
		if err != nil {
			return fmt.Errorf("open input context: %w", err)
		}
		s.in = in
		return nil
	})
	g.Go(func() error {
		out, err := m.host.OpenOutput(gctx, audio.Format{SampleRate: st.OutputRate, Channels: 1})
		if err != nil {
			return fmt.Errorf("open output context: %w", err)
		}
		s.out = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	mic, err := s.in.OpenMicrophone(ctx)
	if err != nil {
		return fail(fmt.Errorf("open microphone: %w", err))
	}
	s.mic = mic

	caps := m.provider.Capabilities()
	handle, err := m.provider.Connect(ctx, s2s.SessionConfig{
		Voice:        st.Voice,
		Instructions: BuildInstructions(st.Instructions, m.now()),
		Tools:        m.registry.Definitions(),
	})
	if err != nil {
		return fail(fmt.Errorf("open remote session: %w", err))
	}
	s.handle = handle

	s.sink = newOutbound(handle)
	s.sched = playback.New(s.out,
		playback.WithDefaultRate(caps.OutputRate),
		playback.WithWireRate(st.WireOutputRate),
		playback.WithEndedNotifier(s.ended.push),
		playback.WithTalkingObserver(func(talking bool) {
			m.update(s, func(sn *Snapshot) { sn.Talking = talking })
		}),
		playback.WithMetrics(m.metrics),
	)
	s.disp = tools.NewDispatcher(m.registry,
		tools.WithUnknownPolicy(st.UnknownTools),
		tools.WithMetrics(m.metrics),
	)
	return s, nil
}

// finish runs on the session's loop goroutine after the loop has exited.
func (m *Manager) finish(s *Session, reason string, cause error) {
	m.mu.Lock()
	if m.state == Open {
		m.setStateLocked(Closing, s.id)
	}
	m.mu.Unlock()
	m.notify()

	log := s.log.With("reason", reason)
	if cause != nil {
		log.Warn("session: peer error", "err", cause)
	}
	if err := s.teardown(); err != nil {
		log.Warn("session: teardown", "err", err)
	}

	ctx := context.Background()
	dur := time.Since(s.openedAt)
	m.metrics.RecordSessionEnd(ctx, reason)
	m.metrics.ActiveSessions.Add(ctx, -1)
	log.Info("session: closed", "duration", dur)

	m.mu.Lock()
	m.current = nil
	m.toIdleLocked()
	onEnd := m.onEnd
	m.mu.Unlock()
	m.notify()

	if onEnd != nil {
		onEnd(EndInfo{SessionID: s.id, Reason: reason, Err: cause, Duration: dur})
	}
}

// update applies fn to the snapshot if s is still the current session.
func (m *Manager) update(s *Session, fn func(*Snapshot)) {
	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return
	}
	prev := m.snap
	fn(&m.snap)
	changed := m.snap != prev
	m.mu.Unlock()
	if changed {
		m.notify()
	}
}

func (m *Manager) setStateLocked(st State, id string) {
	m.state = st
	m.snap.State = st
	m.snap.Connected = st == Open
	m.snap.SessionID = id
	m.snap.Since = m.now()
}

// toIdleLocked clears every observable flag and wakes Disconnect waiters.
func (m *Manager) toIdleLocked() {
	m.state = Idle
	m.snap = Snapshot{State: Idle, Since: m.now()}
	select {
	case <-m.idle:
	default:
		close(m.idle)
	}
}

func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	fn := m.onChange
	snap := m.snap
	m.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}
