// Package app wires all voxtask subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is cancelled, and
// Shutdown closes the live session and tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithTaskStore, WithPublisher, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxtask/internal/api"
	"github.com/MrWong99/voxtask/internal/config"
	"github.com/MrWong99/voxtask/internal/health"
	"github.com/MrWong99/voxtask/internal/observe"
	"github.com/MrWong99/voxtask/internal/session"
	"github.com/MrWong99/voxtask/internal/taskbus"
	"github.com/MrWong99/voxtask/internal/taskstore"
	"github.com/MrWong99/voxtask/internal/taskstore/postgres"
	"github.com/MrWong99/voxtask/internal/taskstore/sqlite"
	"github.com/MrWong99/voxtask/internal/tools"
	"github.com/MrWong99/voxtask/internal/tools/createtask"
	"github.com/MrWong99/voxtask/pkg/audio"
	"github.com/MrWong99/voxtask/pkg/provider/s2s"
)

// Providers holds the external backends. Populated by main.go via the config
// registry.
type Providers struct {
	S2S   s2s.Provider
	Audio audio.Host
}

// Publisher announces created tasks to other services. [*taskbus.Client]
// implements it.
type Publisher interface {
	Publish(ctx context.Context, r taskstore.Record) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	now       func() time.Time

	// Subsystems, initialised in New and torn down in Shutdown.
	store   taskstore.Store
	bus     Publisher
	tools   *tools.Registry
	manager *session.Manager
	hub     *api.Hub
	health  *health.Handler
	handler http.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTaskStore injects a task store instead of creating one from config.
// The App takes ownership and closes it on Shutdown.
func WithTaskStore(s taskstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects a task publisher instead of connecting to NATS.
func WithPublisher(p Publisher) Option {
	return func(a *App) { a.bus = p }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock overrides the wall clock used for task timestamps and the
// date line of the agent instructions.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: task store connection, NATS
// connection, tool registration, session manager construction, and HTTP
// routing. On error, everything already opened is closed again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil || providers.Audio == nil {
		return nil, errors.New("app: speech provider and audio host are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.health = health.New()

	fail := func(stage string, err error) (*App, error) {
		a.runClosers()
		return nil, fmt.Errorf("app: init %s: %w", stage, err)
	}

	// ── 1. Task store ────────────────────────────────────────────────────
	if err := a.initTaskStore(ctx); err != nil {
		return fail("task store", err)
	}

	// ── 2. Task bus ──────────────────────────────────────────────────────
	if err := a.initBus(ctx); err != nil {
		return fail("task bus", err)
	}

	// ── 3. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(); err != nil {
		return fail("tools", err)
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		return fail("session", err)
	}

	// ── 5. HTTP routing ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTaskStore opens the configured task backend unless one was injected.
func (a *App) initTaskStore(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Tasks.Store {
		case config.StoreSQLite:
			s, err := sqlite.Open(ctx, a.cfg.Tasks.Path)
			if err != nil {
				return err
			}
			a.store = s
		case config.StorePostgres:
			s, err := postgres.NewStore(ctx, a.cfg.Tasks.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
		default:
			a.store = taskstore.NewMemory()
		}
		slog.Info("task store ready", "backend", a.cfg.Tasks.Store)
	}
	a.closers = append(a.closers, a.store.Close)

	a.health.Add(health.Checker{Name: "task_store", Check: func(ctx context.Context) error {
		_, err := a.store.List(ctx, 1)
		return err
	}})
	return nil
}

// initBus connects to NATS when configured and no publisher was injected.
func (a *App) initBus(ctx context.Context) error {
	if a.bus != nil || a.cfg.Bus.NATSURL == "" {
		return nil
	}
	client, err := taskbus.Connect(ctx, taskbus.Config{
		Servers: splitServers(a.cfg.Bus.NATSURL),
		Subject: a.cfg.Bus.Subject,
	}, slog.Default())
	if err != nil {
		return err
	}
	a.bus = client
	a.closers = append(a.closers, func() error {
		client.Close()
		return nil
	})
	a.health.Add(health.Checker{Name: "task_bus", Check: client.Check})
	return nil
}

// initTools registers the createTask tool backed by the task store.
func (a *App) initTools() error {
	a.tools = tools.NewRegistry()
	return createtask.Register(a.tools, a.recordTask)
}

// initSession builds the session manager and connects its snapshots to the
// event hub.
func (a *App) initSession() error {
	mgr, err := session.NewManager(session.Config{
		Host:         a.providers.Audio,
		Provider:     a.providers.S2S,
		Tools:        a.tools,
		Settings:     SettingsFromConfig(a.cfg),
		Metrics:      a.metrics,
		Now:          a.now,
		OnSessionEnd: logSessionEnd,
	})
	if err != nil {
		return err
	}
	a.manager = mgr
	a.hub = api.NewHub()
	mgr.OnChange(a.hub.Publish)

	if c, ok := a.providers.Audio.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return nil
}

// initHTTP assembles the API, health, and metrics routes behind the
// observability middleware.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	api.New(a.manager, a.store, a.hub,
		api.WithConnectTimeout(a.cfg.Session.ConnectTimeout),
	).Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Task callback ───────────────────────────────────────────────────────────

// recordTask is the createTask callback: it persists the task and announces
// it on the bus. A publish failure is logged; the task is already stored.
func (a *App) recordTask(ctx context.Context, t createtask.Task) error {
	rec := taskstore.NewRecord(session.IDFromContext(ctx), t, a.now())
	if err := a.store.Add(ctx, rec); err != nil {
		a.metrics.RecordTaskCreated(ctx, "error")
		return fmt.Errorf("store task: %w", err)
	}
	a.metrics.RecordTaskCreated(ctx, "ok")

	if a.bus != nil {
		if err := a.bus.Publish(ctx, rec); err != nil {
			observe.Logger(ctx).Warn("task publish failed", "task_id", rec.ID, "err", err)
		}
	}

	observe.Logger(ctx).Info("task created",
		"task_id", rec.ID,
		"session_id", rec.SessionID,
		"title", rec.Title,
		"date", rec.Date,
		"time", rec.Time,
		"priority", rec.Priority,
	)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address and blocks until ctx is
// cancelled. With session.auto_connect set it also opens a session right
// away; a failed auto-connect is logged and the service keeps running.
//
// When ctx is done, Run stops the server and returns context.Canceled (or the
// underlying cause).
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.cfg.Session.AutoConnect {
		g.Go(func() error {
			if err := a.manager.Connect(gctx); err != nil {
				slog.Warn("auto-connect failed", "err", err)
			}
			return nil
		})
	}

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "auto_connect", a.cfg.Session.AutoConnect)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Handler returns the HTTP handler serving every route. Exposed for tests
// and for embedding the API in another server.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Health returns the health handler so callers can add further checks.
func (a *App) Health() *health.Handler { return a.health }

// ApplyConfig applies the hot-reloadable parts of a new configuration. Session
// settings take effect on the next Connect.
func (a *App) ApplyConfig(cfg *config.Config, d config.ConfigDiff) {
	if d.SessionChanged {
		a.manager.UpdateSettings(SettingsFromConfig(cfg))
		slog.Info("session settings updated; effective on next connect")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes any live session and then tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires before
// the session is closed or all closers finish, remaining work is skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := a.manager.Disconnect(); err != nil {
				slog.Warn("session disconnect error", "err", err)
			}
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while closing session")
			shutdownErr = ctx.Err()
			return
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases whatever New opened before it failed.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SettingsFromConfig derives the per-session settings from cfg.
func SettingsFromConfig(cfg *config.Config) session.Settings {
	policy, err := tools.ParseUnknownPolicy(cfg.Session.UnknownToolPolicy)
	if err != nil {
		slog.Warn("invalid unknown tool policy, using ignore", "err", err)
	}
	return session.Settings{
		Instructions:   cfg.Session.Instructions,
		Voice:          cfg.Provider.Voice,
		CaptureRate:    cfg.Audio.CaptureRate,
		OutputRate:     cfg.Audio.PlaybackRate,
		WireOutputRate: cfg.Audio.WireOutputRate,
		BlockSize:      cfg.Audio.BlockSize,
		VolumeInterval: cfg.Volume.Interval,
		ConnectTimeout: cfg.Session.ConnectTimeout,
		UnknownTools:   policy,
	}
}

func logSessionEnd(info session.EndInfo) {
	attrs := []any{
		"session_id", info.SessionID,
		"reason", info.Reason,
		"duration", info.Duration,
	}
	if info.Err != nil {
		slog.Warn("session ended", append(attrs, "err", info.Err)...)
		return
	}
	slog.Info("session ended", attrs...)
}

// splitServers turns a comma-separated server list into URLs.
func splitServers(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
