// Command voxtask is the main entry point for the voxtask voice session service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxtask/internal/app"
	"github.com/MrWong99/voxtask/internal/config"
	"github.com/MrWong99/voxtask/internal/observe"
	"github.com/MrWong99/voxtask/pkg/audio"
	"github.com/MrWong99/voxtask/pkg/audio/malgo"
	"github.com/MrWong99/voxtask/pkg/audio/virtual"
	"github.com/MrWong99/voxtask/pkg/provider/s2s"
	geminilive "github.com/MrWong99/voxtask/pkg/provider/s2s/gemini"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxtask: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxtask: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxtask starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		if c, ok := providers.Audio.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(_, newCfg *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			application.ApplyConfig(newCfg, d)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the built-in provider and audio host factories into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if optBool(entry.Options, "transcription") {
			opts = append(opts, geminilive.WithTranscription(true))
		}
		if d := optDuration(entry.Options, "keepalive"); d != 0 {
			opts = append(opts, geminilive.WithKeepalive(d))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterAudio("malgo", func(cfg config.AudioConfig) (audio.Host, error) {
		var opts []malgo.Option
		if n := optInt(cfg.Options, "period_frames"); n > 0 {
			opts = append(opts, malgo.WithPeriodFrames(uint32(n)))
		}
		if n := optInt(cfg.Options, "mic_buffer"); n > 0 {
			opts = append(opts, malgo.WithMicBuffer(n))
		}
		return malgo.New(opts...)
	})

	reg.RegisterAudio("virtual", func(cfg config.AudioConfig) (audio.Host, error) {
		var opts []virtual.Option
		if d := optDuration(cfg.Options, "period"); d > 0 {
			opts = append(opts, virtual.WithPeriod(d))
		}
		switch src := optString(cfg.Options, "source"); src {
		case "", "silence":
		case "tone":
			opts = append(opts, virtual.WithSource(virtual.Tone(440, 0.2, cfg.CaptureRate)))
		default:
			return nil, fmt.Errorf("virtual audio: unknown source %q (want silence or tone)", src)
		}
		return virtual.New(opts...), nil
	})

	for _, kind := range []string{"s2s", "audio"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the configured provider and audio host.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	provider, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.Provider.Name, err)
	}
	host, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio host %q: %w", cfg.Audio.Host, err)
	}
	return &app.Providers{S2S: provider, Audio: host}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxtask: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name, cfg.Provider.Model)
	printRow("Audio host", cfg.Audio.Host, "")
	printRow("Task store", string(cfg.Tasks.Store), "")
	if cfg.Bus.NATSURL != "" {
		printRow("Task bus", "nats", cfg.Bus.Subject)
	} else {
		printRow("Task bus", "", "")
	}
	printRow("Auto-connect", fmt.Sprint(cfg.Session.AutoConnect), "")
	printRow("Listen addr", cfg.Server.ListenAddr, "")
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from an Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optBool extracts a boolean option. Absent or non-boolean values are false.
func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optInt extracts an integer option. YAML decodes plain numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optDuration parses a duration option such as "20ms". Invalid values are
// logged and treated as unset.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
