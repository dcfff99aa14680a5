package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxtask/internal/tools"
)

// EnvAPIKey is consulted when provider.api_key is empty.
const EnvAPIKey = "VOXTASK_API_KEY"

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultProvider       = "gemini-live"
	DefaultAudioHost      = "malgo"
	DefaultCaptureRate    = 16000
	DefaultPlaybackRate   = 24000
	DefaultBlockSize      = 4096
	DefaultConnectTimeout = 30 * time.Second
	DefaultVolumeInterval = 50 * time.Millisecond
	DefaultSubject        = "voxtask.tasks.created"
)

// ValidProviderNames lists known implementation names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"provider": {"gemini-live"},
	"audio":    {"malgo", "virtual"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// environment override, and validates the result. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv(EnvAPIKey)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Audio.Host == "" {
		cfg.Audio.Host = DefaultAudioHost
	}
	if cfg.Audio.CaptureRate == 0 {
		cfg.Audio.CaptureRate = DefaultCaptureRate
	}
	if cfg.Audio.PlaybackRate == 0 {
		cfg.Audio.PlaybackRate = DefaultPlaybackRate
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = DefaultBlockSize
	}
	if cfg.Session.ConnectTimeout == 0 {
		cfg.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Volume.Interval == 0 {
		cfg.Volume.Interval = DefaultVolumeInterval
	}
	if cfg.Tasks.Store == "" {
		cfg.Tasks.Store = StoreMemory
	}
	if cfg.Bus.Subject == "" {
		cfg.Bus.Subject = DefaultSubject
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "voxtask"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	}
	validateProviderName("provider", cfg.Provider.Name)
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty and " + EnvAPIKey + " is not set; connecting will fail")
	}

	// Audio
	validateProviderName("audio", cfg.Audio.Host)
	if cfg.Audio.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must be positive", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must be positive", cfg.Audio.PlaybackRate))
	}
	if cfg.Audio.WireOutputRate < 0 {
		errs = append(errs, fmt.Errorf("audio.wire_output_rate %d must not be negative", cfg.Audio.WireOutputRate))
	}
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	}

	// Session
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}
	if _, err := tools.ParseUnknownPolicy(cfg.Session.UnknownToolPolicy); err != nil {
		errs = append(errs, fmt.Errorf("session.unknown_tool_policy: %w", err))
	}

	// Volume
	if cfg.Volume.Interval < 0 {
		errs = append(errs, fmt.Errorf("volume.interval %s must not be negative", cfg.Volume.Interval))
	}

	// Tasks
	if cfg.Tasks.Store != "" && !cfg.Tasks.Store.IsValid() {
		errs = append(errs, fmt.Errorf("tasks.store %q is invalid; valid values: memory, sqlite, postgres", cfg.Tasks.Store))
	}
	if cfg.Tasks.Store == StoreSQLite && cfg.Tasks.Path == "" {
		errs = append(errs, errors.New("tasks.path is required when store is sqlite"))
	}
	if cfg.Tasks.Store == StorePostgres && cfg.Tasks.PostgresDSN == "" {
		errs = append(errs, errors.New("tasks.postgres_dsn is required when store is postgres"))
	}

	// Bus
	if cfg.Bus.NATSURL == "" && cfg.Bus.Subject != "" && cfg.Bus.Subject != DefaultSubject {
		slog.Warn("bus.subject is set but bus.nats_url is empty; task events will not be published")
	}

	// Telemetry
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v must be within [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown implementation name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
