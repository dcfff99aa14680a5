package config

import "fmt"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart and is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any field that applies on the next Connect
	// changed: instructions, voice, tool policy, timeouts, rates, block size,
	// or the volume interval.
	SessionChanged bool

	// RestartRequired lists top-level sections whose changes are ignored
	// until the process restarts.
	RestartRequired []string
}

// Changed reports whether the diff holds any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session ||
		old.Volume != new.Volume ||
		old.Provider.Voice != new.Provider.Voice ||
		old.Audio.CaptureRate != new.Audio.CaptureRate ||
		old.Audio.PlaybackRate != new.Audio.PlaybackRate ||
		old.Audio.WireOutputRate != new.Audio.WireOutputRate ||
		old.Audio.BlockSize != new.Audio.BlockSize {
		d.SessionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Provider.Name != new.Provider.Name ||
		old.Provider.APIKey != new.Provider.APIKey ||
		old.Provider.BaseURL != new.Provider.BaseURL ||
		old.Provider.Model != new.Provider.Model ||
		!sameOptions(old.Provider.Options, new.Provider.Options) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio.Host != new.Audio.Host || !sameOptions(old.Audio.Options, new.Audio.Options) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Tasks != new.Tasks {
		d.RestartRequired = append(d.RestartRequired, "tasks")
	}
	if old.Bus != new.Bus {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameOptions compares option maps by their printed values, which is enough
// for the scalar values YAML produces.
func sameOptions(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || fmt.Sprint(va) != fmt.Sprint(vb) {
			return false
		}
	}
	return true
}
