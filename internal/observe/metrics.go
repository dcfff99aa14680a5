// Package observe provides application-wide observability primitives for
// voxtask: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxtask metrics.
const meterName = "github.com/MrWong99/voxtask"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long session establishment takes, from the
	// Connect call until the session is open or has failed. Use with attribute:
	//   attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// ToolDuration tracks tool handler execution latency. Use with attribute:
	//   attribute.String("tool", ...)
	ToolDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureFrames counts outbound audio frames. Use with attribute:
	//   attribute.String("status", "sent"|"rejected"|"error"|"dropped")
	CaptureFrames metric.Int64Counter

	// PlaybackFrames counts inbound audio frames. Use with attribute:
	//   attribute.String("status", "scheduled"|"decode_error"|"play_error")
	PlaybackFrames metric.Int64Counter

	// DecodeErrors counts inbound frames dropped because they could not be
	// decoded.
	DecodeErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// PeerMessages counts inbound peer messages. Use with attribute:
	//   attribute.String("kind", ...)
	PeerMessages metric.Int64Counter

	// SessionEnds counts session teardowns. Use with attribute:
	//   attribute.String("reason", "disconnect"|"peer_closed"|"peer_error"|"capture_lost")
	SessionEnds metric.Int64Counter

	// TasksCreated counts tasks accepted by the task callback. Use with attribute:
	//   attribute.String("status", ...)
	TasksCreated metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open voice sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSounds tracks the number of scheduled, not yet finished buffers.
	ActiveSounds metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voxtask.session.connect.duration",
		metric.WithDescription("Latency of voice session establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("voxtask.tool.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("voxtask.capture.frames",
		metric.WithDescription("Total outbound audio frames by status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFrames, err = m.Int64Counter("voxtask.playback.frames",
		metric.WithDescription("Total inbound audio frames by status."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voxtask.playback.decode_errors",
		metric.WithDescription("Total inbound audio frames dropped on decode failure."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxtask.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.PeerMessages, err = m.Int64Counter("voxtask.peer.messages",
		metric.WithDescription("Total inbound peer messages by kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionEnds, err = m.Int64Counter("voxtask.session.ends",
		metric.WithDescription("Total session teardowns by reason."),
	); err != nil {
		return nil, err
	}
	if met.TasksCreated, err = m.Int64Counter("voxtask.tasks.created",
		metric.WithDescription("Total tasks handed to the task callback by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxtask.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxtask.active_sessions",
		metric.WithDescription("Number of open voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSounds, err = m.Int64UpDownCounter("voxtask.playback.active_sounds",
		metric.WithDescription("Number of scheduled audio buffers that have not finished."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxtask.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records the outcome and latency of a session connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, status string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordCaptureFrame records an outbound frame with the given status.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, status string) {
	m.CaptureFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordPlaybackFrame records an inbound frame with the given status.
// Frames with status "decode_error" also increment [Metrics.DecodeErrors].
func (m *Metrics) RecordPlaybackFrame(ctx context.Context, status string) {
	m.PlaybackFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	if status == "decode_error" {
		m.DecodeErrors.Add(ctx, 1)
	}
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordToolDuration records the execution time of a tool handler.
func (m *Metrics) RecordToolDuration(ctx context.Context, tool string, d time.Duration) {
	m.ToolDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordPeerMessage records an inbound peer message of the given kind.
func (m *Metrics) RecordPeerMessage(ctx context.Context, kind string) {
	m.PeerMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordSessionEnd records a session teardown with the given reason.
func (m *Metrics) RecordSessionEnd(ctx context.Context, reason string) {
	m.SessionEnds.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTaskCreated records a task handed to the task callback.
func (m *Metrics) RecordTaskCreated(ctx context.Context, status string) {
	m.TasksCreated.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
