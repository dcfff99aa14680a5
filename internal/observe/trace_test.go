package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_CorrelationIDIsTraceID(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "session.connect")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Fatalf("correlation ID = %q, want 32 hex chars", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.connect" {
		t.Fatalf("spans = %+v", spans)
	}
	if got := spans[0].SpanContext.TraceID().String(); got != cid {
		t.Errorf("trace id = %s, want %s", got, cid)
	}
}

func TestStartSpan_TagsSessionID(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithSessionID(context.Background(), "sess-1")
	_, span := StartSpan(ctx, "tool.dispatch")
	span.End()

	var got string
	for _, a := range exp.GetSpans()[0].Attributes {
		if a.Key == "session.id" {
			got = a.Value.AsString()
		}
	}
	if got != "sess-1" {
		t.Errorf("session.id attribute = %q, want sess-1", got)
	}
}

func TestSessionID_RoundTripAndDefault(t *testing.T) {
	t.Parallel()
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	ctx := WithSessionID(context.Background(), "abc")
	if got := SessionID(ctx); got != "abc" {
		t.Errorf("SessionID = %q, want abc", got)
	}
	// Survives derived contexts.
	child, cancel := context.WithCancel(ctx)
	defer cancel()
	if got := SessionID(child); got != "abc" {
		t.Errorf("SessionID(child) = %q, want abc", got)
	}
}

func TestLogger_IncludesSessionAndTrace(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(WithSessionID(context.Background(), "sess-9"), "log-test")
	defer span.End()
	Logger(ctx).Info("task created")

	out := buf.String()
	for _, want := range []string{"session_id=sess-9", "trace_id=", "span_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestLogger_Plain(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("idle")

	out := buf.String()
	for _, unwanted := range []string{"session_id", "trace_id"} {
		if strings.Contains(out, unwanted) {
			t.Errorf("log output should not contain %q: %s", unwanted, out)
		}
	}
}
