package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup creates both metrics and tracing infrastructure for middleware tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

// routedHandler wraps a mux serving GET /v1/tasks/{id} with the middleware.
func routedHandler(m *Metrics, status int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tasks/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
	return Middleware(m)(mux)
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	var capturedCID string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/session", nil))

	if len(capturedCID) != 32 {
		t.Fatalf("correlation ID = %q, want 32 hex chars", capturedCID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != capturedCID {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, capturedCID)
	}
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	m, _, exp := testSetup(t)

	rec := httptest.NewRecorder()
	routedHandler(m, http.StatusOK).ServeHTTP(rec, httptest.NewRequest("GET", "/v1/tasks/abc", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if want := "HTTP GET /v1/tasks/{id}"; spans[0].Name != want {
		t.Errorf("span name = %q, want %q", spans[0].Name, want)
	}
	var route string
	for _, a := range spans[0].Attributes {
		if a.Key == "http.route" {
			route = a.Value.AsString()
		}
	}
	if route != "GET /v1/tasks/{id}" {
		t.Errorf("http.route = %q", route)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	m, reader, _ := testSetup(t)
	handler := routedHandler(m, http.StatusOK)

	for _, id := range []string{"a", "b", "c"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/tasks/"+id, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxtask.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1 (ids must not split the series)", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("sample count = %d, want 3", dp.Count)
	}
	if v, ok := dp.Attributes.Value(attribute.Key("route")); !ok || v.AsString() != "GET /v1/tasks/{id}" {
		t.Errorf("route attribute = %v", v.AsString())
	}
	if v, ok := dp.Attributes.Value(attribute.Key("status")); !ok || v.AsInt64() != 200 {
		t.Errorf("status attribute = %v", v.AsInt64())
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	m, reader, _ := testSetup(t)

	rec := httptest.NewRecorder()
	routedHandler(m, http.StatusOK).ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	hist := findMetric(rm, "voxtask.http.request.duration").Data.(metricdata.Histogram[float64])
	if v, _ := hist.DataPoints[0].Attributes.Value(attribute.Key("route")); v.AsString() != unmatchedRoute {
		t.Errorf("route = %q, want %q", v.AsString(), unmatchedRoute)
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	tests := []struct {
		status    int
		wantError bool
	}{
		{http.StatusOK, false},
		{http.StatusNotFound, false},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			m, _, exp := testSetup(t)
			routedHandler(m, tt.status).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/tasks/x", nil))

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d", len(spans))
			}
			if got := spans[0].Status.Code == codes.Error; got != tt.wantError {
				t.Errorf("span error = %v, want %v", got, tt.wantError)
			}
			var code int64
			for _, a := range spans[0].Attributes {
				if a.Key == "http.response.status_code" {
					code = a.Value.AsInt64()
				}
			}
			if code != int64(tt.status) {
				t.Errorf("status attribute = %d, want %d", code, tt.status)
			}
		})
	}
}

func TestMiddleware_FirstStatusWins(t *testing.T) {
	m, _, exp := testSetup(t)
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
		w.WriteHeader(http.StatusInternalServerError) // superfluous, ignored by net/http
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	for _, a := range exp.GetSpans()[0].Attributes {
		if a.Key == "http.response.status_code" && a.Value.AsInt64() != 200 {
			t.Errorf("status = %d, want 200", a.Value.AsInt64())
		}
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	m, _, _ := testSetup(t)

	var capturedCID string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCID = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/v1/session", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	const want = "4bf92f3577b34da6a3ce929d0e0e4736"
	if capturedCID != want {
		t.Errorf("correlation ID = %q, want %q", capturedCID, want)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != want {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, want)
	}
}

func TestMiddleware_UnwrapExposesWriter(t *testing.T) {
	m, _, _ := testSetup(t)

	var unwrapped http.ResponseWriter
	rec := httptest.NewRecorder()
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			t.Fatal("wrapped writer does not implement Unwrap")
		}
		unwrapped = u.Unwrap()
	}))
	req := httptest.NewRequest("GET", "/v1/session/events", nil)
	req.Header.Set("Upgrade", "websocket")
	handler.ServeHTTP(rec, req)

	if unwrapped != rec {
		t.Error("Unwrap did not return the original writer")
	}
}

func TestIsProbe(t *testing.T) {
	t.Parallel()
	for path, want := range map[string]bool{
		"/healthz":  true,
		"/readyz":   true,
		"/metrics":  true,
		"/v1/tasks": false,
		"/":         false,
	} {
		if got := isProbe(path); got != want {
			t.Errorf("isProbe(%q) = %v, want %v", path, got, want)
		}
	}
}
