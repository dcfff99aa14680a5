package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxtask/internal/observe"
	"github.com/MrWong99/voxtask/pkg/provider/s2s"
)

// ResultSink delivers tool results to the peer.
type ResultSink interface {
	SendToolResult(result s2s.ToolResult) error
}

// Result status values placed under the "status" key of every result.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// UnknownPolicy decides what happens to calls naming an unregistered tool.
type UnknownPolicy int

const (
	// UnknownIgnore logs the call and sends nothing back.
	UnknownIgnore UnknownPolicy = iota

	// UnknownRespond sends an error-tagged result so the peer can continue
	// its turn.
	UnknownRespond
)

// String returns the configuration spelling of the policy.
func (p UnknownPolicy) String() string {
	switch p {
	case UnknownIgnore:
		return "ignore"
	case UnknownRespond:
		return "respond"
	default:
		return fmt.Sprintf("UnknownPolicy(%d)", int(p))
	}
}

// ParseUnknownPolicy parses "ignore" or "respond". The empty string selects
// [UnknownIgnore].
func ParseUnknownPolicy(s string) (UnknownPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ignore":
		return UnknownIgnore, nil
	case "respond":
		return UnknownRespond, nil
	default:
		return UnknownIgnore, fmt.Errorf("tools: unknown tool policy %q (want ignore or respond)", s)
	}
}

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithUnknownPolicy sets the policy for unregistered tool names. Defaults to
// [UnknownIgnore].
func WithUnknownPolicy(p UnknownPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.unknown = p
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher resolves tool calls against a [Registry].
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	reg     *Registry
	unknown UnknownPolicy
	metrics *observe.Metrics
}

// NewDispatcher creates a Dispatcher over reg.
func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{reg: reg}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Dispatch resolves one call. For a registered tool the handler runs
// synchronously and exactly one result correlated by call.ID is sent to sink,
// whether the handler succeeded, failed, or panicked. Unregistered tools are
// handled according to the [UnknownPolicy].
//
// The returned error reports what went wrong (an unknown tool, a handler
// failure, or a failed send); it is informational since the result, if any,
// has already been sent.
func (d *Dispatcher) Dispatch(ctx context.Context, call s2s.ToolCall, sink ResultSink) error {
	ctx, span := observe.StartSpan(ctx, "tools.dispatch",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
		),
	)
	defer span.End()
	log := observe.Logger(ctx).With("tool", call.Name, "call_id", call.ID)

	tool, ok := d.reg.Lookup(call.Name)
	if !ok {
		d.metrics.RecordToolCall(ctx, call.Name, "unknown")
		err := fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
		span.SetStatus(codes.Error, "unknown tool")
		if d.unknown == UnknownIgnore {
			log.Warn("tools: ignoring call to unknown tool")
			return err
		}
		log.Warn("tools: rejecting call to unknown tool")
		if sendErr := d.send(sink, call, errorResponse(err)); sendErr != nil {
			return errors.Join(err, sendErr)
		}
		return err
	}

	start := time.Now()
	resp, callErr := invoke(ctx, tool, call)
	d.metrics.RecordToolDuration(ctx, call.Name, time.Since(start))

	var body map[string]any
	if callErr != nil {
		d.metrics.RecordToolCall(ctx, call.Name, StatusError)
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
		log.Warn("tools: handler failed", "err", callErr)
		body = errorResponse(callErr)
	} else {
		d.metrics.RecordToolCall(ctx, call.Name, StatusOK)
		log.Debug("tools: handler succeeded", "duration", time.Since(start))
		body = okResponse(resp)
	}

	if sendErr := d.send(sink, call, body); sendErr != nil {
		log.Warn("tools: failed to send result", "err", sendErr)
		return errors.Join(callErr, sendErr)
	}
	return callErr
}

func (d *Dispatcher) send(sink ResultSink, call s2s.ToolCall, body map[string]any) error {
	err := sink.SendToolResult(s2s.ToolResult{ID: call.ID, Name: call.Name, Response: body})
	if err != nil {
		return fmt.Errorf("tools: send result for %q: %w", call.ID, err)
	}
	return nil
}

// invoke runs the handler and converts a panic into an error.
func invoke(ctx context.Context, tool Tool, call s2s.ToolCall) (resp map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tools: %s panicked: %v", call.Name, r)
		}
	}()
	return tool.Invoke(ctx, call.Args)
}

func okResponse(resp map[string]any) map[string]any {
	body := make(map[string]any, len(resp)+1)
	for k, v := range resp {
		body[k] = v
	}
	body["status"] = StatusOK
	return body
}

func errorResponse(err error) map[string]any {
	return map[string]any{
		"status": StatusError,
		"error":  err.Error(),
	}
}
