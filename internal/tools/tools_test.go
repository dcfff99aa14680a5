package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/voxtask/internal/tools"
	"github.com/MrWong99/voxtask/pkg/provider/s2s"
)

// recordingSink captures every tool result it receives.
type recordingSink struct {
	mu      sync.Mutex
	results []s2s.ToolResult
	err     error
}

func (s *recordingSink) SendToolResult(r s2s.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return s.err
}

func (s *recordingSink) Results() []s2s.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]s2s.ToolResult(nil), s.results...)
}

type echoArgs struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	err := tools.Register(reg, s2s.ToolDefinition{Name: "echo", Description: "echo text"},
		func(_ context.Context, a echoArgs) (map[string]any, error) {
			return map[string]any{"text": a.Text, "count": a.Count}, nil
		})
	if err != nil {
		t.Fatalf("Register echo: %v", err)
	}
	err = reg.Add(tools.Tool{
		Definition: s2s.ToolDefinition{Name: "fail"},
		Invoke: func(context.Context, json.RawMessage) (map[string]any, error) {
			return nil, errors.New("backend down")
		},
	})
	if err != nil {
		t.Fatalf("Add fail: %v", err)
	}
	err = reg.Add(tools.Tool{
		Definition: s2s.ToolDefinition{Name: "panic"},
		Invoke: func(context.Context, json.RawMessage) (map[string]any, error) {
			panic("boom")
		},
	})
	if err != nil {
		t.Fatalf("Add panic: %v", err)
	}
	return reg
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_DuplicateRejected(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	err := reg.Add(tools.Tool{
		Definition: s2s.ToolDefinition{Name: "echo"},
		Invoke:     func(context.Context, json.RawMessage) (map[string]any, error) { return nil, nil },
	})
	if !errors.Is(err, tools.ErrDuplicateTool) {
		t.Fatalf("err = %v, want ErrDuplicateTool", err)
	}
}

func TestRegistry_InvalidTools(t *testing.T) {
	t.Parallel()
	reg := tools.NewRegistry()
	if err := reg.Add(tools.Tool{Invoke: func(context.Context, json.RawMessage) (map[string]any, error) { return nil, nil }}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := reg.Add(tools.Tool{Definition: s2s.ToolDefinition{Name: "x"}}); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestRegistry_DefinitionsInRegistrationOrder(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	defs := reg.Definitions()
	want := []string{"echo", "fail", "panic"}
	if len(defs) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(want))
	}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("defs[%d] = %q, want %q", i, d.Name, want[i])
		}
	}
	if names := reg.Names(); strings.Join(names, ",") != "echo,fail,panic" {
		t.Errorf("Names = %v", names)
	}
	if _, ok := reg.Lookup("echo"); !ok {
		t.Error("Lookup(echo) not found")
	}
	if _, ok := reg.Lookup("nope"); ok {
		t.Error("Lookup(nope) found")
	}
}

// ── Dispatcher ───────────────────────────────────────────────────────────────

func TestDispatch_Success(t *testing.T) {
	t.Parallel()
	d := tools.NewDispatcher(newRegistry(t))
	sink := &recordingSink{}

	err := d.Dispatch(context.Background(), s2s.ToolCall{
		ID:   "c1",
		Name: "echo",
		Args: json.RawMessage(`{"text":"hi","count":2}`),
	}, sink)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	results := sink.Results()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.ID != "c1" || r.Name != "echo" {
		t.Errorf("result id/name = %q/%q, want c1/echo", r.ID, r.Name)
	}
	if r.Response["status"] != tools.StatusOK {
		t.Errorf("status = %v, want ok", r.Response["status"])
	}
	if r.Response["text"] != "hi" || r.Response["count"] != 2 {
		t.Errorf("response = %v", r.Response)
	}
}

func TestDispatch_FailuresStillRespond(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		call    s2s.ToolCall
		errPart string
	}{
		{
			name:    "handler error",
			call:    s2s.ToolCall{ID: "a", Name: "fail", Args: json.RawMessage(`{}`)},
			errPart: "backend down",
		},
		{
			name:    "handler panic",
			call:    s2s.ToolCall{ID: "b", Name: "panic", Args: json.RawMessage(`{}`)},
			errPart: "panicked: boom",
		},
		{
			name:    "bad argument shape",
			call:    s2s.ToolCall{ID: "c", Name: "echo", Args: json.RawMessage(`{"count":"two"}`)},
			errPart: "invalid arguments",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := tools.NewDispatcher(newRegistry(t))
			sink := &recordingSink{}

			err := d.Dispatch(context.Background(), tc.call, sink)
			if err == nil || !strings.Contains(err.Error(), tc.errPart) {
				t.Errorf("err = %v, want containing %q", err, tc.errPart)
			}
			results := sink.Results()
			if len(results) != 1 {
				t.Fatalf("got %d results, want exactly 1", len(results))
			}
			r := results[0]
			if r.ID != tc.call.ID {
				t.Errorf("result id = %q, want %q", r.ID, tc.call.ID)
			}
			if r.Response["status"] != tools.StatusError {
				t.Errorf("status = %v, want error", r.Response["status"])
			}
			if msg, _ := r.Response["error"].(string); !strings.Contains(msg, tc.errPart) {
				t.Errorf("error = %q, want containing %q", msg, tc.errPart)
			}
		})
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	t.Parallel()

	t.Run("ignore", func(t *testing.T) {
		t.Parallel()
		d := tools.NewDispatcher(newRegistry(t))
		sink := &recordingSink{}
		err := d.Dispatch(context.Background(), s2s.ToolCall{ID: "x", Name: "deleteTask"}, sink)
		if !errors.Is(err, tools.ErrUnknownTool) {
			t.Errorf("err = %v, want ErrUnknownTool", err)
		}
		if n := len(sink.Results()); n != 0 {
			t.Errorf("got %d results, want 0", n)
		}
	})

	t.Run("respond", func(t *testing.T) {
		t.Parallel()
		d := tools.NewDispatcher(newRegistry(t), tools.WithUnknownPolicy(tools.UnknownRespond))
		sink := &recordingSink{}
		err := d.Dispatch(context.Background(), s2s.ToolCall{ID: "x", Name: "deleteTask"}, sink)
		if !errors.Is(err, tools.ErrUnknownTool) {
			t.Errorf("err = %v, want ErrUnknownTool", err)
		}
		results := sink.Results()
		if len(results) != 1 {
			t.Fatalf("got %d results, want 1", len(results))
		}
		if results[0].ID != "x" || results[0].Response["status"] != tools.StatusError {
			t.Errorf("result = %+v", results[0])
		}
	})
}

func TestDispatch_SendFailureReported(t *testing.T) {
	t.Parallel()
	d := tools.NewDispatcher(newRegistry(t))
	sendErr := errors.New("socket gone")
	sink := &recordingSink{err: sendErr}

	err := d.Dispatch(context.Background(), s2s.ToolCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{}`)}, sink)
	if !errors.Is(err, sendErr) {
		t.Errorf("err = %v, want wrapping %v", err, sendErr)
	}
	if n := len(sink.Results()); n != 1 {
		t.Errorf("send attempts = %d, want 1", n)
	}
}

func TestParseUnknownPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    tools.UnknownPolicy
		wantErr bool
	}{
		{in: "", want: tools.UnknownIgnore},
		{in: "ignore", want: tools.UnknownIgnore},
		{in: " Respond ", want: tools.UnknownRespond},
		{in: "retry", wantErr: true},
	}
	for _, tc := range tests {
		got, err := tools.ParseUnknownPolicy(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseUnknownPolicy(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseUnknownPolicy(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if s := tools.UnknownRespond.String(); s != "respond" {
		t.Errorf("String = %q", s)
	}
}
