// Package tools routes function-call requests from the peer to registered
// application handlers and returns exactly one correlated result per call.
//
// A [Registry] maps tool names to a declaration (sent to the peer when the
// session opens) and a handler. [Register] adds a handler with a typed
// argument struct so that handlers never touch raw JSON. The [Dispatcher]
// looks up each inbound call, runs its handler, and sends the result back on
// the session.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxtask/pkg/provider/s2s"
)

var (
	// ErrDuplicateTool is returned when registering a name that is already
	// taken.
	ErrDuplicateTool = errors.New("tools: duplicate tool")

	// ErrUnknownTool is returned by [Dispatcher.Dispatch] for calls naming a
	// tool that is not registered.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrInvalidArguments is wrapped when a call's arguments do not have the
	// shape the handler expects.
	ErrInvalidArguments = errors.New("tools: invalid arguments")
)

// Handler executes a tool call. args is the raw JSON argument object. The
// returned map becomes the body of the result sent to the peer.
type Handler func(ctx context.Context, args json.RawMessage) (map[string]any, error)

// Tool is a registry entry.
type Tool struct {
	// Definition is declared to the peer when the session opens.
	Definition s2s.ToolDefinition

	// Invoke runs the tool.
	Invoke Handler
}

// Registry is a static table of tools keyed by name.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Add registers t. It fails with [ErrDuplicateTool] if the name is taken and
// with a plain error if the tool has no name or no handler.
func (r *Registry) Add(t Tool) error {
	name := t.Definition.Name
	if name == "" {
		return errors.New("tools: tool name must not be empty")
	}
	if t.Invoke == nil {
		return fmt.Errorf("tools: tool %q has no handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Register adds a tool whose handler receives its arguments decoded into T.
// Arguments that cannot be decoded into T fail the call with an error
// wrapping [ErrInvalidArguments]; the handler is not invoked.
func Register[T any](r *Registry, def s2s.ToolDefinition, fn func(ctx context.Context, args T) (map[string]any, error)) error {
	return r.Add(Tool{
		Definition: def,
		Invoke: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, def.Name, err)
				}
			}
			return fn(ctx, args)
		},
	})
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the declarations of all tools in registration order.
func (r *Registry) Definitions() []s2s.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]s2s.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
