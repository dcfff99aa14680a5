// Package createtask implements the createTask tool: the agent calls it to
// add an item to the user's task list.
//
// The tool only extracts the argument shape. Date normalisation and the
// priority vocabulary are the agent's responsibility; values are passed to
// the [Callback] as received.
package createtask

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voxtask/internal/tools"
	"github.com/MrWong99/voxtask/pkg/provider/s2s"
)

// Name is the tool name declared to the agent.
const Name = "createTask"

// ErrMissingTitle is returned when a call omits the required title.
var ErrMissingTitle = errors.New("createtask: title is required")

// Priority is the declared priority vocabulary.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// Task holds the arguments of one createTask call.
type Task struct {
	// Title is the only required field.
	Title string `json:"title"`

	// Date is a calendar date, canonically YYYY-MM-DD.
	Date string `json:"date,omitempty"`

	// Time is free text ("3pm", "after lunch").
	Time string `json:"time,omitempty"`

	Priority Priority `json:"priority,omitempty"`
}

// Callback receives every task the agent creates. It runs synchronously on
// the session's event loop and should return promptly.
type Callback func(ctx context.Context, t Task) error

// Definition returns the declaration sent to the agent at session open.
func Definition() s2s.ToolDefinition {
	return s2s.ToolDefinition{
		Name:        Name,
		Description: "Create a new task on the user's task list. Convert relative dates such as \"tomorrow\" to an absolute calendar date before calling.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short description of the task.",
				},
				"date": map[string]any{
					"type":        "string",
					"description": "Due date in YYYY-MM-DD format.",
				},
				"time": map[string]any{
					"type":        "string",
					"description": "Due time, free text.",
				},
				"priority": map[string]any{
					"type":        "string",
					"enum":        []string{string(PriorityLow), string(PriorityMedium), string(PriorityHigh)},
					"description": "Task priority.",
				},
			},
			"required": []string{"title"},
		},
	}
}

// Register adds the createTask tool to reg. Each successful call invokes cb
// exactly once; a call without a title fails without invoking cb.
func Register(reg *tools.Registry, cb Callback) error {
	if cb == nil {
		return errors.New("createtask: callback must not be nil")
	}
	return tools.Register(reg, Definition(), func(ctx context.Context, t Task) (map[string]any, error) {
		if strings.TrimSpace(t.Title) == "" {
			return nil, ErrMissingTitle
		}
		if err := cb(ctx, t); err != nil {
			return nil, fmt.Errorf("createtask: %w", err)
		}
		return map[string]any{"title": t.Title}, nil
	})
}
