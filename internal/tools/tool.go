// Package tools defines the tool registry and the executor that
// validates, dispatches and reports tool calls coming from the model.
package tools

import (
	"context"
	"encoding/json"

	"github.com/dawei-ai/dawei/internal/bus"
	"github.com/dawei-ai/dawei/pkg/protocol"
)

// Result is what a tool hands back to the agent loop. Content goes into
// the tool message; Data rides along to transport-facing consumers.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Context carries per-call execution state into a tool.
type Context struct {
	Workspace string
	TaskID    string
	NodeID    string
	CallID    string
	ToolName  string
	Bus       *bus.Bus
	Followup  *FollowupBroker
	Scheduler TaskScheduler
	SkillsDir string
}

// Progress reports intermediate tool output to the bus.
func (c *Context) Progress(message string) {
	if c.Bus == nil {
		return
	}
	c.Bus.Publish(bus.Event{
		Type:   protocol.TypeToolCallProgress,
		TaskID: c.TaskID,
		Payload: protocol.ToolCallProgressPayload{
			ToolName: c.ToolName,
			Message:  message,
		},
	})
}

// Tool is one callable function exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage
	Execute(ctx context.Context, args map[string]any, tc *Context) (Result, error)
}
