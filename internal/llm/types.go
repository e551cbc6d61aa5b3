package llm

import (
	"context"
	"encoding/json"

	"github.com/dawei-ai/dawei/internal/conversation"
	"github.com/dawei-ai/dawei/internal/llm/stream"
)

// Tool is a function tool advertised to the model.
type Tool struct {
	Type     string   `json:"type"`
	Function ToolSpec `json:"function"`
}

// ToolSpec describes one callable function. Parameters is a JSON Schema.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is one streaming chat completion request.
type ChatRequest struct {
	Provider    string
	Model       string
	Messages    []conversation.Message
	Tools       []Tool
	ToolChoice  string // "", "auto", "required", "none"
	Temperature float64
	MaxTokens   int

	// Log, when set, overrides the client's HTTP logger for this request.
	// Workspaces with http_logging enabled pass their own log here.
	Log *HTTPLog
}

// Handler receives typed events as the stream arrives. It runs on the
// transport goroutine; implementations must not block.
type Handler func(stream.Event)

// Client streams one chat completion against a single provider.
type Client interface {
	// Name returns the provider key ("openai", "deepseek", "ollama", ...).
	Name() string
	// Stream runs the request and delivers events to h as they arrive,
	// including the terminal Complete event. The returned Completion is
	// the same summary carried by that final event.
	Stream(ctx context.Context, req ChatRequest, h Handler) (*stream.Completion, error)
}

// ToConversationToolCalls converts wire tool calls into conversation form
// for recording on the assistant message.
func ToConversationToolCalls(calls []stream.ToolCall) []conversation.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]conversation.ToolCall, len(calls))
	for i, tc := range calls {
		typ := tc.Type
		if typ == "" {
			typ = "function"
		}
		out[i] = conversation.ToolCall{
			ID:   tc.ID,
			Type: typ,
			Function: conversation.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}
	}
	return out
}
