// Package stream converts raw provider chunks (OpenAI-compatible SSE or
// Ollama NDJSON) into typed stream events. One parser instance serves
// exactly one streaming request; parsers are never shared.
package stream

// Kind tags an Event.
type Kind string

const (
	KindReasoning Kind = "reasoning"
	KindContent   Kind = "content"
	KindToolCall  Kind = "tool_call"
	KindUsage     Kind = "usage"
	KindComplete  Kind = "complete"
	KindError     Kind = "error"
)

// Meta carries provider fields present on most chunks.
type Meta struct {
	ID      string `json:"id,omitempty"`
	Created int64  `json:"created,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ToolCall is the wire-format tool invocation. Arguments is the raw JSON
// string accumulated byte-for-byte from streamed fragments; it is only
// required to parse at executor dispatch time.
type ToolCall struct {
	ID       string       `json:"tool_call_id"`
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function half of a ToolCall.
type ToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage is token accounting.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Completion is the terminal summary of one streaming call.
type Completion struct {
	FinishReason string     `json:"finish_reason"`
	Content      string     `json:"content"`
	Reasoning    string     `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// Event is one typed stream event. Exactly the fields implied by Kind are
// set.
type Event struct {
	Kind Kind
	Meta Meta

	// KindReasoning / KindContent
	Content string

	// KindToolCall
	ToolCall     *ToolCall
	AllToolCalls []ToolCall

	// KindUsage
	Usage *Usage

	// KindComplete
	Complete *Completion

	// KindError
	ErrMessage string
	ErrDetails string
}
