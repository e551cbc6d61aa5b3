// Package protocol defines the WebSocket frame schema shared between the
// dawei server and browser clients. One JSON message per frame; every frame
// carries the common envelope fields plus a type-specific payload.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Frame is the common envelope for every WebSocket message in both
// directions. Payload holds the type-specific fields.
type Frame struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds an outbound frame with a fresh ID and the current time.
// Marshal failure of the payload is a programming error; the frame is sent
// with a null payload in that case.
func NewFrame(msgType, sessionID string, payload any) *Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	return &Frame{
		ID:        uuid.NewString(),
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
}

// UserMessagePayload is the client → server chat message.
type UserMessagePayload struct {
	Content       string          `json:"content"`
	Metadata      MessageMetadata `json:"metadata"`
	UserUIContext map[string]any  `json:"user_ui_context,omitempty"`
}

// MessageMetadata routes a user message to a workspace and conversation.
type MessageMetadata struct {
	WorkspaceID    string `json:"workspaceId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// FollowupResponsePayload answers a pending followup_question.
type FollowupResponsePayload struct {
	TaskID     string `json:"task_id"`
	ToolCallID string `json:"tool_call_id"`
	Response   string `json:"response"`
}

// AgentStopPayload requests cancellation of a running agent task.
type AgentStopPayload struct {
	TaskID string `json:"task_id"`
}

// TaskNodeStartPayload announces a node entering execution.
type TaskNodeStartPayload struct {
	TaskNodeID  string `json:"task_node_id"`
	ParentID    string `json:"parent_id,omitempty"`
	Description string `json:"description"`
}

// TaskNodeProgressPayload reports incremental node progress.
type TaskNodeProgressPayload struct {
	TaskNodeID string         `json:"task_node_id"`
	Progress   int            `json:"progress"`
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// TaskNodeCompletePayload marks a node finished.
type TaskNodeCompletePayload struct {
	TaskNodeID string `json:"task_node_id"`
	Result     string `json:"result,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// StreamTextPayload carries one content or reasoning delta.
type StreamTextPayload struct {
	Content string `json:"content"`
}

// StreamToolCallPayload carries one tool-call delta plus the snapshot of all
// accumulated tool calls for the current completion.
type StreamToolCallPayload struct {
	ToolCall     json.RawMessage `json:"tool_call"`
	AllToolCalls json.RawMessage `json:"all_tool_calls"`
}

// StreamUsagePayload carries token usage as soon as the provider reports it.
type StreamUsagePayload struct {
	Data UsageData `json:"data"`
}

// UsageData is the token accounting reported by a provider.
type UsageData struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// StreamCompletePayload is the terminal event of one LLM streaming call.
type StreamCompletePayload struct {
	FinishReason string          `json:"finish_reason"`
	Content      string          `json:"content"`
	Reasoning    string          `json:"reasoning,omitempty"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
	Usage        *UsageData      `json:"usage,omitempty"`
}

// ToolCallStartPayload announces a tool invocation.
type ToolCallStartPayload struct {
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input"`
	ToolCallID string          `json:"tool_call_id"`
}

// ToolCallProgressPayload reports tool-driven progress callbacks.
type ToolCallProgressPayload struct {
	ToolName   string `json:"tool_name"`
	Message    string `json:"message"`
	Percentage *int   `json:"percentage,omitempty"`
}

// ToolCallResultPayload carries the outcome of a tool invocation.
type ToolCallResultPayload struct {
	ToolName      string `json:"tool_name"`
	Result        string `json:"result"`
	IsError       bool   `json:"is_error"`
	ExecutionTime int64  `json:"execution_time"`
	ToolCallID    string `json:"tool_call_id"`
}

// FollowupQuestionPayload asks the user a question mid-turn.
type FollowupQuestionPayload struct {
	Question    string   `json:"question"`
	Suggestions []string `json:"suggestions,omitempty"`
	TaskID      string   `json:"task_id"`
	ToolCallID  string   `json:"tool_call_id"`
}

// LLMAPIRequestPayload brackets the start of one provider call.
type LLMAPIRequestPayload struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	RequestType string `json:"request_type"`
}

// LLMAPICompletePayload brackets the end of one provider call.
type LLMAPICompletePayload struct {
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *UsageData `json:"usage,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
}

// AgentCompletePayload is sent once per user turn on success.
type AgentCompletePayload struct {
	ResultSummary   string   `json:"result_summary"`
	TotalDurationMs int64    `json:"total_duration_ms"`
	TasksCompleted  int      `json:"tasks_completed"`
	ToolsUsed       []string `json:"tools_used,omitempty"`
}

// AgentStoppedPayload is sent when a turn was cancelled by the user.
type AgentStoppedPayload struct {
	StoppedAt     time.Time `json:"stopped_at"`
	ResultSummary string    `json:"result_summary,omitempty"`
	Partial       bool      `json:"partial"`
}

// ErrorPayload is the uniform error frame.
type ErrorPayload struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	Details     map[string]any `json:"details,omitempty"`
}
