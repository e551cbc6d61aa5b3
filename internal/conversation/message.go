// Package conversation holds the chat data model and the per-workspace
// conversation store. Messages round-trip through the canonical
// OpenAI-compatible dictionary form used on the wire and on disk.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ContentBlock is one tagged variant of structured message content.
type ContentBlock struct {
	Type string `json:"type"` // "text", "image", "audio", "video", "file"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	MIME string `json:"mime_type,omitempty"`
	Data string `json:"data,omitempty"` // base64 payload for inline media
}

// ToolCall is a tool invocation in canonical wire form. Arguments is the
// raw JSON string exactly as accumulated from the stream.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction is the function half of a ToolCall.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one role-tagged conversation record. Content is either a
// string or a list of content blocks.
type Message struct {
	ID         string         `json:"id,omitempty"`
	Role       string         `json:"role"`
	Content    string         `json:"-"`
	Blocks     []ContentBlock `json:"-"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitempty"`
}

// messageWire is the canonical dictionary form.
type messageWire struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
}

// MarshalJSON emits the canonical OpenAI-compatible dict. A single text
// block is flattened to a plain string (pre-serialization sanitization).
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{
		ID:         m.ID,
		Role:       m.Role,
		ToolCallID: m.ToolCallID,
		ToolCalls:  m.ToolCalls,
	}
	if !m.Timestamp.IsZero() {
		ts := m.Timestamp
		w.Timestamp = &ts
	}

	blocks := m.Blocks
	if len(blocks) == 1 && blocks[0].Type == "text" {
		// Flatten {type: text, text: "..."} to a bare string.
		raw, err := json.Marshal(blocks[0].Text)
		if err != nil {
			return nil, err
		}
		w.Content = raw
	} else if len(blocks) > 0 {
		raw, err := json.Marshal(blocks)
		if err != nil {
			return nil, err
		}
		w.Content = raw
	} else if m.Content != "" || len(m.ToolCalls) == 0 {
		// Assistant messages with tool calls may omit empty content.
		raw, err := json.Marshal(m.Content)
		if err != nil {
			return nil, err
		}
		w.Content = raw
	}

	return json.Marshal(w)
}

// UnmarshalJSON accepts both string content and content-block lists.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	m.ID = w.ID
	m.Role = w.Role
	m.ToolCallID = w.ToolCallID
	m.ToolCalls = w.ToolCalls
	m.Content = ""
	m.Blocks = nil
	if w.Timestamp != nil {
		m.Timestamp = *w.Timestamp
	} else {
		m.Timestamp = time.Time{}
	}

	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(w.Content, &s); err == nil {
		m.Content = s
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(w.Content, &blocks); err != nil {
		return fmt.Errorf("message content is neither string nor block list: %w", err)
	}
	m.Blocks = blocks
	return nil
}

// Text returns the flat textual content: the string form, or the
// concatenation of text blocks.
func (m Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	var out string
	for _, b := range m.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// NewUserMessage builds a plain user message stamped now.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

// NewSystemMessage builds a system message stamped now.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now().UTC()}
}

// NewAssistantMessage builds an assistant message with optional tool calls.
func NewAssistantMessage(content string, toolCalls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls, Timestamp: time.Now().UTC()}
}

// NewToolMessage builds a tool-result message bound to a tool call.
func NewToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, Timestamp: time.Now().UTC()}
}
