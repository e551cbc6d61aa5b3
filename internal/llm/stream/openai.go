package stream

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// openAIChunk is the wire shape of one SSE data payload.
type openAIChunk struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// OpenAIParser reassembles one OpenAI-compatible stream. Tool-call argument
// fragments are concatenated byte-for-byte per index.
type OpenAIParser struct {
	content   strings.Builder
	reasoning strings.Builder

	byIndex map[int]*ToolCall
	indexes []int // insertion order

	meta        Meta
	usage       *Usage
	usageSent   bool
	finish      string
	contentSeen bool
	done        bool
}

// NewOpenAIParser builds a fresh parser for one request.
func NewOpenAIParser() *OpenAIParser {
	return &OpenAIParser{byIndex: make(map[int]*ToolCall)}
}

// Feed parses one SSE data payload and returns the events it produces, in
// order. Malformed payloads yield an error; the parser state is unchanged.
func (p *OpenAIParser) Feed(data []byte) ([]Event, error) {
	var chunk openAIChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("malformed stream chunk: %w", err)
	}

	if chunk.ID != "" {
		p.meta.ID = chunk.ID
	}
	if chunk.Created != 0 {
		p.meta.Created = chunk.Created
	}
	if chunk.Model != "" {
		p.meta.Model = chunk.Model
	}

	var events []Event

	if chunk.Usage != nil && !p.usageSent {
		p.usage = &Usage{
			Prompt:     chunk.Usage.PromptTokens,
			Completion: chunk.Usage.CompletionTokens,
			Total:      chunk.Usage.TotalTokens,
		}
		p.usageSent = true
		events = append(events, Event{Kind: KindUsage, Meta: p.meta, Usage: p.usage})
	}

	if len(chunk.Choices) == 0 {
		return events, nil
	}
	choice := chunk.Choices[0]

	if r := choice.Delta.ReasoningContent; strings.TrimSpace(r) != "" {
		p.reasoning.WriteString(r)
		events = append(events, Event{Kind: KindReasoning, Meta: p.meta, Content: r})
		// Providers that emit all visible text in reasoning_content leave
		// content empty; mirror so observers always see an assistant bubble.
		if choice.Delta.Content == "" && !p.contentSeen {
			events = append(events, Event{Kind: KindContent, Meta: p.meta, Content: r})
		}
	}

	if c := choice.Delta.Content; strings.TrimSpace(c) != "" {
		p.content.WriteString(c)
		p.contentSeen = true
		events = append(events, Event{Kind: KindContent, Meta: p.meta, Content: c})
	}

	for _, tc := range choice.Delta.ToolCalls {
		acc, ok := p.byIndex[tc.Index]
		if !ok {
			acc = &ToolCall{Type: "function"}
			p.byIndex[tc.Index] = acc
			p.indexes = append(p.indexes, tc.Index)
		}
		if tc.ID != "" {
			acc.ID = tc.ID
		}
		if tc.Type != "" {
			acc.Type = tc.Type
		}
		if tc.Function.Name != "" {
			acc.Function.Name = tc.Function.Name
		}
		acc.Function.Arguments += tc.Function.Arguments

		snapshot := p.snapshot()
		cur := *acc
		events = append(events, Event{
			Kind:         KindToolCall,
			Meta:         p.meta,
			ToolCall:     &cur,
			AllToolCalls: snapshot,
		})
	}

	if choice.FinishReason != "" {
		p.finish = choice.FinishReason
	}

	return events, nil
}

// Finish produces the terminal Complete event. Accumulated buffers are
// authoritative: arguments come from the per-index buffers, and reasoning
// is copied into content when content ended up empty.
func (p *OpenAIParser) Finish() Event {
	p.done = true

	content := p.content.String()
	reasoning := p.reasoning.String()
	if content == "" && reasoning != "" {
		content = reasoning
	}

	finish := p.finish
	if finish == "" {
		finish = "stop"
	}

	calls := p.snapshot()
	if len(calls) > 0 && p.finish == "" {
		finish = "tool_calls"
	}

	return Event{
		Kind: KindComplete,
		Meta: p.meta,
		Complete: &Completion{
			FinishReason: finish,
			Content:      content,
			Reasoning:    reasoning,
			ToolCalls:    calls,
			Usage:        p.usage,
		},
	}
}

// snapshot returns all accumulated tool calls ordered by index.
func (p *OpenAIParser) snapshot() []ToolCall {
	if len(p.indexes) == 0 {
		return nil
	}
	sorted := make([]int, len(p.indexes))
	copy(sorted, p.indexes)
	sort.Ints(sorted)

	out := make([]ToolCall, 0, len(sorted))
	for _, i := range sorted {
		out = append(out, *p.byIndex[i])
	}
	return out
}
