package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ollamaChunk is one NDJSON line of an Ollama generate stream.
type ollamaChunk struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// OllamaParser reassembles one Ollama NDJSON stream.
type OllamaParser struct {
	content strings.Builder
	meta    Meta
	usage   *Usage
	finish  string
	done    bool
}

// NewOllamaParser builds a fresh parser for one request.
func NewOllamaParser() *OllamaParser {
	return &OllamaParser{}
}

// Feed parses one NDJSON line.
func (p *OllamaParser) Feed(line []byte) ([]Event, error) {
	var chunk ollamaChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return nil, fmt.Errorf("malformed ollama chunk: %w", err)
	}

	if chunk.Model != "" {
		p.meta.Model = chunk.Model
	}

	var events []Event

	if strings.TrimSpace(chunk.Response) != "" {
		p.content.WriteString(chunk.Response)
		events = append(events, Event{Kind: KindContent, Meta: p.meta, Content: chunk.Response})
	}

	if chunk.Done {
		p.done = true
		if chunk.DoneReason != "" {
			p.finish = chunk.DoneReason
		}
		if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
			p.usage = &Usage{
				Prompt:     chunk.PromptEvalCount,
				Completion: chunk.EvalCount,
				Total:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			events = append(events, Event{Kind: KindUsage, Meta: p.meta, Usage: p.usage})
		}
	}

	return events, nil
}

// Done reports whether the done flag has been seen.
func (p *OllamaParser) Done() bool { return p.done }

// Finish produces the terminal Complete event.
func (p *OllamaParser) Finish() Event {
	finish := p.finish
	if finish == "" {
		finish = "stop"
	}
	return Event{
		Kind: KindComplete,
		Meta: p.meta,
		Complete: &Completion{
			FinishReason: finish,
			Content:      p.content.String(),
			Usage:        p.usage,
		},
	}
}
