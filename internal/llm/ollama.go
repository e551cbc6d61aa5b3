package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/llm/stream"
)

// OllamaClient speaks the local Ollama /api/generate NDJSON stream. No
// auth header is sent; tool calling is not supported on this transport.
type OllamaClient struct {
	cfg     config.ProviderConfig
	http    *http.Client
	httplog *HTTPLog
}

// NewOllamaClient builds the Ollama client.
func NewOllamaClient(cfg config.ProviderConfig, log *HTTPLog) *OllamaClient {
	if cfg.APIBase == "" {
		cfg.APIBase = "http://localhost:11434"
	}
	return &OllamaClient{cfg: cfg, http: &http.Client{}, httplog: log}
}

// Name returns the provider key.
func (c *OllamaClient) Name() string { return "ollama" }

type ollamaRequestBody struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// Stream flattens the conversation into prompt text, posts it, and feeds
// each NDJSON line through the parser.
func (c *OllamaClient) Stream(ctx context.Context, req ChatRequest, h Handler) (*stream.Completion, error) {
	if len(req.Messages) == 0 {
		return nil, &ValidationError{Field: "messages", Reason: "must not be empty"}
	}
	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	if model == "" {
		return nil, &ValidationError{Field: "model", Reason: "no model given and no default configured"}
	}
	if len(req.Tools) > 0 {
		return nil, &ValidationError{Field: "tools", Reason: "ollama transport does not support tool calling"}
	}

	var system, prompt strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system.WriteString(m.Text())
			system.WriteString("\n")
		default:
			fmt.Fprintf(&prompt, "%s: %s\n", m.Role, m.Text())
		}
	}

	body := ollamaRequestBody{
		Model:  model,
		Prompt: prompt.String(),
		System: strings.TrimSpace(system.String()),
		Stream: true,
	}
	if req.MaxTokens > 0 {
		body.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	log := c.httplog
	if req.Log != nil {
		log = req.Log
	}
	exchange := log.Begin("ollama", model, json.RawMessage(payload))

	base := strings.TrimRight(c.cfg.APIBase, "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		exchange.Finish(0, nil, err)
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = &TimeoutError{Provider: "ollama", Elapsed: time.Since(started)}
		} else if ctx.Err() == nil {
			err = &ConnectionError{Provider: "ollama", Err: err}
		}
		exchange.Finish(0, nil, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		httpErr := &HTTPError{Provider: "ollama", Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		exchange.Finish(resp.StatusCode, nil, httpErr)
		return nil, httpErr
	}

	parser := stream.NewOllamaParser()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			exchange.Finish(resp.StatusCode, nil, err)
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		events, err := parser.Feed([]byte(line))
		if err != nil {
			continue
		}
		if h != nil {
			for _, ev := range events {
				h(ev)
			}
		}
		if parser.Done() {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		wrapped := &StreamError{Provider: "ollama", Err: err}
		exchange.Finish(resp.StatusCode, nil, wrapped)
		return nil, wrapped
	}

	final := parser.Finish()
	if h != nil {
		h(final)
	}
	exchange.Finish(resp.StatusCode, final.Complete, nil)
	return final.Complete, nil
}
