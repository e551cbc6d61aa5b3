package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/llm/stream"
)

const maxErrorBody = 4 << 10

// OpenAIClient speaks the OpenAI-compatible streaming chat API. It serves
// every provider exposing that surface: openai, deepseek, groq,
// openrouter, moonshot, zhipu, dashscope, xai, mistral.
type OpenAIClient struct {
	name    string
	cfg     config.ProviderConfig
	http    *http.Client
	httplog *HTTPLog
}

// NewOpenAIClient builds a client for one provider entry. The proxy
// settings from the config are honored per scheme.
func NewOpenAIClient(name string, cfg config.ProviderConfig, log *HTTPLog) *OpenAIClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HTTPProxy != "" || cfg.HTTPSProxy != "" {
		transport.Proxy = func(r *http.Request) (*url.URL, error) {
			raw := cfg.HTTPSProxy
			if r.URL.Scheme == "http" && cfg.HTTPProxy != "" {
				raw = cfg.HTTPProxy
			}
			if raw == "" {
				return nil, nil
			}
			return url.Parse(raw)
		}
	}
	return &OpenAIClient{
		name:    name,
		cfg:     cfg,
		http:    &http.Client{Transport: transport},
		httplog: log,
	}
}

// Name returns the provider key.
func (c *OpenAIClient) Name() string { return c.name }

type openAIRequestBody struct {
	Model         string          `json:"model"`
	Messages      json.RawMessage `json:"messages"`
	Stream        bool            `json:"stream"`
	StreamOptions map[string]bool `json:"stream_options,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    string          `json:"tool_choice,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
}

func (c *OpenAIClient) buildBody(req ChatRequest) (*openAIRequestBody, error) {
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

	msgs, err := json.Marshal(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}

	body := &openAIRequestBody{
		Model:         model,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: map[string]bool{"include_usage": true},
		Tools:         req.Tools,
		ToolChoice:    req.ToolChoice,
		MaxTokens:     req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	return body, nil
}

// Stream posts the request and feeds the SSE body through the parser,
// delivering each event to h. The terminal Complete event is always the
// last delivery on success.
func (c *OpenAIClient) Stream(ctx context.Context, req ChatRequest, h Handler) (*stream.Completion, error) {
	body, err := c.buildBody(req)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	log := c.httplog
	if req.Log != nil {
		log = req.Log
	}
	exchange := log.Begin(c.name, body.Model, json.RawMessage(payload))

	base := strings.TrimRight(c.cfg.APIBase, "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		exchange.Finish(0, nil, err)
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		wrapped := c.classifyTransport(err, started)
		exchange.Finish(0, nil, wrapped)
		return nil, wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		httpErr := &HTTPError{
			Provider:   c.name,
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
		exchange.Finish(resp.StatusCode, nil, httpErr)
		return nil, httpErr
	}

	completion, err := c.consume(ctx, resp.Body, h)
	if err != nil {
		exchange.Finish(resp.StatusCode, nil, err)
		return nil, err
	}
	exchange.Finish(resp.StatusCode, completion, nil)
	return completion, nil
}

func (c *OpenAIClient) consume(ctx context.Context, body io.Reader, h Handler) (*stream.Completion, error) {
	parser := stream.NewOpenAIParser()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		events, err := parser.Feed([]byte(data))
		if err != nil {
			// A single malformed chunk does not kill the stream.
			continue
		}
		if h != nil {
			for _, ev := range events {
				h(ev)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &StreamError{Provider: c.name, Err: err}
	}

	final := parser.Finish()
	if h != nil {
		h(final)
	}
	return final.Complete, nil
}

func (c *OpenAIClient) classifyTransport(err error, started time.Time) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Provider: c.name, Elapsed: time.Since(started)}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ConnectionError{Provider: c.name, Err: err}
}
