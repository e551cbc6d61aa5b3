package llm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/llm/queue"
	"github.com/dawei-ai/dawei/internal/llm/stream"
)

// defaultAPIBases maps provider keys to their OpenAI-compatible endpoints.
var defaultAPIBases = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"moonshot":   "https://api.moonshot.cn/v1",
	"zhipu":      "https://open.bigmodel.cn/api/paas/v4",
	"dashscope":  "https://dashscope.aliyuncs.com/compatible-mode/v1",
	"xai":        "https://api.x.ai/v1",
	"mistral":    "https://api.mistral.ai/v1",
}

// Manager builds provider clients from config and routes every call
// through the shared transport stack.
type Manager struct {
	cfg   *config.Config
	stack *Stack

	mu         sync.Mutex
	clients    map[string]Client
	probes     map[string]bool // provider/model → supports tool calling
	probeGroup singleflight.Group
	httplog    *HTTPLog
}

// NewManager builds the manager. httplog may be nil.
func NewManager(cfg *config.Config, stack *Stack, httplog *HTTPLog) *Manager {
	return &Manager{
		cfg:     cfg,
		stack:   stack,
		clients: make(map[string]Client),
		probes:  make(map[string]bool),
		httplog: httplog,
	}
}

// Client resolves (and caches) the client for a provider key.
func (m *Manager) Client(provider string) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[provider]; ok {
		return c, nil
	}

	pc, ok := m.cfg.Providers[provider]
	if !ok {
		return nil, &ConfigurationError{Provider: provider, Reason: "not configured"}
	}
	if !pc.Enabled {
		return nil, &ConfigurationError{Provider: provider, Reason: "disabled"}
	}

	var c Client
	if provider == "ollama" {
		c = NewOllamaClient(pc, m.httplog)
	} else {
		if pc.APIKey == "" {
			return nil, &ConfigurationError{Provider: provider, Reason: "missing api key"}
		}
		if pc.APIBase == "" {
			base, known := defaultAPIBases[provider]
			if !known {
				return nil, &ConfigurationError{Provider: provider, Reason: "unknown provider and no api_base set"}
			}
			pc.APIBase = base
		}
		c = NewOpenAIClient(provider, pc, m.httplog)
	}

	m.clients[provider] = c
	return c, nil
}

// Stream resolves the provider and runs the request through the stack.
func (m *Manager) Stream(ctx context.Context, req ChatRequest, prio queue.Priority, timeout time.Duration, h Handler) (*stream.Completion, error) {
	provider := req.Provider
	if provider == "" {
		provider = m.cfg.Agent.DefaultProvider
	}
	client, err := m.Client(provider)
	if err != nil {
		return nil, err
	}

	// Once an attempt has delivered any event, a mid-stream failure must
	// not be retried: the handler already saw part of the stream, and a
	// second attempt would replay those deltas.
	var delivered atomic.Int64
	handler := h
	if h != nil {
		handler = func(ev stream.Event) {
			delivered.Add(1)
			h(ev)
		}
	}

	v, err := m.stack.Execute(ctx, provider, prio, timeout, func(jobCtx context.Context) (any, error) {
		before := delivered.Load()
		completion, streamErr := client.Stream(jobCtx, req, handler)
		if streamErr != nil && delivered.Load() > before {
			streamErr = &Permanent{Err: streamErr}
		}
		return completion, streamErr
	})
	if err != nil {
		return nil, err
	}
	completion, ok := v.(*stream.Completion)
	if !ok {
		return nil, fmt.Errorf("unexpected transport result %T", v)
	}
	m.stack.metrics.RecordTokens(ctx, provider, totalTokens(completion))
	return completion, nil
}

func totalTokens(c *stream.Completion) int {
	if c == nil || c.Usage == nil {
		return 0
	}
	return c.Usage.Total
}

// Stack exposes the shared transport pipeline.
func (m *Manager) Stack() *Stack { return m.stack }
