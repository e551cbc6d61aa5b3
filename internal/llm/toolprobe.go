package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dawei-ai/dawei/internal/conversation"
	"github.com/dawei-ai/dawei/internal/llm/queue"
)

const probeTimeout = 30 * time.Second

var probeTool = Tool{
	Type: "function",
	Function: ToolSpec{
		Name:        "ping",
		Description: "Respond by calling this tool.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
	},
}

// SupportsTools probes whether a provider/model pair can do tool calling.
// The result is cached for the process lifetime; concurrent callers share
// a single in-flight probe. The probe sends a trivial tool and checks
// whether the model actually calls it; models that ignore the tool get a
// second attempt with tool_choice forced to "required".
func (m *Manager) SupportsTools(ctx context.Context, provider, model string) bool {
	if provider == "ollama" {
		return false
	}

	key := provider + "/" + model
	m.mu.Lock()
	if supported, ok := m.probes[key]; ok {
		m.mu.Unlock()
		return supported
	}
	m.mu.Unlock()

	result, _, _ := m.probeGroup.Do(key, func() (any, error) {
		supported := m.probe(ctx, provider, model, "") ||
			m.probe(ctx, provider, model, "required")

		m.mu.Lock()
		m.probes[key] = supported
		m.mu.Unlock()

		slog.Info("tool support probe", "provider", provider, "model", model, "supported", supported)
		return supported, nil
	})
	return result.(bool)
}

func (m *Manager) probe(ctx context.Context, provider, model, toolChoice string) bool {
	req := ChatRequest{
		Provider: provider,
		Model:    model,
		Messages: []conversation.Message{
			conversation.NewUserMessage("Call the ping tool."),
		},
		Tools:      []Tool{probeTool},
		ToolChoice: toolChoice,
		MaxTokens:  32,
	}

	completion, err := m.Stream(ctx, req, queue.Low, probeTimeout, nil)
	if err != nil {
		return false
	}
	return len(completion.ToolCalls) > 0
}
