package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dawei-ai/dawei/internal/bus"
	"github.com/dawei-ai/dawei/internal/conversation"
	"github.com/dawei-ai/dawei/pkg/protocol"
)

// ValidationError marks arguments rejected by the tool's schema. Its
// message is surfaced verbatim to the model so it can correct itself.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Detail)
}

// Executor validates and runs tool calls, publishing start/result events.
type Executor struct {
	registry *Registry

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewExecutor builds an executor over a registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry, schemas: make(map[string]*jsonschema.Schema)}
}

// Execute runs one tool call end to end. Unknown tools and schema
// violations return a ValidationError; tool runtime failures come back
// as an error Result, not an error, so the loop can feed them to the
// model.
func (e *Executor) Execute(ctx context.Context, call conversation.ToolCall, tc *Context) (Result, error) {
	name := call.Function.Name
	tc.CallID = call.ID
	tc.ToolName = name

	tool, ok := e.registry.Get(name)
	if !ok {
		return Result{}, &ValidationError{Tool: name, Detail: "unknown tool"}
	}

	args, err := parseArguments(call.Function.Arguments)
	if err != nil {
		return Result{}, &ValidationError{Tool: name, Detail: err.Error()}
	}

	if err := e.validate(tool, args); err != nil {
		return Result{}, err
	}

	input, _ := json.Marshal(args)
	e.publish(tc, protocol.TypeToolCallStart, protocol.ToolCallStartPayload{
		ToolName:   name,
		ToolInput:  input,
		ToolCallID: call.ID,
	})

	started := time.Now()
	result, err := tool.Execute(ctx, args, tc)
	if err != nil {
		slog.Warn("tool execution failed", "tool", name, "error", err)
		result = Result{Content: err.Error(), IsError: true}
	}

	e.publish(tc, protocol.TypeToolCallResult, protocol.ToolCallResultPayload{
		ToolName:      name,
		Result:        result.Content,
		IsError:       result.IsError,
		ExecutionTime: time.Since(started).Milliseconds(),
		ToolCallID:    call.ID,
	})
	return result, nil
}

// parseArguments decodes the raw arguments string. Models sometimes wrap
// the object in an extra JSON string; one level of that is unwrapped.
func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}

	var wrapped string
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil {
		if err := json.Unmarshal([]byte(wrapped), &args); err == nil {
			return args, nil
		}
	}
	return nil, fmt.Errorf("arguments are not a JSON object: %s", truncate(raw, 200))
}

func (e *Executor) validate(tool Tool, args map[string]any) error {
	schema, err := e.schemaFor(tool)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", tool.Name(), err)
	}
	if schema == nil {
		return nil
	}

	// jsonschema validates decoded values; round-trip keeps types exact.
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	if err := schema.Validate(value); err != nil {
		return &ValidationError{Tool: tool.Name(), Detail: err.Error()}
	}
	return nil
}

func (e *Executor) schemaFor(tool Tool) (*jsonschema.Schema, error) {
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.schemas[tool.Name()]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + tool.Name() + ".json"
	if err := compiler.AddResource(url, bytesReader(raw)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	e.schemas[tool.Name()] = schema
	return schema, nil
}

func (e *Executor) publish(tc *Context, eventType string, payload any) {
	if tc == nil || tc.Bus == nil {
		return
	}
	tc.Bus.Publish(bus.Event{Type: eventType, TaskID: tc.TaskID, Payload: payload})
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
