package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dawei-ai/dawei/internal/bus"
	"github.com/dawei-ai/dawei/internal/conversation"
	"github.com/dawei-ai/dawei/internal/llm"
	"github.com/dawei-ai/dawei/internal/llm/breaker"
	"github.com/dawei-ai/dawei/internal/llm/queue"
	"github.com/dawei-ai/dawei/internal/llm/stream"
	"github.com/dawei-ai/dawei/internal/taskgraph"
	"github.com/dawei-ai/dawei/internal/tools"
	"github.com/dawei-ai/dawei/pkg/protocol"
)

// runLoop is one user turn: stream a completion, dispatch its tool calls,
// repeat until the model answers without tools or a limit trips.
func (a *Agent) runLoop(ctx context.Context, convID string, report func(any)) (any, error) {
	started := time.Now()

	root, err := a.ensureRoot(convID)
	if err != nil {
		return nil, err
	}
	a.Graph.UpdateStatus(root.ID, taskgraph.StatusInProgress, "", "")
	a.publishNodeStart(root)

	// Whatever ends this turn, the messages produced so far survive it.
	// The loop's ctx is already cancelled on stop, so the save runs on a
	// fresh one.
	defer func() {
		if err := a.ws.Conversations.Save(context.Background(), convID); err != nil {
			slog.Warn("conversation save failed", "conversation", convID, "error", err)
		}
	}()

	provider := a.provider()
	model := a.model()
	useTools := len(a.Registry.Specs()) > 0 && a.llm.SupportsTools(ctx, provider, model)

	mistakes := 0
	var toolsUsed []string
	tasksCompleted := 0

	for step := 1; step <= a.cfg.Agent.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			a.failRoot(root.ID, "stopped")
			return nil, err
		}

		history := a.ws.Conversations.Messages(convID)
		completion, err := a.callLLM(ctx, convID, provider, model, history, useTools)
		if err != nil {
			a.publishError(err)
			a.failRoot(root.ID, err.Error())
			return nil, err
		}

		a.ws.Conversations.Append(convID, conversation.NewAssistantMessage(
			completion.Content, llm.ToConversationToolCalls(completion.ToolCalls)))

		if len(completion.ToolCalls) == 0 {
			// Final answer.
			a.Graph.UpdateStatus(root.ID, taskgraph.StatusCompleted, completion.Content, "")
			a.publishNodeComplete(root.ID, completion.Content, started)
			a.Bus.Publish(bus.Event{Type: protocol.TypeAgentComplete, TaskID: a.currentTask,
				Payload: protocol.AgentCompletePayload{
					ResultSummary:   completion.Content,
					TotalDurationMs: time.Since(started).Milliseconds(),
					TasksCompleted:  tasksCompleted,
					ToolsUsed:       toolsUsed,
				}})
			return completion.Content, nil
		}

		seen := make(map[string]bool)
		for _, call := range llm.ToConversationToolCalls(completion.ToolCalls) {
			if err := ctx.Err(); err != nil {
				a.failRoot(root.ID, "stopped")
				return nil, err
			}

			// A repeat of a recent call, or of another call in this same
			// completion, aborts the turn before any further LLM call.
			key := call.Function.Name + "\x00" + call.Function.Arguments
			if tools.IsDuplicateCall(history, call) || seen[key] {
				err := fmt.Errorf("duplicate tool call %s with identical arguments", call.Function.Name)
				a.publishTypedError(protocol.ErrCodeDuplicateToolCall, err, false)
				a.Bus.Publish(bus.Event{Type: protocol.TypeStreamComplete, TaskID: a.currentTask,
					Payload: protocol.StreamCompletePayload{FinishReason: "error"}})
				a.failRoot(root.ID, err.Error())
				return nil, err
			}
			seen[key] = true

			result, execErr := a.dispatchTool(ctx, root.ID, convID, call)
			toolsUsed = append(toolsUsed, call.Function.Name)
			tasksCompleted++

			switch {
			case execErr != nil || result.IsError:
				mistakes++
			default:
				mistakes = 0
			}

			if mistakes >= a.cfg.Agent.ConsecutiveMistakeLimit {
				err := fmt.Errorf("agent made %d consecutive mistakes, aborting", mistakes)
				a.publishTypedError(protocol.ErrCodeInternal, err, false)
				a.failRoot(root.ID, err.Error())
				return nil, err
			}
		}

		report(map[string]any{"step": step, "tools_used": len(toolsUsed)})
	}

	err = fmt.Errorf("step limit of %d reached without a final answer", a.cfg.Agent.MaxSteps)
	a.publishTypedError(protocol.ErrCodeInternal, err, false)
	a.failRoot(root.ID, err.Error())
	return nil, err
}

func (a *Agent) ensureRoot(convID string) (*taskgraph.Node, error) {
	if root, ok := a.Graph.Root(); ok {
		if !root.Status.Terminal() {
			return root, nil
		}
		// A finished turn leaves a terminal root; start a fresh graph.
		a.Graph.Import(taskgraph.Snapshot{})
	}

	description := "user request"
	if msgs := a.ws.Conversations.Messages(convID); len(msgs) > 0 {
		description = msgs[len(msgs)-1].Text()
	}
	return a.Graph.CreateRoot(description)
}

// callLLM brackets one provider call with llm_api_request/complete events
// and republishes stream events on the agent bus.
func (a *Agent) callLLM(ctx context.Context, convID, provider, model string, history []conversation.Message, useTools bool) (*stream.Completion, error) {
	req := llm.ChatRequest{
		Provider:    provider,
		Model:       model,
		Messages:    append([]conversation.Message{conversation.NewSystemMessage(a.systemPrompt())}, history...),
		Temperature: a.cfg.Agent.Temperature,
		MaxTokens:   a.cfg.Agent.MaxTokens,
		Log:         a.httplog,
	}
	if useTools {
		req.Tools = a.Registry.Specs()
	}

	a.Bus.Publish(bus.Event{Type: protocol.TypeLLMAPIRequest, TaskID: a.currentTask,
		Payload: protocol.LLMAPIRequestPayload{Provider: provider, Model: model, RequestType: "chat"}})

	started := time.Now()
	completion, err := a.llm.Stream(ctx, req, queue.Normal, 0, a.forwardStream)

	done := protocol.LLMAPICompletePayload{
		Provider:   provider,
		Model:      model,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if completion != nil {
		done.FinishReason = completion.FinishReason
		if completion.Usage != nil {
			done.Usage = &protocol.UsageData{
				Prompt:     completion.Usage.Prompt,
				Completion: completion.Usage.Completion,
				Total:      completion.Usage.Total,
			}
		}
	}
	a.Bus.Publish(bus.Event{Type: protocol.TypeLLMAPIComplete, TaskID: a.currentTask, Payload: done})

	return completion, err
}

// forwardStream translates parser events into bus events.
func (a *Agent) forwardStream(ev stream.Event) {
	switch ev.Kind {
	case stream.KindReasoning:
		a.Bus.Publish(bus.Event{Type: protocol.TypeStreamReasoning, TaskID: a.currentTask,
			Payload: protocol.StreamTextPayload{Content: ev.Content}})
	case stream.KindContent:
		a.Bus.Publish(bus.Event{Type: protocol.TypeStreamContent, TaskID: a.currentTask,
			Payload: protocol.StreamTextPayload{Content: ev.Content}})
	case stream.KindToolCall:
		current, _ := json.Marshal(ev.ToolCall)
		all, _ := json.Marshal(ev.AllToolCalls)
		a.Bus.Publish(bus.Event{Type: protocol.TypeStreamToolCall, TaskID: a.currentTask,
			Payload: protocol.StreamToolCallPayload{ToolCall: current, AllToolCalls: all}})
	case stream.KindUsage:
		a.Bus.Publish(bus.Event{Type: protocol.TypeStreamUsage, TaskID: a.currentTask,
			Payload: protocol.StreamUsagePayload{Data: protocol.UsageData{
				Prompt: ev.Usage.Prompt, Completion: ev.Usage.Completion, Total: ev.Usage.Total,
			}}})
	case stream.KindComplete:
		calls, _ := json.Marshal(ev.Complete.ToolCalls)
		payload := protocol.StreamCompletePayload{
			FinishReason: ev.Complete.FinishReason,
			Content:      ev.Complete.Content,
			Reasoning:    ev.Complete.Reasoning,
			ToolCalls:    calls,
		}
		if ev.Complete.Usage != nil {
			payload.Usage = &protocol.UsageData{
				Prompt:     ev.Complete.Usage.Prompt,
				Completion: ev.Complete.Usage.Completion,
				Total:      ev.Complete.Usage.Total,
			}
		}
		a.Bus.Publish(bus.Event{Type: protocol.TypeStreamComplete, TaskID: a.currentTask, Payload: payload})
	}
}

// dispatchTool runs one tool call inside its own task node. Validation
// failures come back to the model verbatim as the tool message.
func (a *Agent) dispatchTool(ctx context.Context, rootID, convID string, call conversation.ToolCall) (tools.Result, error) {
	node, err := a.Graph.CreateSubtask(rootID, call.Function.Name)
	if err != nil {
		return tools.Result{}, err
	}
	a.Graph.UpdateStatus(node.ID, taskgraph.StatusInProgress, "", "")
	a.publishNodeStart(node)
	nodeStarted := time.Now()

	tc := &tools.Context{
		Workspace: a.ws.Path,
		TaskID:    a.currentTask,
		NodeID:    node.ID,
		Bus:       a.Bus,
		Followup:  a.Followup,
		Scheduler: a.scheduler,
		SkillsDir: a.ws.SkillsDir(),
	}

	result, execErr := a.executor.Execute(ctx, call, tc)

	var toolMessage string
	switch {
	case execErr != nil:
		// Validation errors go back to the model verbatim so it can fix
		// its arguments on the next step.
		toolMessage = execErr.Error()
		a.Graph.UpdateStatus(node.ID, taskgraph.StatusFailed, "", execErr.Error())
	case result.IsError:
		toolMessage = result.Content
		a.Graph.UpdateStatus(node.ID, taskgraph.StatusFailed, "", result.Content)
	default:
		toolMessage = result.Content
		a.Graph.UpdateStatus(node.ID, taskgraph.StatusCompleted, result.Content, "")
	}
	a.publishNodeComplete(node.ID, toolMessage, nodeStarted)

	a.ws.Conversations.Append(convID, conversation.NewToolMessage(call.ID, toolMessage))
	return result, execErr
}

func (a *Agent) failRoot(rootID, reason string) {
	if err := a.Graph.UpdateStatus(rootID, taskgraph.StatusFailed, "", reason); err != nil {
		slog.Debug("root already terminal", "node", rootID, "error", err)
	}
}

func (a *Agent) publishNodeStart(n *taskgraph.Node) {
	a.Bus.Publish(bus.Event{Type: protocol.TypeTaskNodeStart, TaskID: a.currentTask,
		Payload: protocol.TaskNodeStartPayload{
			TaskNodeID:  n.ID,
			ParentID:    n.ParentID,
			Description: n.Description,
		}})
}

func (a *Agent) publishNodeComplete(nodeID, result string, started time.Time) {
	a.Bus.Publish(bus.Event{Type: protocol.TypeTaskNodeComplete, TaskID: a.currentTask,
		Payload: protocol.TaskNodeCompletePayload{
			TaskNodeID: nodeID,
			Result:     result,
			DurationMs: time.Since(started).Milliseconds(),
		}})
}

func (a *Agent) publishError(err error) {
	a.publishTypedError(errorCode(err), err, llm.IsRetryable(err))
}

func (a *Agent) publishTypedError(code string, err error, recoverable bool) {
	a.Bus.Publish(bus.Event{Type: protocol.TypeError, TaskID: a.currentTask,
		Payload: protocol.ErrorPayload{Code: code, Message: err.Error(), Recoverable: recoverable}})
}

// errorCode maps transport errors to protocol error codes.
func errorCode(err error) string {
	var httpErr *llm.HTTPError
	switch {
	case errors.As(err, new(*llm.ValidationError)):
		return protocol.ErrCodeValidation
	case errors.As(err, new(*llm.ConfigurationError)):
		return protocol.ErrCodeConfiguration
	case errors.As(err, &httpErr) && httpErr.IsRateLimit():
		return protocol.ErrCodeRateLimit
	case errors.As(err, new(*llm.TimeoutError)) || errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrCodeTimeout
	case errors.As(err, new(*llm.ConnectionError)) || errors.As(err, new(*llm.StreamError)):
		return protocol.ErrCodeConnection
	case errors.As(err, new(*breaker.Error)):
		return protocol.ErrCodeCircuitOpen
	default:
		return protocol.ErrCodeInternal
	}
}
