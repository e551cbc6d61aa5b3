// Package agent is the composition root of one agent session: it binds a
// workspace context, a task graph, a tool registry and the LLM manager,
// and runs user messages through the think-act loop.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dawei-ai/dawei/internal/bus"
	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/conversation"
	"github.com/dawei-ai/dawei/internal/llm"
	"github.com/dawei-ai/dawei/internal/persist"
	"github.com/dawei-ai/dawei/internal/taskgraph"
	"github.com/dawei-ai/dawei/internal/taskmgr"
	"github.com/dawei-ai/dawei/internal/tools"
	"github.com/dawei-ai/dawei/internal/workspace"
)

// Agent is one live agent bound to a workspace.
type Agent struct {
	ID string

	cfg       *config.Config
	ws        *workspace.Context
	wsService *workspace.Service
	llm       *llm.Manager

	Bus      *bus.Bus
	Graph    *taskgraph.Graph
	Registry *tools.Registry
	Followup *tools.FollowupBroker

	executor  *tools.Executor
	tasks     *taskmgr.Manager
	graphDeb  *persist.Debouncer
	httplog   *llm.HTTPLog
	scheduler tools.TaskScheduler

	currentTask string
}

// New builds an agent over workspacePath, acquiring one reference on the
// workspace context. Close releases it.
func New(cfg *config.Config, wsService *workspace.Service, llmManager *llm.Manager, workspacePath string) (*Agent, error) {
	wsCtx, err := wsService.GetContext(workspacePath)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		ID:        uuid.NewString(),
		cfg:       cfg,
		ws:        wsCtx,
		wsService: wsService,
		llm:       llmManager,
		Bus:       bus.New(),
		Graph:     taskgraph.New(),
		Registry:  tools.NewRegistry(),
		tasks:     taskmgr.New(),
	}
	a.Followup = tools.NewFollowupBroker(a.Bus)
	a.executor = tools.NewExecutor(a.Registry)

	if err := tools.RegisterBuiltins(a.Registry); err != nil {
		wsService.Release(wsCtx)
		return nil, err
	}

	settings := wsCtx.Settings()
	if len(settings.AllowedTools) > 0 {
		a.Registry.SetAllowed(settings.AllowedTools)
	}
	if settings.HTTPLogging {
		a.httplog = llm.NewHTTPLog(wsCtx.HTTPLogDir())
	}

	// Debounced task graph persistence; flushed on teardown first.
	a.graphDeb = persist.NewDebouncer(time.Second, a.saveGraph)
	a.Graph.Changed = a.graphDeb.Trigger

	slog.Info("agent created", "agent", a.ID, "workspace", wsCtx.Path)
	return a, nil
}

// Workspace returns the bound workspace context.
func (a *Agent) Workspace() *workspace.Context { return a.ws }

// SetScheduler hands the timer tool its scheduler backend. Must be called
// before the first ProcessMessage.
func (a *Agent) SetScheduler(s tools.TaskScheduler) { a.scheduler = s }

// Close flushes the graph, cancels running work and releases the
// workspace reference.
func (a *Agent) Close() {
	if a.currentTask != "" {
		a.tasks.Cancel(a.currentTask)
	}
	a.graphDeb.Close()
	a.wsService.Release(a.ws)
	slog.Info("agent closed", "agent", a.ID)
}

func (a *Agent) saveGraph() {
	snap := a.Graph.Export()
	if len(snap.Nodes) == 0 {
		return
	}
	if err := a.ws.Persist.Save(persist.TypeTaskGraph, a.ID, snap); err != nil {
		slog.Error("task graph persist failed", "agent", a.ID, "error", err)
	}
}

// provider and model resolve workspace settings over server defaults.
func (a *Agent) provider() string {
	if p := a.ws.Settings().LLMProvider; p != "" {
		return p
	}
	return a.cfg.Agent.DefaultProvider
}

func (a *Agent) model() string {
	if m := a.ws.Settings().LLMModel; m != "" {
		return m
	}
	return a.cfg.Agent.DefaultModel
}

func (a *Agent) mode() string {
	if m := a.ws.Settings().AgentMode; m != "" {
		return m
	}
	return a.cfg.Agent.DefaultMode
}

// ProcessMessage appends the user message and starts the think-act loop
// asynchronously. The listener receives taskmgr lifecycle events; stream
// and tool events go out on the agent's bus. Returns the task ID.
func (a *Agent) ProcessMessage(conversationID, text string, listener taskmgr.Listener) string {
	convID := a.ensureConversation(conversationID)
	a.ws.Conversations.Append(convID, conversation.NewUserMessage(text))

	// The gate orders the currentTask assignment before the loop reads it.
	ready := make(chan struct{})
	taskID := a.tasks.Submit(func(ctx context.Context, report func(any)) (any, error) {
		<-ready
		return a.runLoop(ctx, convID, report)
	}, 0, listener)
	a.currentTask = taskID
	close(ready)
	return taskID
}

func (a *Agent) ensureConversation(id string) string {
	if id != "" {
		if _, ok := a.ws.Conversations.Get(id); ok {
			return id
		}
	}
	c := a.ws.Conversations.Create("")
	return c.ID
}

// Stop cancels the running task and every active task node.
func (a *Agent) Stop() bool {
	if a.currentTask == "" {
		return false
	}
	status, ok := a.tasks.Status(a.currentTask)
	if !ok || status != taskmgr.StatusRunning && status != taskmgr.StatusPending {
		return false
	}
	a.tasks.Cancel(a.currentTask)
	cancelled := a.Graph.CancelActive()
	slog.Info("agent stopped", "agent", a.ID, "cancelled_nodes", len(cancelled))
	return true
}

// TaskStatus exposes the lifecycle status of one of this agent's tasks.
func (a *Agent) TaskStatus(taskID string) (taskmgr.Status, bool) {
	return a.tasks.Status(taskID)
}

// Wait blocks until the given task finishes, for tests and scheduled runs.
func (a *Agent) Wait(ctx context.Context, taskID string) error {
	return a.tasks.Wait(ctx, taskID)
}
