package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dawei-ai/dawei/internal/agent"
	"github.com/dawei-ai/dawei/internal/bus"
	"github.com/dawei-ai/dawei/internal/scheduler"
	"github.com/dawei-ai/dawei/internal/taskmgr"
	"github.com/dawei-ai/dawei/internal/workspace"
	"github.com/dawei-ai/dawei/pkg/protocol"
)

// dispatch routes one inbound frame.
func (s *Server) dispatch(c *Client, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeUserMessage:
		s.handleUserMessage(c, frame)
	case protocol.TypeFollowupResponse:
		s.handleFollowupResponse(c, frame)
	case protocol.TypeAgentStop, protocol.TypeAgentPause:
		s.handleAgentStop(c, frame)
	default:
		c.SendError(protocol.ErrCodeValidation,
			fmt.Sprintf("unknown message type %q", frame.Type), true)
	}
}

func (s *Server) handleUserMessage(c *Client, frame *protocol.Frame) {
	var payload protocol.UserMessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.SendError(protocol.ErrCodeValidation, "malformed user_message payload", true)
		return
	}
	if strings.TrimSpace(payload.Content) == "" {
		c.SendError(protocol.ErrCodeValidation, "message content is empty", true)
		return
	}
	if payload.Metadata.WorkspaceID == "" {
		c.SendError(protocol.ErrCodeValidation, "metadata.workspaceId is required", true)
		return
	}

	sess := s.sessionFor(c)
	if sess == nil {
		return
	}

	a, err := s.ensureAgent(sess, payload.Metadata.WorkspaceID)
	if err != nil {
		c.SendError(protocol.ErrCodeConfiguration, err.Error(), false)
		return
	}

	// Shell-prefixed messages bypass the model entirely.
	if strings.HasPrefix(payload.Content, "!") {
		s.handleSystemCommand(c, a, payload.Metadata.ConversationID,
			strings.TrimPrefix(payload.Content, "!"))
		return
	}

	taskID := a.ProcessMessage(payload.Metadata.ConversationID, payload.Content,
		func(ev taskmgr.Event) {
			if ev.Kind != taskmgr.EventCompletion {
				return
			}
			s.mu.Lock()
			if sess, ok := s.sessions[c.SessionID]; ok {
				delete(sess.tasks, ev.TaskID)
			}
			s.mu.Unlock()
			if ev.Status == taskmgr.StatusCancelled {
				c.Send(protocol.NewFrame(protocol.TypeAgentStopped, c.SessionID,
					protocol.AgentStoppedPayload{StoppedAt: time.Now().UTC(), Partial: true}))
			}
		})

	s.mu.Lock()
	if sess, ok := s.sessions[c.SessionID]; ok {
		sess.tasks[taskID] = true
	}
	s.mu.Unlock()
}

// ensureAgent binds an agent (and its event forwarder) to the session,
// replacing it when the client switches workspaces.
func (s *Server) ensureAgent(sess *session, workspacePath string) (*agent.Agent, error) {
	resolved, err := workspace.Resolve(workspacePath)
	if err != nil {
		return nil, err
	}
	if sess.agent != nil {
		if sess.agent.Workspace().Path == resolved {
			return sess.agent, nil
		}
		sess.agent.Bus.Unsubscribe(sess.forwarder)
		sess.agent.Stop()
		sess.agent.Close()
		sess.agent = nil
	}

	a, err := agent.New(s.cfg, s.workspace, s.llm, resolved)
	if err != nil {
		return nil, err
	}

	client := sess.client
	forwarder := a.Bus.Subscribe(func(ev bus.Event) {
		client.Send(protocol.NewFrame(ev.Type, client.SessionID, ev.Payload))
	})

	s.mu.Lock()
	sess.agent = a
	sess.forwarder = forwarder
	s.mu.Unlock()

	s.ensureScheduler(a)
	return a, nil
}

// ensureScheduler starts the workspace's scheduler engine with an
// executor that replays scheduled tasks through a fresh agent, and hands
// the engine to the agent's timer tool.
func (s *Server) ensureScheduler(a *agent.Agent) {
	ws := a.Workspace()
	var engRef atomic.Pointer[scheduler.Engine]
	eng := s.scheduler.Engine(ws.Path, ws.Persist, func(ctx context.Context, task *scheduler.Task) error {
		runner, err := agent.New(s.cfg, s.workspace, s.llm, task.Workspace)
		if err != nil {
			return err
		}
		defer runner.Close()
		if e := engRef.Load(); e != nil {
			runner.SetScheduler(e)
		}

		conv := runner.Workspace().Conversations.Create(
			scheduler.ConversationTitle(task.Description, task.RunCount+1))
		taskID := runner.ProcessMessage(conv.ID, task.Description, nil)
		if err := runner.Wait(ctx, taskID); err != nil {
			runner.Stop()
			return err
		}
		if status, _ := runner.TaskStatus(taskID); status != taskmgr.StatusCompleted {
			return fmt.Errorf("scheduled run finished with status %s", status)
		}
		return nil
	})
	engRef.Store(eng)
	a.SetScheduler(eng)
}

func (s *Server) handleFollowupResponse(c *Client, frame *protocol.Frame) {
	var payload protocol.FollowupResponsePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.SendError(protocol.ErrCodeValidation, "malformed followup_response payload", true)
		return
	}

	sess := s.sessionFor(c)
	if sess == nil || sess.agent == nil {
		c.SendError(protocol.ErrCodeValidation, "no agent for this session", true)
		return
	}
	if !sess.agent.Followup.Resolve(payload.ToolCallID, payload.Response) {
		c.SendError(protocol.ErrCodeValidation,
			fmt.Sprintf("no pending question for tool call %s", payload.ToolCallID), true)
	}
}

// handleAgentStop cancels the running turn. Stopping an already-finished
// task is confirmed rather than treated as an error.
func (s *Server) handleAgentStop(c *Client, frame *protocol.Frame) {
	sess := s.sessionFor(c)
	if sess == nil || sess.agent == nil || !sess.agent.Stop() {
		c.Send(protocol.NewFrame(protocol.TypeAgentStopped, c.SessionID,
			protocol.AgentStoppedPayload{
				StoppedAt:     time.Now().UTC(),
				ResultSummary: "task already completed",
				Partial:       false,
			}))
		return
	}
	slog.Info("agent stop requested", "session", c.SessionID)
	// The taskmgr completion listener sends the agent_stopped frame once
	// the loop actually unwinds.
}
