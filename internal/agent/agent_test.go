package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dawei-ai/dawei/internal/bus"
	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/conversation"
	"github.com/dawei-ai/dawei/internal/llm"
	"github.com/dawei-ai/dawei/internal/persist"
	"github.com/dawei-ai/dawei/internal/taskgraph"
	"github.com/dawei-ai/dawei/internal/taskmgr"
	"github.com/dawei-ai/dawei/internal/workspace"
	"github.com/dawei-ai/dawei/pkg/protocol"
)

// sse builds one data: line.
func sse(delta string) string {
	return `data: {"id":"c","model":"m","choices":[{"delta":` + delta + `}]}`
}

func toolCallSSE(id, name, args string) string {
	escaped, _ := json.Marshal(args)
	return sse(fmt.Sprintf(
		`{"tool_calls":[{"index":0,"id":%q,"type":"function","function":{"name":%q,"arguments":%s}}]}`,
		id, name, escaped))
}

const probeResponse = `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"p","function":{"name":"ping","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`

// scriptedServer answers the tool probe affirmatively and then serves one
// scripted SSE body per chat request in order, repeating the last one.
func scriptedServer(t *testing.T, responses [][]string) *httptest.Server {
	t.Helper()
	var n atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")

		if strings.Contains(string(body), "Call the ping tool") {
			w.Write([]byte(probeResponse + "\n\ndata: [DONE]\n\n"))
			return
		}

		i := int(n.Add(1)) - 1
		if i >= len(responses) {
			i = len(responses) - 1
		}
		for _, line := range responses[i] {
			w.Write([]byte(line + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
}

func newTestAgent(t *testing.T, srv *httptest.Server) *Agent {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.DefaultProvider = "openai"
	cfg.Agent.DefaultModel = "m"
	cfg.Agent.MaxSteps = 6
	cfg.Breaker.MaxRetries = 0
	cfg.Providers = map[string]config.ProviderConfig{
		"openai": {APIKey: "k", APIBase: srv.URL, Enabled: true},
	}

	wsService := workspace.NewService(cfg)
	stack := llm.NewStack(cfg, nil)
	t.Cleanup(stack.Stop)
	manager := llm.NewManager(cfg, stack, nil)

	a, err := New(cfg, wsService, manager, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)
	return a
}

// busRecorder captures agent bus events.
type busRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *busRecorder) attach(b *bus.Bus) {
	b.Subscribe(func(ev bus.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
}

func (r *busRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *busRecorder) has(eventType string) bool {
	for _, t := range r.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

func TestToolLoopTurn(t *testing.T) {
	srv := scriptedServer(t, [][]string{
		{toolCallSSE("call_1", "get_time", `{"timezone":"UTC"}`)},
		{sse(`{"content":"All done."}`)},
	})
	defer srv.Close()

	a := newTestAgent(t, srv)
	var rec busRecorder
	rec.attach(a.Bus)

	var final taskmgr.Event
	done := make(chan struct{})
	taskID := a.ProcessMessage("", "what time is it?", func(ev taskmgr.Event) {
		if ev.Kind == taskmgr.EventCompletion {
			final = ev
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("turn never completed")
	}

	if final.Status != taskmgr.StatusCompleted {
		t.Fatalf("task = %+v", final)
	}
	if final.Result != "All done." {
		t.Errorf("result = %v", final.Result)
	}
	if taskID == "" {
		t.Error("empty task id")
	}

	for _, want := range []string{
		protocol.TypeLLMAPIRequest, protocol.TypeStreamToolCall, protocol.TypeStreamComplete,
		protocol.TypeToolCallStart, protocol.TypeToolCallResult,
		protocol.TypeTaskNodeStart, protocol.TypeTaskNodeComplete,
		protocol.TypeLLMAPIComplete, protocol.TypeAgentComplete,
	} {
		if !rec.has(want) {
			t.Errorf("missing bus event %s in %v", want, rec.types())
		}
	}

	root, ok := a.Graph.Root()
	if !ok || root.Status != taskgraph.StatusCompleted {
		t.Errorf("root = %+v", root)
	}
	if len(root.Children) != 1 {
		t.Errorf("children = %v", root.Children)
	}
}

func TestConversationShapeAfterToolTurn(t *testing.T) {
	srv := scriptedServer(t, [][]string{
		{toolCallSSE("call_1", "get_time", `{"timezone":"UTC"}`)},
		{sse(`{"content":"done"}`)},
	})
	defer srv.Close()

	a := newTestAgent(t, srv)
	conv := a.Workspace().Conversations.Create("test")

	done := make(chan struct{})
	a.ProcessMessage(conv.ID, "time please", func(ev taskmgr.Event) {
		if ev.Kind == taskmgr.EventCompletion {
			close(done)
		}
	})
	<-done

	msgs := a.Workspace().Conversations.Messages(conv.ID)
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []string{
		conversation.RoleUser, conversation.RoleAssistant,
		conversation.RoleTool, conversation.RoleAssistant,
	}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("message %d role = %s, want %s", i, roles[i], want[i])
		}
	}
	if msgs[2].ToolCallID != "call_1" {
		t.Errorf("tool message call id = %q", msgs[2].ToolCallID)
	}
}

func TestDuplicateToolCallAborts(t *testing.T) {
	// The model repeats the identical call on the second step.
	srv := scriptedServer(t, [][]string{
		{toolCallSSE("call_1", "get_time", `{"timezone":"UTC"}`)},
		{toolCallSSE("call_2", "get_time", `{"timezone":"UTC"}`)},
	})
	defer srv.Close()

	a := newTestAgent(t, srv)
	var rec busRecorder
	rec.attach(a.Bus)

	done := make(chan taskmgr.Event, 1)
	a.ProcessMessage("", "loop forever", func(ev taskmgr.Event) {
		if ev.Kind == taskmgr.EventCompletion {
			done <- ev
		}
	})

	final := <-done
	if final.Status != taskmgr.StatusFailed {
		t.Fatalf("task = %+v", final)
	}

	assertDuplicateAbortEvents(t, &rec)
}

// assertDuplicateAbortEvents checks the abort contract: a typed error
// frame plus a stream_complete closing the stream with finish_reason
// "error".
func assertDuplicateAbortEvents(t *testing.T, rec *busRecorder) {
	t.Helper()
	var sawDuplicate, sawErrorComplete bool
	rec.mu.Lock()
	for _, ev := range rec.events {
		switch ev.Type {
		case protocol.TypeError:
			if p, ok := ev.Payload.(protocol.ErrorPayload); ok && p.Code == protocol.ErrCodeDuplicateToolCall {
				sawDuplicate = true
			}
		case protocol.TypeStreamComplete:
			if p, ok := ev.Payload.(protocol.StreamCompletePayload); ok && p.FinishReason == "error" {
				sawErrorComplete = true
			}
		}
	}
	rec.mu.Unlock()
	if !sawDuplicate {
		t.Error("no DUPLICATE_TOOL_CALL error event")
	}
	if !sawErrorComplete {
		t.Error("no stream_complete with finish_reason error")
	}
}

func TestDuplicateWithinOneCompletionAborts(t *testing.T) {
	// Both identical calls arrive in the same completion; only the
	// first may execute.
	srv := scriptedServer(t, [][]string{
		{sse(`{"tool_calls":[` +
			`{"index":0,"id":"a","type":"function","function":{"name":"get_time","arguments":"{\"timezone\":\"UTC\"}"}},` +
			`{"index":1,"id":"b","type":"function","function":{"name":"get_time","arguments":"{\"timezone\":\"UTC\"}"}}]}`)},
	})
	defer srv.Close()

	a := newTestAgent(t, srv)
	var rec busRecorder
	rec.attach(a.Bus)

	done := make(chan taskmgr.Event, 1)
	a.ProcessMessage("", "twice at once", func(ev taskmgr.Event) {
		if ev.Kind == taskmgr.EventCompletion {
			done <- ev
		}
	})

	final := <-done
	if final.Status != taskmgr.StatusFailed {
		t.Fatalf("task = %+v", final)
	}
	assertDuplicateAbortEvents(t, &rec)

	var results int
	rec.mu.Lock()
	for _, ev := range rec.events {
		if ev.Type == protocol.TypeToolCallResult {
			results++
		}
	}
	rec.mu.Unlock()
	if results > 1 {
		t.Errorf("tool results = %d, want at most 1", results)
	}
}

func TestConsecutiveMistakesAbort(t *testing.T) {
	// Different invalid arguments each step dodge the duplicate guard but
	// fail schema validation every time.
	srv := scriptedServer(t, [][]string{
		{toolCallSSE("c1", "get_time", `{"timezone":1}`)},
		{toolCallSSE("c2", "get_time", `{"timezone":2}`)},
		{toolCallSSE("c3", "get_time", `{"timezone":3}`)},
	})
	defer srv.Close()

	a := newTestAgent(t, srv)

	done := make(chan taskmgr.Event, 1)
	a.ProcessMessage("", "bad args", func(ev taskmgr.Event) {
		if ev.Kind == taskmgr.EventCompletion {
			done <- ev
		}
	})

	final := <-done
	if final.Status != taskmgr.StatusFailed {
		t.Fatalf("task = %+v", final)
	}
	if !strings.Contains(final.Err, "consecutive mistakes") {
		t.Errorf("error = %q", final.Err)
	}

	root, _ := a.Graph.Root()
	if root.Status != taskgraph.StatusFailed {
		t.Errorf("root = %+v", root)
	}
}

func TestStopCancelsTurn(t *testing.T) {
	// The model asks a followup question nobody answers; Stop cancels
	// the blocked tool mid-call.
	srv := scriptedServer(t, [][]string{
		{toolCallSSE("call_1", "ask_followup_question", `{"question":"proceed?"}`)},
	})
	defer srv.Close()

	a := newTestAgent(t, srv)

	started := make(chan struct{})
	a.Bus.Subscribe(func(bus.Event) {
		select {
		case <-started:
		default:
			close(started)
		}
	}, protocol.TypeToolCallStart)

	done := make(chan taskmgr.Event, 1)
	a.ProcessMessage("", "wait a minute", func(ev taskmgr.Event) {
		if ev.Kind == taskmgr.EventCompletion {
			done <- ev
		}
	})

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("tool never started")
	}
	if !a.Stop() {
		t.Fatal("stop reported no running task")
	}

	final := <-done
	if final.Status != taskmgr.StatusCancelled {
		t.Errorf("task = %+v", final)
	}
	if a.Stop() {
		t.Error("second stop reported a running task")
	}
}

func TestStopSavesConversation(t *testing.T) {
	// A cancelled turn keeps the messages produced before the stop.
	srv := scriptedServer(t, [][]string{
		{toolCallSSE("call_1", "ask_followup_question", `{"question":"continue?"}`)},
	})
	defer srv.Close()

	a := newTestAgent(t, srv)
	conv := a.Workspace().Conversations.Create("interrupted")

	started := make(chan struct{})
	a.Bus.Subscribe(func(bus.Event) {
		select {
		case <-started:
		default:
			close(started)
		}
	}, protocol.TypeToolCallStart)

	done := make(chan taskmgr.Event, 1)
	a.ProcessMessage(conv.ID, "long running request", func(ev taskmgr.Event) {
		if ev.Kind == taskmgr.EventCompletion {
			done <- ev
		}
	})

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("tool never started")
	}
	if !a.Stop() {
		t.Fatal("stop reported no running task")
	}
	final := <-done
	if final.Status != taskmgr.StatusCancelled {
		t.Fatalf("task = %+v", final)
	}

	var saved conversation.Conversation
	if err := a.Workspace().Persist.Load(persist.TypeConversation, conv.ID, &saved); err != nil {
		t.Fatalf("conversation not on disk after stop: %v", err)
	}
	if len(saved.Messages) == 0 {
		t.Fatal("saved conversation has no messages")
	}
	if saved.Messages[0].Role != conversation.RoleUser {
		t.Errorf("first saved message role = %s", saved.Messages[0].Role)
	}
}

func TestScheduledRunWait(t *testing.T) {
	srv := scriptedServer(t, [][]string{
		{sse(`{"content":"report sent"}`)},
	})
	defer srv.Close()

	a := newTestAgent(t, srv)
	taskID := a.ProcessMessage("", "send the daily report", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Wait(ctx, taskID); err != nil {
		t.Fatal(err)
	}
	status, _ := a.TaskStatus(taskID)
	if status != taskmgr.StatusCompleted {
		t.Errorf("status = %s", status)
	}
}
