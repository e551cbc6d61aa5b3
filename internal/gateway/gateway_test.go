package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/llm"
	"github.com/dawei-ai/dawei/internal/scheduler"
	"github.com/dawei-ai/dawei/internal/workspace"
	"github.com/dawei-ai/dawei/pkg/protocol"
)

const probeLine = `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"p","function":{"name":"ping","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`

// llmStub serves the tool probe plus a fixed content response.
func llmStub(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		if strings.Contains(string(body), "Call the ping tool") {
			w.Write([]byte(probeLine + "\n\ndata: [DONE]\n\n"))
			return
		}
		escaped, _ := json.Marshal(content)
		w.Write([]byte(`data: {"id":"c","model":"m","choices":[{"delta":{"content":` + string(escaped) + `}}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
}

type testGateway struct {
	conn      *websocket.Conn
	workspace string
}

func newTestGateway(t *testing.T, llmSrv *httptest.Server) *testGateway {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.DefaultProvider = "openai"
	cfg.Agent.DefaultModel = "m"
	cfg.Breaker.MaxRetries = 0
	cfg.Providers = map[string]config.ProviderConfig{
		"openai": {APIKey: "k", APIBase: llmSrv.URL, Enabled: true},
	}

	wsService := workspace.NewService(cfg)
	stack := llm.NewStack(cfg, nil)
	t.Cleanup(stack.Stop)
	manager := llm.NewManager(cfg, stack, nil)
	sched := scheduler.NewManager(cfg.Scheduler)
	t.Cleanup(sched.StopAll)

	gw := New(cfg, wsService, manager, sched)
	httpSrv := httptest.NewServer(gw.Handler())
	t.Cleanup(httpSrv.Close)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	return &testGateway{conn: conn, workspace: t.TempDir()}
}

func (g *testGateway) send(t *testing.T, msgType string, payload any) {
	t.Helper()
	if err := g.conn.WriteJSON(protocol.NewFrame(msgType, "", payload)); err != nil {
		t.Fatal(err)
	}
}

func (g *testGateway) sendUserMessage(t *testing.T, content string) {
	t.Helper()
	g.send(t, protocol.TypeUserMessage, protocol.UserMessagePayload{
		Content:  content,
		Metadata: protocol.MessageMetadata{WorkspaceID: g.workspace},
	})
}

// readUntil collects frames until one of msgType arrives.
func (g *testGateway) readUntil(t *testing.T, msgType string) ([]protocol.Frame, protocol.Frame) {
	t.Helper()
	g.conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	var seen []protocol.Frame
	for {
		var f protocol.Frame
		if err := g.conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s, got %v after %d frames %v", msgType, err, len(seen), frameTypes(seen))
		}
		if f.Type == msgType {
			return seen, f
		}
		seen = append(seen, f)
	}
}

func frameTypes(frames []protocol.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func TestChatTurnOverWebSocket(t *testing.T) {
	llmSrv := llmStub(t, "Hello from the agent")
	defer llmSrv.Close()

	g := newTestGateway(t, llmSrv)
	g.sendUserMessage(t, "hi")

	seen, final := g.readUntil(t, protocol.TypeAgentComplete)

	var sawContent, sawComplete bool
	for _, f := range seen {
		switch f.Type {
		case protocol.TypeStreamContent:
			sawContent = true
		case protocol.TypeStreamComplete:
			sawComplete = true
		}
	}
	if !sawContent || !sawComplete {
		t.Errorf("frames before completion = %v", frameTypes(seen))
	}

	var payload protocol.AgentCompletePayload
	if err := json.Unmarshal(final.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.ResultSummary != "Hello from the agent" {
		t.Errorf("result = %q", payload.ResultSummary)
	}
}

func TestValidationErrors(t *testing.T) {
	llmSrv := llmStub(t, "x")
	defer llmSrv.Close()
	g := newTestGateway(t, llmSrv)

	g.send(t, protocol.TypeUserMessage, protocol.UserMessagePayload{Content: "   "})
	_, errFrame := g.readUntil(t, protocol.TypeError)
	var p protocol.ErrorPayload
	json.Unmarshal(errFrame.Payload, &p)
	if p.Code != protocol.ErrCodeValidation {
		t.Errorf("code = %s", p.Code)
	}

	g.send(t, "bogus_type", nil)
	_, errFrame = g.readUntil(t, protocol.TypeError)
	json.Unmarshal(errFrame.Payload, &p)
	if !strings.Contains(p.Message, "bogus_type") {
		t.Errorf("message = %q", p.Message)
	}
}

func TestStopWithoutRunningTaskConfirms(t *testing.T) {
	llmSrv := llmStub(t, "x")
	defer llmSrv.Close()
	g := newTestGateway(t, llmSrv)

	g.send(t, protocol.TypeAgentStop, protocol.AgentStopPayload{TaskID: "none"})
	_, frame := g.readUntil(t, protocol.TypeAgentStopped)

	var p protocol.AgentStoppedPayload
	json.Unmarshal(frame.Payload, &p)
	if p.Partial {
		t.Error("idle stop reported partial work")
	}
	if p.ResultSummary != "task already completed" {
		t.Errorf("summary = %q", p.ResultSummary)
	}
}

func TestSystemCommand(t *testing.T) {
	llmSrv := llmStub(t, "x")
	defer llmSrv.Close()
	g := newTestGateway(t, llmSrv)

	g.sendUserMessage(t, "!echo hello world")
	seen, final := g.readUntil(t, protocol.TypeAgentComplete)

	var output string
	for _, f := range seen {
		if f.Type == protocol.TypeStreamContent {
			var p protocol.StreamTextPayload
			json.Unmarshal(f.Payload, &p)
			output += p.Content
		}
	}
	if !strings.Contains(output, "hello world") {
		t.Errorf("output = %q", output)
	}

	var done protocol.AgentCompletePayload
	json.Unmarshal(final.Payload, &done)
	if !strings.Contains(done.ResultSummary, "exit 0") {
		t.Errorf("summary = %q", done.ResultSummary)
	}
}

func TestRunSystemCommandResult(t *testing.T) {
	dir := t.TempDir()

	ok := runSystemCommand(dir, []string{"echo", "hi"})
	if ok.ExitCode != 0 || !strings.Contains(ok.Stdout, "hi") || ok.Stderr != "" {
		t.Errorf("result = %+v", ok)
	}
	if ok.Cwd != dir || ok.Command != "echo hi" || ok.ExecutionTime < 0 {
		t.Errorf("result = %+v", ok)
	}

	// Failure keeps stderr apart from stdout and reports the exit code.
	bad := runSystemCommand(dir, []string{"ls", "does-not-exist"})
	if bad.ExitCode == 0 {
		t.Error("missing file reported exit 0")
	}
	if bad.Stderr == "" {
		t.Error("stderr empty on failure")
	}
	if strings.Contains(bad.Stdout, "does-not-exist") {
		t.Errorf("stderr leaked into stdout: %q", bad.Stdout)
	}
}

func TestSystemCommandAllowList(t *testing.T) {
	llmSrv := llmStub(t, "x")
	defer llmSrv.Close()
	g := newTestGateway(t, llmSrv)

	g.sendUserMessage(t, "!rm -rf /")
	_, errFrame := g.readUntil(t, protocol.TypeError)

	var p protocol.ErrorPayload
	json.Unmarshal(errFrame.Payload, &p)
	if !strings.Contains(p.Message, "not allowed") {
		t.Errorf("message = %q", p.Message)
	}
}

func TestFollowupWithoutAgentRejected(t *testing.T) {
	llmSrv := llmStub(t, "x")
	defer llmSrv.Close()
	g := newTestGateway(t, llmSrv)

	g.send(t, protocol.TypeFollowupResponse, protocol.FollowupResponsePayload{
		ToolCallID: "c1", Response: "yes",
	})
	_, errFrame := g.readUntil(t, protocol.TypeError)
	var p protocol.ErrorPayload
	json.Unmarshal(errFrame.Payload, &p)
	if p.Code != protocol.ErrCodeValidation {
		t.Errorf("code = %s", p.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	llmSrv := llmStub(t, "x")
	defer llmSrv.Close()

	cfg := config.Default()
	cfg.Providers = map[string]config.ProviderConfig{}
	wsService := workspace.NewService(cfg)
	stack := llm.NewStack(cfg, nil)
	defer stack.Stop()
	gw := New(cfg, wsService, llm.NewManager(cfg, stack, nil), scheduler.NewManager(cfg.Scheduler))

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("health = %s", body)
	}
}
