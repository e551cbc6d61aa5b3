// Package gateway is the WebSocket front door: it upgrades connections,
// tracks client sessions, routes inbound frames to agents and forwards
// agent bus events back out as protocol frames.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dawei-ai/dawei/internal/agent"
	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/llm"
	"github.com/dawei-ai/dawei/internal/scheduler"
	"github.com/dawei-ai/dawei/internal/workspace"
	"github.com/dawei-ai/dawei/pkg/protocol"
)

// session is the per-client agent binding.
type session struct {
	client    *Client
	agent     *agent.Agent
	forwarder string // bus subscription id
	tasks     map[string]bool
}

// Server owns the HTTP listener and the live sessions.
type Server struct {
	cfg       *config.Config
	workspace *workspace.Service
	llm       *llm.Manager
	scheduler *scheduler.Manager

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu       sync.Mutex
	sessions map[string]*session // session id → session
}

// New builds the gateway server.
func New(cfg *config.Config, ws *workspace.Service, llmManager *llm.Manager, sched *scheduler.Manager) *Server {
	s := &Server{
		cfg:       cfg,
		workspace: ws,
		llm:       llmManager,
		scheduler: sched,
		sessions:  make(map[string]*session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Handler returns the HTTP mux serving /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","active_requests":%d,"pending":%d}`,
			s.llm.Stack().ActiveRequests(), s.llm.Stack().Pending())
	})
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.closeSessions()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(s, conn)
	s.mu.Lock()
	s.sessions[c.SessionID] = &session{client: c, tasks: make(map[string]bool)}
	s.mu.Unlock()

	slog.Info("client connected", "session", c.SessionID)
	go c.writePump()
	go c.readPump()
}

// disconnect tears down a session: the event forwarder detaches before
// the agent closes, so no frame is built for a dead connection.
func (s *Server) disconnect(c *Client) {
	s.mu.Lock()
	sess, ok := s.sessions[c.SessionID]
	delete(s.sessions, c.SessionID)
	s.mu.Unlock()
	if !ok {
		return
	}

	close(c.done)
	c.conn.Close()

	if sess.agent != nil {
		sess.agent.Bus.Unsubscribe(sess.forwarder)
		sess.agent.Stop()
		sess.agent.Close()
	}
	slog.Info("client disconnected", "session", c.SessionID)
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.sessions))
	for _, sess := range s.sessions {
		clients = append(clients, sess.client)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.disconnect(c)
	}
}

// Broadcast sends a frame to every connected client.
func (s *Server) Broadcast(f *protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.client.Send(f)
	}
}

func (s *Server) sessionFor(c *Client) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[c.SessionID]
}
