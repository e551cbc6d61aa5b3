// Package workspace manages per-workspace runtime contexts. A context
// bundles the persistence manager, conversation store and live settings
// for one directory; contexts are reference-counted and torn down when
// the last agent releases them.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/conversation"
	"github.com/dawei-ai/dawei/internal/persist"
)

// Context is the shared runtime state of one workspace.
type Context struct {
	Path          string
	Persist       *persist.Manager
	Conversations *conversation.Store

	mu       sync.RWMutex
	settings config.WorkspaceSettings
	refs     int
	torn     bool // set once teardown is committed; the context cannot be revived

	watcher *fsnotify.Watcher
	closers []func() // run in order on teardown
}

// Settings returns a copy of the current merged settings.
func (c *Context) Settings() config.WorkspaceSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// SkillsDir is where this workspace's skill documents live.
func (c *Context) SkillsDir() string {
	return filepath.Join(c.Path, ".dawei", "skills")
}

// HTTPLogDir is where request/response logs go when enabled.
func (c *Context) HTTPLogDir() string {
	return filepath.Join(c.Path, ".dawei", "http")
}

// OnTeardown registers fn to run when the context is destroyed. Closers
// run in registration order.
func (c *Context) OnTeardown(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, fn)
}

func (c *Context) reloadSettings() {
	s, err := config.LoadWorkspaceSettings(c.Path)
	if err != nil {
		slog.Warn("workspace settings reload failed", "workspace", c.Path, "error", err)
		return
	}
	c.mu.Lock()
	c.settings = *s
	c.mu.Unlock()
	slog.Info("workspace settings reloaded", "workspace", c.Path)
}

// watchSettings reloads the merged settings whenever settings.json or
// config.json under .dawei changes.
func (c *Context) watchSettings() error {
	dir := filepath.Join(c.Path, ".dawei")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	c.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if name != "settings.json" && name != "config.json" {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					c.reloadSettings()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("settings watcher error", "workspace", c.Path, "error", err)
			}
		}
	}()
	return nil
}

func (c *Context) teardown() {
	if c.watcher != nil {
		c.watcher.Close()
	}
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()
	for _, fn := range closers {
		fn()
	}
	c.Conversations.Close()
}

// UserWorkspace is the externally visible view of a tracked workspace.
type UserWorkspace struct {
	Path        string `json:"path"`
	AgentMode   string `json:"agent_mode,omitempty"`
	LLMProvider string `json:"llm_provider,omitempty"`
	LLMModel    string `json:"llm_model,omitempty"`
	ActiveRefs  int    `json:"active_refs"`
}

// Service hands out workspace contexts keyed by resolved absolute path.
type Service struct {
	cfg *config.Config

	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewService builds the service.
func NewService(cfg *config.Config) *Service {
	return &Service{cfg: cfg, contexts: make(map[string]*Context)}
}

// GetContext returns the context for path, creating it on first use, and
// takes one reference. Callers must pair with Release.
func (s *Service) GetContext(path string) (*Context, error) {
	abs, err := resolve(path)
	if err != nil {
		return nil, err
	}

	// Fast path. retain can lose the race against the last Release, in
	// which case the context is already committed to teardown and must
	// not be handed out again.
	s.mu.RLock()
	c, ok := s.contexts[abs]
	s.mu.RUnlock()
	if ok && s.retain(c) {
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contexts[abs]; ok && s.retain(c) {
		return c, nil
	}

	c, err = s.build(abs)
	if err != nil {
		return nil, err
	}
	c.refs = 1
	s.contexts[abs] = c
	return c, nil
}

func (s *Service) build(abs string) (*Context, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", abs)
	}

	pm := persist.New(abs, s.cfg.Persist)
	c := &Context{
		Path:          abs,
		Persist:       pm,
		Conversations: conversation.NewStore(pm, s.cfg.Persist.AutoSaveInterval),
	}

	settings, err := config.LoadWorkspaceSettings(abs)
	if err != nil {
		slog.Warn("workspace settings load failed", "workspace", abs, "error", err)
	} else {
		c.settings = *settings
	}

	if err := c.watchSettings(); err != nil {
		slog.Warn("settings watcher unavailable", "workspace", abs, "error", err)
	}

	slog.Info("workspace context created", "workspace", abs)
	return c, nil
}

// retain takes one reference, refusing a context whose teardown has
// already been committed.
func (s *Service) retain(c *Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn {
		return false
	}
	c.refs++
	return true
}

// Release drops one reference. The last release marks the context torn
// under its own lock, so a concurrent retain either lands before the
// decision (keeping the context alive) or is refused.
func (s *Service) Release(c *Context) {
	c.mu.Lock()
	c.refs--
	done := c.refs <= 0 && !c.torn
	if done {
		c.torn = true
	}
	c.mu.Unlock()
	if !done {
		return
	}

	s.mu.Lock()
	// A new context for the same path may already be in the map.
	if cur, ok := s.contexts[c.Path]; ok && cur == c {
		delete(s.contexts, c.Path)
	}
	s.mu.Unlock()

	c.teardown()
	slog.Info("workspace context destroyed", "workspace", c.Path)
}

// RemoveContext force-destroys a context regardless of references.
func (s *Service) RemoveContext(path string) error {
	abs, err := resolve(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	c, ok := s.contexts[abs]
	delete(s.contexts, abs)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no context for %s", abs)
	}

	c.mu.Lock()
	already := c.torn
	c.torn = true
	c.mu.Unlock()
	if already {
		return nil
	}

	c.teardown()
	slog.Info("workspace context force-removed", "workspace", abs)
	return nil
}

// List returns the tracked workspaces.
func (s *Service) List() []UserWorkspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserWorkspace, 0, len(s.contexts))
	for _, c := range s.contexts {
		settings := c.Settings()
		c.mu.RLock()
		refs := c.refs
		c.mu.RUnlock()
		out = append(out, UserWorkspace{
			Path:        c.Path,
			AgentMode:   settings.AgentMode,
			LLMProvider: settings.LLMProvider,
			LLMModel:    settings.LLMModel,
			ActiveRefs:  refs,
		})
	}
	return out
}

// Resolve canonicalizes a workspace path the way GetContext does, so
// callers can compare user-supplied paths against Context.Path.
func Resolve(path string) (string, error) {
	return resolve(path)
}

func resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace path is empty")
	}
	abs, err := filepath.Abs(config.ExpandHome(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}
