package scheduler

import (
	"fmt"
	"sync"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/persist"
)

// ConversationTitle names the synthetic conversation a scheduled run
// replays through the agent pipeline. runNumber is 1-based.
func ConversationTitle(description string, runNumber int) string {
	return fmt.Sprintf("📅 %s (第%d次)", description, runNumber)
}

// Manager hands out one engine per workspace path.
type Manager struct {
	cfg config.SchedulerConfig

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewManager builds the manager.
func NewManager(cfg config.SchedulerConfig) *Manager {
	return &Manager{cfg: cfg, engines: make(map[string]*Engine)}
}

// Engine returns the engine for a workspace, creating it on first use.
func (m *Manager) Engine(workspace string, pm *persist.Manager, exec Executor) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[workspace]
	if !ok {
		e = NewEngine(m.cfg, pm, exec)
		m.engines[workspace] = e
	}
	return e
}

// StopWorkspace stops and forgets one workspace's engine.
func (m *Manager) StopWorkspace(workspace string) {
	m.mu.Lock()
	e, ok := m.engines[workspace]
	delete(m.engines, workspace)
	m.mu.Unlock()
	if ok {
		e.Stop()
	}
}

// StopAll stops every engine, for process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	engines := m.engines
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()
	for _, e := range engines {
		e.Stop()
	}
}
