package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dawei-ai/dawei/internal/config"
)

// Resource types. Each maps to one directory under {root}/.dawei/.
const (
	TypeConversation  = "conversations"
	TypeTaskGraph     = "task_graphs"
	TypeTaskNode      = "task_nodes"
	TypeScheduledTask = "scheduled_tasks"
)

const failureDir = "persistence_failures"

// ErrNotFound is returned by Load for an absent resource.
var ErrNotFound = errors.New("resource not found")

// Manager persists JSON resources under one workspace's .dawei directory.
// Saves are serialized per (type, id) and retried with exponential
// backoff; exhausted retries are recorded as JSONL failure alerts.
type Manager struct {
	root string // {workspace}/.dawei
	cfg  config.PersistConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a manager rooted at the workspace's .dawei directory.
func New(workspace string, cfg config.PersistConfig) *Manager {
	return NewAt(filepath.Join(workspace, ".dawei"), cfg)
}

// NewAt builds a manager writing directly under root, for stores outside
// a workspace such as the checkpoint directory in the dawei home.
func NewAt(root string, cfg config.PersistConfig) *Manager {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	return &Manager{
		root:  root,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

// Root returns the .dawei directory this manager writes under.
func (m *Manager) Root() string { return m.root }

func (m *Manager) lockFor(resourceType, id string) *sync.Mutex {
	key := resourceType + "/" + id
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *Manager) path(resourceType, id string) string {
	return filepath.Join(m.root, resourceType, sanitizeID(id)+".json")
}

// sanitizeID keeps resource IDs filesystem-safe.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, id)
}

// Save marshals v and writes it atomically, retrying transient failures.
// After the final attempt fails, a failure alert is appended and the
// error returned.
func (m *Manager) Save(resourceType, id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", resourceType, id, err)
	}

	l := m.lockFor(resourceType, id)
	l.Lock()
	defer l.Unlock()

	path := m.path(resourceType, id)
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := m.cfg.RetryBaseDelay << (attempt - 1)
			if delay > m.cfg.RetryMaxDelay {
				delay = m.cfg.RetryMaxDelay
			}
			time.Sleep(delay)
		}
		if lastErr = writeAtomic(path, data); lastErr == nil {
			return nil
		}
		slog.Warn("persistence write failed",
			"type", resourceType, "id", id, "attempt", attempt+1, "error", lastErr)
	}

	m.recordFailure(resourceType, id, lastErr)
	return fmt.Errorf("save %s/%s: %w", resourceType, id, lastErr)
}

// Load reads a resource into v. ErrNotFound when absent.
func (m *Manager) Load(resourceType, id string, v any) error {
	l := m.lockFor(resourceType, id)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(m.path(resourceType, id))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// Delete removes a resource. Absent resources are not an error.
func (m *Manager) Delete(resourceType, id string) error {
	l := m.lockFor(resourceType, id)
	l.Lock()
	defer l.Unlock()

	err := os.Remove(m.path(resourceType, id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns the IDs of all stored resources of one type.
func (m *Manager) List(resourceType string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, resourceType))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// failureAlert is one line of the daily failure JSONL.
type failureAlert struct {
	Timestamp    time.Time `json:"timestamp"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Error        string    `json:"error"`
	Attempts     int       `json:"attempts"`
}

func (m *Manager) recordFailure(resourceType, id string, cause error) {
	alert := failureAlert{
		Timestamp:    time.Now().UTC(),
		ResourceType: resourceType,
		ResourceID:   id,
		Error:        fmt.Sprint(cause),
		Attempts:     m.cfg.MaxRetryAttempts,
	}
	line, err := json.Marshal(alert)
	if err != nil {
		return
	}

	dir := filepath.Join(m.root, failureDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failure alert dir", "error", err)
		return
	}
	name := fmt.Sprintf("failures_%s.jsonl", time.Now().UTC().Format("20060102"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("failure alert open", "error", err)
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}
