// Package taskmgr runs long-lived agent tasks asynchronously and reports
// their lifecycle. Every task emits state_changed first, then zero or
// more progress events, then exactly one terminal completion (with an
// error event just before it on failure).
package taskmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// EventKind tags lifecycle events.
type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventProgress     EventKind = "progress"
	EventError        EventKind = "error"
	EventCompletion   EventKind = "completion"
)

// Event is one lifecycle notification.
type Event struct {
	Kind     EventKind
	TaskID   string
	Status   Status
	Progress any
	Result   any
	Err      string
}

// Listener receives a task's events in order on the task's goroutine.
type Listener func(Event)

// Executor is the task body. report streams progress to the listener;
// ctx is cancelled on Cancel or timeout.
type Executor func(ctx context.Context, report func(any)) (any, error)

// Policy controls automatic re-execution of a failed task body. The zero
// value runs the executor once. Retries happen inside the task's single
// lifecycle: the listener still sees one state_changed and one terminal
// completion, and the task's timeout spans all attempts.
type Policy struct {
	MaxAttempts int              // total attempts; values below 1 mean one
	BaseDelay   time.Duration    // delay before the first retry, doubled each attempt
	MaxDelay    time.Duration    // backoff cap; 0 leaves the doubling uncapped
	Retryable   func(error) bool // nil retries every failure
}

type task struct {
	id       string
	status   Status
	cancel   context.CancelFunc
	listener Listener
	done     chan struct{}
	terminal sync.Once
}

// Manager tracks running tasks by ID.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*task
}

// New builds an empty manager.
func New() *Manager {
	return &Manager{tasks: make(map[string]*task)}
}

// Submit starts fn on its own goroutine and returns the task ID. timeout
// ≤ 0 means no deadline. The listener receives the full lifecycle.
func (m *Manager) Submit(fn Executor, timeout time.Duration, listener Listener) string {
	return m.SubmitWithPolicy(fn, timeout, Policy{}, listener)
}

// SubmitWithPolicy is Submit with automatic retry of retryable failures.
func (m *Manager) SubmitWithPolicy(fn Executor, timeout time.Duration, policy Policy, listener Listener) string {
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	t := &task{
		id:       uuid.NewString(),
		status:   StatusPending,
		cancel:   cancel,
		listener: listener,
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.tasks[t.id] = t
	m.mu.Unlock()

	go m.run(ctx, t, fn, policy)
	return t.id
}

func (m *Manager) run(ctx context.Context, t *task, fn Executor, policy Policy) {
	defer t.cancel()
	defer close(t.done)

	m.setStatus(t, StatusRunning)
	t.emit(Event{Kind: EventStateChanged, TaskID: t.id, Status: StatusRunning})

	report := func(p any) {
		if m.statusOf(t) == StatusRunning {
			t.emit(Event{Kind: EventProgress, TaskID: t.id, Status: StatusRunning, Progress: p})
		}
	}

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var result any
	var err error
	for attempt := 1; ; attempt++ {
		result, err = fn(ctx, report)
		if err == nil || attempt >= attempts || ctx.Err() != nil {
			break
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			break
		}

		delay := policy.BaseDelay << (attempt - 1)
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}

	switch {
	case err == nil:
		m.finish(t, StatusCompleted, result, nil)
	case ctx.Err() != nil && err == ctx.Err():
		m.finish(t, StatusCancelled, nil, err)
	default:
		m.finish(t, StatusFailed, nil, err)
	}
}

// finish emits the terminal events exactly once, even when a racing
// Cancel already terminated the task.
func (m *Manager) finish(t *task, status Status, result any, err error) {
	t.terminal.Do(func() {
		m.setStatus(t, status)
		if err != nil && status == StatusFailed {
			t.emit(Event{Kind: EventError, TaskID: t.id, Status: status, Err: err.Error()})
		}
		ev := Event{Kind: EventCompletion, TaskID: t.id, Status: status, Result: result}
		if err != nil {
			ev.Err = err.Error()
		}
		t.emit(ev)
	})
}

func (t *task) emit(ev Event) {
	if t.listener != nil {
		t.listener(ev)
	}
}

func (m *Manager) setStatus(t *task, s Status) {
	m.mu.Lock()
	t.status = s
	m.mu.Unlock()
}

func (m *Manager) statusOf(t *task) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return t.status
}

// Status reports a task's current status.
func (m *Manager) Status(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return "", false
	}
	return t.status, true
}

// Cancel requests cancellation. The task's context is cancelled; the
// terminal event is emitted when the executor returns.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	t.cancel()
	return nil
}

// Wait blocks until the task finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remove forgets a finished task. Running tasks are left in place.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return
	}
	select {
	case <-t.done:
		delete(m.tasks, id)
	default:
	}
}
