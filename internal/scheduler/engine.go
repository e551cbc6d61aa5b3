package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/persist"
)

const (
	lockProbe          = 100 * time.Millisecond
	maxRetryDelay      = 300 * time.Second
	defaultMaxAttempts = 3
)

// Executor runs one triggered task through the agent pipeline.
type Executor func(ctx context.Context, task *Task) error

// Engine is one workspace's scheduler: a check loop scanning for due
// tasks, an unbounded execution queue, and a small worker pool.
type Engine struct {
	cfg     config.SchedulerConfig
	persist *persist.Manager
	exec    Executor

	mu    sync.Mutex
	tasks map[string]*Task
	locks map[string]*sync.Mutex // per-task execution locks

	queue    chan string
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine builds and starts the engine, restoring persisted tasks.
func NewEngine(cfg config.SchedulerConfig, pm *persist.Manager, exec Executor) *Engine {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Hour
	}

	e := &Engine{
		cfg:     cfg,
		persist: pm,
		exec:    exec,
		tasks:   make(map[string]*Task),
		locks:   make(map[string]*sync.Mutex),
		queue:   make(chan string, 1024),
		stop:    make(chan struct{}),
	}
	e.restore()

	e.wg.Add(1)
	go e.checkLoop()
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Engine) restore() {
	ids, err := e.persist.List(persist.TypeScheduledTask)
	if err != nil {
		slog.Warn("scheduled task restore failed", "error", err)
		return
	}
	for _, id := range ids {
		var t Task
		if err := e.persist.Load(persist.TypeScheduledTask, id, &t); err != nil {
			slog.Warn("scheduled task unreadable", "id", id, "error", err)
			continue
		}
		// A task caught mid-execution by a crash goes back to active.
		if t.Status == StatusTriggered || t.Status == StatusRunning {
			t.Status = StatusActive
		}
		if t.Status == StatusActive {
			e.tasks[t.ID] = &t
		}
	}
	if len(e.tasks) > 0 {
		slog.Info("scheduled tasks restored", "count", len(e.tasks))
	}
}

// Add registers and persists a new task.
func (e *Engine) Add(t *Task) error {
	if err := e.persist.Save(persist.TypeScheduledTask, t.ID, t); err != nil {
		return err
	}
	e.mu.Lock()
	e.tasks[t.ID] = t
	e.mu.Unlock()
	slog.Info("scheduled task added",
		"id", t.ID, "kind", t.Kind, "next_run", t.NextRunAt.Format(time.RFC3339))
	return nil
}

// Cancel marks a task cancelled and persists it.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if ok {
		t.Status = StatusCancelled
		delete(e.tasks, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduled task %s not found", id)
	}
	return e.persist.Save(persist.TypeScheduledTask, id, t)
}

// Tasks returns copies of the live tasks.
func (e *Engine) Tasks() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// Stop halts the check loop and waits for in-flight executions.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

func (e *Engine) checkLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

// sweep marks due tasks triggered, persists the transition, then queues
// them. Persist-before-execute keeps a crash from double-firing.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	var due []*Task
	for _, t := range e.tasks {
		if t.IsDue(now) {
			t.Status = StatusTriggered
			due = append(due, t)
		}
	}
	e.mu.Unlock()

	for _, t := range due {
		if err := e.persist.Save(persist.TypeScheduledTask, t.ID, t); err != nil {
			slog.Error("trigger persist failed", "id", t.ID, "error", err)
		}
		select {
		case e.queue <- t.ID:
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case id := <-e.queue:
			e.runTask(id)
		}
	}
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

func (e *Engine) runTask(id string) {
	l := e.lockFor(id)
	if !l.TryLock() {
		// Another worker still holds this task; re-check shortly.
		time.Sleep(lockProbe)
		if !l.TryLock() {
			slog.Debug("scheduled task busy, skipping trigger", "id", id)
			return
		}
	}
	defer l.Unlock()

	e.mu.Lock()
	t, ok := e.tasks[id]
	if ok {
		t.Status = StatusRunning
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	err := e.attempt(t, timeout)

	e.mu.Lock()
	t.RunCount++
	t.LastRunAt = time.Now().UTC()
	switch {
	case err != nil:
		// Exhausted retries end the task, recurring or not. A failed run
		// must not silently reschedule.
		t.LastError = err.Error()
		t.Status = StatusFailed
		delete(e.tasks, t.ID)
	case t.ShouldRepeat():
		t.LastError = ""
		if rerr := t.Reschedule(time.Now()); rerr != nil {
			slog.Error("reschedule failed", "id", t.ID, "error", rerr)
			t.Status = StatusCompleted
			delete(e.tasks, t.ID)
		}
	default:
		t.LastError = ""
		t.Status = StatusCompleted
		delete(e.tasks, t.ID)
	}
	snapshot := *t
	e.mu.Unlock()

	if perr := e.persist.Save(persist.TypeScheduledTask, snapshot.ID, &snapshot); perr != nil {
		slog.Error("scheduled task persist failed", "id", snapshot.ID, "error", perr)
	}
}

// attempt runs the executor with per-attempt timeout. The task's
// MaxRetries bounds the retries, its RetryInterval overrides the
// exponential delay, which is capped at five minutes.
func (e *Engine) attempt(t *Task, timeout time.Duration) error {
	attempts := t.MaxRetries + 1
	if t.MaxRetries <= 0 {
		attempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := t.RetryInterval
			if delay <= 0 {
				delay = time.Duration(math.Min(
					math.Pow(2, float64(attempt))*float64(time.Second),
					float64(maxRetryDelay)))
			}
			select {
			case <-time.After(delay):
			case <-e.stop:
				return lastErr
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		lastErr = e.exec(ctx, t)
		cancel()
		if lastErr == nil {
			return nil
		}
		slog.Warn("scheduled task attempt failed",
			"id", t.ID, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}
