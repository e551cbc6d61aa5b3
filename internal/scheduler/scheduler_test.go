package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/persist"
)

func testPersist(t *testing.T) *persist.Manager {
	t.Helper()
	return persist.New(t.TempDir(), config.PersistConfig{
		MaxRetryAttempts: 1,
		RetryBaseDelay:   time.Millisecond,
	})
}

func fastConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		CheckInterval:  10 * time.Millisecond,
		Workers:        3,
		DefaultTimeout: time.Second,
	}
}

func TestNewTaskValidation(t *testing.T) {
	if _, err := NewTask("/ws", "d", KindAt, time.Time{}, 0, ""); err == nil {
		t.Error("at task without time accepted")
	}
	if _, err := NewTask("/ws", "d", KindEvery, time.Time{}, 0, ""); err == nil {
		t.Error("every task without interval accepted")
	}
	if _, err := NewTask("/ws", "d", KindCron, time.Time{}, 0, "not a cron"); err == nil {
		t.Error("bad cron expression accepted")
	}
	if _, err := NewTask("/ws", "d", Kind("weird"), time.Time{}, 0, ""); err == nil {
		t.Error("unknown kind accepted")
	}
	task, err := NewTask("/ws", "d", KindCron, time.Time{}, 0, "0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	if task.NextRunAt.IsZero() {
		t.Error("cron task has no first run time")
	}
}

func TestIsDueAndShouldRepeat(t *testing.T) {
	now := time.Now()
	task := &Task{Status: StatusActive, NextRunAt: now.Add(-time.Second), Kind: KindEvery, Interval: time.Minute}

	if !task.IsDue(now) {
		t.Error("past task not due")
	}
	task.Status = StatusTriggered
	if task.IsDue(now) {
		t.Error("triggered task reported due again")
	}

	task.Status = StatusActive
	if !task.ShouldRepeat() {
		t.Error("interval task should repeat")
	}
	task.MaxRuns = 2
	task.RunCount = 2
	if task.ShouldRepeat() {
		t.Error("run-capped task repeats past cap")
	}

	once := &Task{Kind: KindAt}
	if once.ShouldRepeat() {
		t.Error("one-shot task repeats")
	}
}

func TestCronRescheduleCrossesBoundary(t *testing.T) {
	task := &Task{Kind: KindCron, CronExpr: "0 9 * * *", Status: StatusTriggered}

	// One second before the boundary reschedules to 09:00:00.
	at := time.Date(2026, 8, 24, 8, 59, 59, 0, time.Local)
	if err := task.Reschedule(at); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 8, 24, 9, 0, 0, 0, time.Local)
	if !task.NextRunAt.Equal(want) {
		t.Errorf("next run = %s, want %s", task.NextRunAt, want)
	}
	if task.Status != StatusActive {
		t.Errorf("status after reschedule = %s", task.Status)
	}

	// Exactly at the boundary moves to the next day.
	if err := task.Reschedule(want); err != nil {
		t.Fatal(err)
	}
	if !task.NextRunAt.After(want) {
		t.Errorf("next run %s not after %s", task.NextRunAt, want)
	}
}

func TestEngineRunsDueTask(t *testing.T) {
	var runs atomic.Int32
	e := NewEngine(fastConfig(), testPersist(t), func(ctx context.Context, task *Task) error {
		runs.Add(1)
		return nil
	})
	defer e.Stop()

	task, _ := NewTask("/ws", "say hi", KindAt, time.Now().Add(20*time.Millisecond), 0, "")
	if err := e.Add(task); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("task never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// One-shot task completes and leaves the live set.
	for i := 0; i < 100 && len(e.Tasks()) > 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if len(e.Tasks()) != 0 {
		t.Error("completed one-shot task still live")
	}
}

func TestEngineRepeatsIntervalTask(t *testing.T) {
	var runs atomic.Int32
	e := NewEngine(fastConfig(), testPersist(t), func(ctx context.Context, task *Task) error {
		runs.Add(1)
		return nil
	})
	defer e.Stop()

	task, _ := NewTask("/ws", "tick", KindEvery, time.Time{}, 30*time.Millisecond, "")
	task.MaxRuns = 2
	e.Add(task)

	deadline := time.After(3 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("runs = %d, want 2", runs.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngineRetriesFailure(t *testing.T) {
	var attempts atomic.Int32
	e := NewEngine(fastConfig(), testPersist(t), func(ctx context.Context, task *Task) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	})
	defer e.Stop()

	task, _ := NewTask("/ws", "flaky", KindAt, time.Now(), 0, "")
	e.Add(task)

	deadline := time.After(10 * time.Second)
	for attempts.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("attempts = %d, want retry", attempts.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEngineFailedTaskNotRescheduled(t *testing.T) {
	pm := testPersist(t)
	var attempts atomic.Int32
	e := NewEngine(fastConfig(), pm, func(ctx context.Context, task *Task) error {
		attempts.Add(1)
		return errors.New("broken")
	})
	defer e.Stop()

	// Recurring task; exhausting its retries must end it, not requeue it.
	task, _ := NewTask("/ws", "tick", KindEvery, time.Time{}, 20*time.Millisecond, "")
	task.MaxRetries = 1
	task.RetryInterval = time.Millisecond
	e.Add(task)

	deadline := time.After(3 * time.Second)
	for attempts.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("attempts = %d, want 2", attempts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	for i := 0; i < 100 && len(e.Tasks()) > 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if len(e.Tasks()) != 0 {
		t.Fatal("failed recurring task still live")
	}

	var saved Task
	if err := pm.Load(persist.TypeScheduledTask, task.ID, &saved); err != nil {
		t.Fatal(err)
	}
	if saved.Status != StatusFailed {
		t.Errorf("persisted status = %s, want %s", saved.Status, StatusFailed)
	}
	if saved.LastError == "" {
		t.Error("persisted task missing last_error")
	}

	// No further firings after the terminal failure.
	before := attempts.Load()
	time.Sleep(100 * time.Millisecond)
	if attempts.Load() != before {
		t.Errorf("failed task fired again: attempts %d -> %d", before, attempts.Load())
	}
}

func TestRetryIntervalOverridesBackoff(t *testing.T) {
	var attempts atomic.Int32
	e := NewEngine(fastConfig(), testPersist(t), func(ctx context.Context, task *Task) error {
		attempts.Add(1)
		return errors.New("still broken")
	})
	defer e.Stop()

	task, _ := NewTask("/ws", "fast retry", KindAt, time.Now(), 0, "")
	task.MaxRetries = 2
	task.RetryInterval = time.Millisecond
	e.Add(task)

	// The default backoff would wait two seconds before the second
	// attempt; the per-task interval finishes all three well inside it.
	deadline := time.After(time.Second)
	for attempts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("attempts = %d, want 3 within a second", attempts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngineRestoresPersistedTasks(t *testing.T) {
	pm := testPersist(t)

	first := NewEngine(fastConfig(), pm, func(ctx context.Context, task *Task) error { return nil })
	task, _ := NewTask("/ws", "later", KindAt, time.Now().Add(time.Hour), 0, "")
	first.Add(task)
	first.Stop()

	second := NewEngine(fastConfig(), pm, func(ctx context.Context, task *Task) error { return nil })
	defer second.Stop()
	live := second.Tasks()
	if len(live) != 1 || live[0].ID != task.ID {
		t.Errorf("restored tasks = %+v", live)
	}
}

func TestCancel(t *testing.T) {
	e := NewEngine(fastConfig(), testPersist(t), func(ctx context.Context, task *Task) error { return nil })
	defer e.Stop()

	task, _ := NewTask("/ws", "x", KindAt, time.Now().Add(time.Hour), 0, "")
	e.Add(task)
	if err := e.Cancel(task.ID); err != nil {
		t.Fatal(err)
	}
	if len(e.Tasks()) != 0 {
		t.Error("cancelled task still live")
	}
	if err := e.Cancel(task.ID); err == nil {
		t.Error("double cancel succeeded")
	}
}

func TestManagerSingletonPerWorkspace(t *testing.T) {
	m := NewManager(fastConfig())
	defer m.StopAll()
	pm := testPersist(t)
	noop := func(ctx context.Context, task *Task) error { return nil }

	a := m.Engine("/ws/one", pm, noop)
	b := m.Engine("/ws/one", pm, noop)
	if a != b {
		t.Error("same workspace produced two engines")
	}
	c := m.Engine("/ws/two", pm, noop)
	if a == c {
		t.Error("distinct workspaces share an engine")
	}
}

func TestConversationTitle(t *testing.T) {
	got := ConversationTitle("daily report", 3)
	if got != "📅 daily report (第3次)" {
		t.Errorf("title = %q", got)
	}
}
