// Package scheduler runs time-triggered agent tasks per workspace. Tasks
// fire once at a point in time, repeat on a fixed interval, or follow a
// cron expression evaluated with gronx.
package scheduler

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// Kind of schedule.
type Kind string

const (
	// KindAt fires once at NextRunAt.
	KindAt Kind = "at"
	// KindEvery repeats on a fixed interval.
	KindEvery Kind = "every"
	// KindCron follows a cron expression.
	KindCron Kind = "cron"
)

// Status of a scheduled task.
type Status string

const (
	StatusActive    Status = "active"
	StatusTriggered Status = "triggered"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is one scheduled unit of agent work.
type Task struct {
	ID          string        `json:"id"`
	Workspace   string        `json:"workspace"`
	Description string        `json:"description"`
	Kind        Kind          `json:"kind"`
	CronExpr    string        `json:"cron_expr,omitempty"`
	Interval    time.Duration `json:"interval,omitempty"`
	NextRunAt   time.Time     `json:"next_run_at"`
	Status      Status        `json:"status"`
	RunCount    int           `json:"run_count"`
	MaxRuns     int           `json:"max_runs,omitempty"`    // 0 = unlimited
	MaxRetries  int           `json:"max_retries,omitempty"` // retries after the first attempt; 0 = engine default
	// RetryInterval overrides the exponential retry delay when positive.
	RetryInterval time.Duration `json:"retry_interval,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	LastRunAt     time.Time     `json:"last_run_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewTask builds a task and computes its first run time. at is only used
// for KindAt; interval for KindEvery; expr for KindCron.
func NewTask(workspace, description string, kind Kind, at time.Time, interval time.Duration, expr string) (*Task, error) {
	t := &Task{
		ID:          uuid.NewString(),
		Workspace:   workspace,
		Description: description,
		Kind:        kind,
		CronExpr:    expr,
		Interval:    interval,
		Status:      StatusActive,
		CreatedAt:   time.Now().UTC(),
	}

	switch kind {
	case KindAt:
		if at.IsZero() {
			return nil, fmt.Errorf("at schedule needs a run time")
		}
		t.NextRunAt = at
	case KindEvery:
		if interval <= 0 {
			return nil, fmt.Errorf("every schedule needs a positive interval")
		}
		t.NextRunAt = time.Now().Add(interval)
	case KindCron:
		if !gronx.New().IsValid(expr) {
			return nil, fmt.Errorf("invalid cron expression %q", expr)
		}
		next, err := gronx.NextTick(expr, false)
		if err != nil {
			return nil, err
		}
		t.NextRunAt = next
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", kind)
	}
	return t, nil
}

// IsDue reports whether the task should fire now.
func (t *Task) IsDue(now time.Time) bool {
	return t.Status == StatusActive && !t.NextRunAt.After(now)
}

// ShouldRepeat reports whether another run follows the current one.
func (t *Task) ShouldRepeat() bool {
	if t.Kind == KindAt {
		return false
	}
	if t.MaxRuns > 0 && t.RunCount >= t.MaxRuns {
		return false
	}
	return true
}

// Reschedule computes the next run after a completed one. Interval tasks
// anchor on completion time; cron tasks on the expression's next tick.
func (t *Task) Reschedule(now time.Time) error {
	switch t.Kind {
	case KindEvery:
		t.NextRunAt = now.Add(t.Interval)
	case KindCron:
		next, err := gronx.NextTickAfter(t.CronExpr, now, false)
		if err != nil {
			return err
		}
		t.NextRunAt = next
	default:
		return fmt.Errorf("%s schedule does not repeat", t.Kind)
	}
	t.Status = StatusActive
	return nil
}
