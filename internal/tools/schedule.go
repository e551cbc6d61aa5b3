package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dawei-ai/dawei/internal/scheduler"
)

// TaskScheduler is the scheduler surface the timer tool drives.
type TaskScheduler interface {
	Add(t *scheduler.Task) error
	Cancel(id string) error
	Tasks() []*scheduler.Task
}

// timerTool sets, lists and cancels scheduled tasks. A fired task replays
// its description through the agent pipeline as a synthetic chat turn.
type timerTool struct{}

func (t *timerTool) Name() string { return "timer" }
func (t *timerTool) Description() string {
	return "Schedule a task to run later: once after a delay, at a specific time, on a fixed interval, or on a cron expression. Also lists and cancels scheduled tasks."
}
func (t *timerTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["set", "list", "cancel"]},
			"set": {
				"type": "object",
				"properties": {
					"description": {"type": "string", "minLength": 1, "description": "The message to replay when the task fires"},
					"delay_seconds": {"type": "number", "minimum": 1, "description": "Run once, this many seconds from now"},
					"at": {"type": "string", "description": "Run once at this RFC3339 time"},
					"every_seconds": {"type": "number", "minimum": 1, "description": "Repeat on this interval"},
					"cron": {"type": "string", "description": "5-field cron expression"},
					"max_runs": {"type": "integer", "minimum": 1}
				},
				"required": ["description"],
				"additionalProperties": false
			},
			"task_id": {"type": "string", "description": "Task to cancel"}
		},
		"required": ["action"],
		"additionalProperties": false
	}`)
}

func (t *timerTool) Execute(ctx context.Context, args map[string]any, tc *Context) (Result, error) {
	if tc == nil || tc.Scheduler == nil {
		return Result{Content: "no scheduler is available in this session", IsError: true}, nil
	}

	action, _ := args["action"].(string)
	switch action {
	case "set":
		return t.set(args, tc)
	case "list":
		return t.list(tc)
	case "cancel":
		id, _ := args["task_id"].(string)
		if id == "" {
			return Result{Content: "cancel requires task_id", IsError: true}, nil
		}
		if err := tc.Scheduler.Cancel(id); err != nil {
			return Result{Content: err.Error(), IsError: true}, nil
		}
		return Result{Content: fmt.Sprintf("cancelled scheduled task %s", id)}, nil
	default:
		return Result{Content: fmt.Sprintf("unknown action %q", action), IsError: true}, nil
	}
}

func (t *timerTool) set(args map[string]any, tc *Context) (Result, error) {
	spec, _ := args["set"].(map[string]any)
	if spec == nil {
		return Result{Content: "set requires a set object", IsError: true}, nil
	}
	description, _ := spec["description"].(string)

	var (
		task *scheduler.Task
		err  error
	)
	switch {
	case spec["cron"] != nil:
		expr, _ := spec["cron"].(string)
		task, err = scheduler.NewTask(tc.Workspace, description, scheduler.KindCron, time.Time{}, 0, expr)
	case spec["every_seconds"] != nil:
		seconds, _ := spec["every_seconds"].(float64)
		task, err = scheduler.NewTask(tc.Workspace, description, scheduler.KindEvery, time.Time{},
			time.Duration(seconds*float64(time.Second)), "")
	case spec["at"] != nil:
		raw, _ := spec["at"].(string)
		at, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			return Result{Content: fmt.Sprintf("invalid at time %q: must be RFC3339", raw), IsError: true}, nil
		}
		task, err = scheduler.NewTask(tc.Workspace, description, scheduler.KindAt, at, 0, "")
	case spec["delay_seconds"] != nil:
		seconds, _ := spec["delay_seconds"].(float64)
		task, err = scheduler.NewTask(tc.Workspace, description, scheduler.KindAt,
			time.Now().Add(time.Duration(seconds*float64(time.Second))), 0, "")
	default:
		return Result{Content: "set requires one of delay_seconds, at, every_seconds or cron", IsError: true}, nil
	}
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}

	if maxRuns, ok := spec["max_runs"].(float64); ok {
		task.MaxRuns = int(maxRuns)
	}
	if err := tc.Scheduler.Add(task); err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}
	return Result{
		Content: fmt.Sprintf("scheduled task %s (%s), next run %s",
			task.ID, task.Kind, task.NextRunAt.Format(time.RFC3339)),
		Data: task,
	}, nil
}

func (t *timerTool) list(tc *Context) (Result, error) {
	tasks := tc.Scheduler.Tasks()
	if len(tasks) == 0 {
		return Result{Content: "no scheduled tasks"}, nil
	}
	var lines []string
	for _, task := range tasks {
		lines = append(lines, fmt.Sprintf("%s  %-5s  %-9s  next %s  %s",
			task.ID, task.Kind, task.Status, task.NextRunAt.Format(time.RFC3339), task.Description))
	}
	return Result{Content: strings.Join(lines, "\n"), Data: tasks}, nil
}
