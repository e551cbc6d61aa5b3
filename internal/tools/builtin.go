package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RegisterBuiltins installs the standard tool set.
func RegisterBuiltins(r *Registry) error {
	for _, t := range []Tool{
		&getTimeTool{},
		&timerTool{},
		&askFollowupTool{},
		&listSkillsTool{},
		&getSkillTool{},
		&readFileTool{},
		&writeFileTool{},
		&listFilesTool{},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type getTimeTool struct{}

func (t *getTimeTool) Name() string        { return "get_time" }
func (t *getTimeTool) Description() string { return "Get the current date and time." }
func (t *getTimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA timezone name, defaults to local"}
		},
		"additionalProperties": false
	}`)
}

func (t *getTimeTool) Execute(ctx context.Context, args map[string]any, tc *Context) (Result, error) {
	now := time.Now()
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Result{Content: fmt.Sprintf("unknown timezone %q", tz), IsError: true}, nil
		}
		now = now.In(loc)
	}
	return Result{Content: now.Format("2006-01-02 15:04:05 MST")}, nil
}

type askFollowupTool struct{}

func (t *askFollowupTool) Name() string { return "ask_followup_question" }
func (t *askFollowupTool) Description() string {
	return "Ask the user a clarifying question and wait for their answer."
}
func (t *askFollowupTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"question": {"type": "string", "minLength": 1},
			"options": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["question"],
		"additionalProperties": false
	}`)
}

func (t *askFollowupTool) Execute(ctx context.Context, args map[string]any, tc *Context) (Result, error) {
	if tc == nil || tc.Followup == nil {
		return Result{Content: "no user is connected to answer questions", IsError: true}, nil
	}
	question, _ := args["question"].(string)
	var options []string
	if raw, ok := args["options"].([]any); ok {
		for _, o := range raw {
			if s, ok := o.(string); ok {
				options = append(options, s)
			}
		}
	}

	answer, err := tc.Followup.Ask(ctx, tc.TaskID, tc.CallID, question, options)
	if err != nil {
		return Result{}, err
	}
	return Result{Content: answer}, nil
}

type listSkillsTool struct{}

func (t *listSkillsTool) Name() string { return "list_skills" }
func (t *listSkillsTool) Description() string {
	return "List the skill documents available in this workspace."
}
func (t *listSkillsTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}, "additionalProperties": false}`)
}

func (t *listSkillsTool) Execute(ctx context.Context, args map[string]any, tc *Context) (Result, error) {
	names, err := listSkills(tc)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}
	if len(names) == 0 {
		return Result{Content: "no skills available"}, nil
	}
	return Result{Content: strings.Join(names, "\n"), Data: names}, nil
}

type getSkillTool struct{}

func (t *getSkillTool) Name() string { return "get_skill" }
func (t *getSkillTool) Description() string {
	return "Read one skill document by name."
}
func (t *getSkillTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1}
		},
		"required": ["name"],
		"additionalProperties": false
	}`)
}

func (t *getSkillTool) Execute(ctx context.Context, args map[string]any, tc *Context) (Result, error) {
	name, _ := args["name"].(string)
	// Skill names never traverse directories.
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return Result{Content: fmt.Sprintf("invalid skill name %q", name), IsError: true}, nil
	}

	dir := skillsDir(tc)
	for _, candidate := range []string{name, name + ".md"} {
		data, err := os.ReadFile(filepath.Join(dir, candidate))
		if err == nil {
			return Result{Content: string(data)}, nil
		}
	}
	return Result{Content: fmt.Sprintf("skill %q not found", name), IsError: true}, nil
}

func skillsDir(tc *Context) string {
	if tc != nil && tc.SkillsDir != "" {
		return tc.SkillsDir
	}
	if tc != nil && tc.Workspace != "" {
		return filepath.Join(tc.Workspace, ".dawei", "skills")
	}
	return ""
}

func listSkills(tc *Context) ([]string, error) {
	dir := skillsDir(tc)
	if dir == "" {
		return nil, fmt.Errorf("no skills directory configured")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(names)
	return names, nil
}
