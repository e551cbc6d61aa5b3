package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 << 10

// resolveWorkspacePath confines a tool-supplied path to the workspace root.
// Relative paths resolve against the workspace; the .dawei state directory
// is never reachable.
func resolveWorkspacePath(workspace, path string) (string, error) {
	if workspace == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workspace, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(workspace, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", path)
	}
	if rel == ".dawei" || strings.HasPrefix(rel, ".dawei"+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is not accessible", path)
	}
	return resolved, nil
}

type readFileTool struct{}

func (t *readFileTool) Name() string        { return "read_file" }
func (t *readFileTool) Description() string { return "Read the contents of a file in the workspace." }
func (t *readFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1, "description": "File path, relative to the workspace root"}
		},
		"required": ["path"],
		"additionalProperties": false
	}`)
}

func (t *readFileTool) Execute(ctx context.Context, args map[string]any, tc *Context) (Result, error) {
	path, _ := args["path"].(string)
	resolved, err := resolveWorkspacePath(tc.Workspace, path)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Result{Content: fmt.Sprintf("read %s: %v", path, err), IsError: true}, nil
	}
	if len(data) > maxReadBytes {
		return Result{Content: string(data[:maxReadBytes]) + "\n... truncated at 256KB"}, nil
	}
	return Result{Content: string(data)}, nil
}

type writeFileTool struct{}

func (t *writeFileTool) Name() string { return "write_file" }
func (t *writeFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories as needed."
}
func (t *writeFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1, "description": "File path, relative to the workspace root"},
			"content": {"type": "string"},
			"append": {"type": "boolean", "description": "Append instead of overwrite"}
		},
		"required": ["path", "content"],
		"additionalProperties": false
	}`)
}

func (t *writeFileTool) Execute(ctx context.Context, args map[string]any, tc *Context) (Result, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	appendMode, _ := args["append"].(bool)

	resolved, err := resolveWorkspacePath(tc.Workspace, path)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Result{Content: fmt.Sprintf("write %s: %v", path, err), IsError: true}, nil
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return Result{Content: fmt.Sprintf("write %s: %v", path, err), IsError: true}, nil
	}
	_, werr := f.WriteString(content)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		return Result{Content: fmt.Sprintf("write %s failed", path), IsError: true}, nil
	}
	return Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}, nil
}

type listFilesTool struct{}

func (t *listFilesTool) Name() string { return "list_files" }
func (t *listFilesTool) Description() string {
	return "List files and directories under a workspace path."
}
func (t *listFilesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory to list, defaults to the workspace root"}
		},
		"additionalProperties": false
	}`)
}

func (t *listFilesTool) Execute(ctx context.Context, args map[string]any, tc *Context) (Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolveWorkspacePath(tc.Workspace, path)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return Result{Content: fmt.Sprintf("list %s: %v", path, err), IsError: true}, nil
	}

	var names []string
	for _, e := range entries {
		if e.Name() == ".dawei" {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return Result{Content: "(empty)"}, nil
	}
	return Result{Content: strings.Join(names, "\n"), Data: names}, nil
}
