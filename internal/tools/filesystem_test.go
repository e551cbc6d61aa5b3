package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	tc := &Context{Workspace: t.TempDir()}

	write := &writeFileTool{}
	res, err := write.Execute(context.Background(), map[string]any{
		"path": "notes/todo.txt", "content": "first line\n",
	}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("write = %+v", res)
	}

	res, _ = write.Execute(context.Background(), map[string]any{
		"path": "notes/todo.txt", "content": "second line\n", "append": true,
	}, tc)
	if res.IsError {
		t.Fatalf("append = %+v", res)
	}

	read := &readFileTool{}
	res, _ = read.Execute(context.Background(), map[string]any{"path": "notes/todo.txt"}, tc)
	if res.IsError || res.Content != "first line\nsecond line\n" {
		t.Errorf("read = %+v", res)
	}
}

func TestReadMissingFile(t *testing.T) {
	tc := &Context{Workspace: t.TempDir()}
	res, err := (&readFileTool{}).Execute(context.Background(), map[string]any{"path": "nope.txt"}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("missing file not reported")
	}
}

func TestWorkspaceConfinement(t *testing.T) {
	tc := &Context{Workspace: t.TempDir()}

	for _, path := range []string{
		"../outside.txt",
		"/etc/passwd",
		"a/../../outside.txt",
		".dawei/conversations/x.json",
	} {
		res, err := (&readFileTool{}).Execute(context.Background(), map[string]any{"path": path}, tc)
		if err != nil {
			t.Fatal(err)
		}
		if !res.IsError {
			t.Errorf("path %q accepted", path)
		}
		res, _ = (&writeFileTool{}).Execute(context.Background(), map[string]any{
			"path": path, "content": "x",
		}, tc)
		if !res.IsError {
			t.Errorf("write to %q accepted", path)
		}
	}
}

func TestAbsolutePathInsideWorkspaceAllowed(t *testing.T) {
	ws := t.TempDir()
	target := filepath.Join(ws, "data.txt")
	os.WriteFile(target, []byte("payload"), 0o644)

	res, _ := (&readFileTool{}).Execute(context.Background(), map[string]any{"path": target},
		&Context{Workspace: ws})
	if res.IsError || res.Content != "payload" {
		t.Errorf("read = %+v", res)
	}
}

func TestListFilesHidesStateDir(t *testing.T) {
	ws := t.TempDir()
	os.MkdirAll(filepath.Join(ws, ".dawei"), 0o755)
	os.MkdirAll(filepath.Join(ws, "src"), 0o755)
	os.WriteFile(filepath.Join(ws, "README.md"), nil, 0o644)

	res, err := (&listFilesTool{}).Execute(context.Background(), nil, &Context{Workspace: ws})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("list = %+v", res)
	}
	if strings.Contains(res.Content, ".dawei") {
		t.Error("state dir listed")
	}
	if res.Content != "README.md\nsrc/" {
		t.Errorf("list = %q", res.Content)
	}
}

func TestListFilesEmptyDir(t *testing.T) {
	res, _ := (&listFilesTool{}).Execute(context.Background(), nil, &Context{Workspace: t.TempDir()})
	if res.Content != "(empty)" {
		t.Errorf("list = %q", res.Content)
	}
}
