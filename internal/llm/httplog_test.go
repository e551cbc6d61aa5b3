package llm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHTTPLogPairsRequestAndResponse(t *testing.T) {
	dir := t.TempDir()
	log := NewHTTPLog(filepath.Join(dir, "http"))

	ex := log.Begin("openai", "m", map[string]any{"x": 1})
	ex.Finish(200, "ok", nil)

	ex = log.Begin("openai", "m", nil)
	ex.Finish(0, nil, errors.New("connection refused"))

	entries, err := os.ReadDir(filepath.Join(dir, "http"))
	if err != nil {
		t.Fatal(err)
	}
	var reqs, resps int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), "_request.json"):
			reqs++
		case strings.HasSuffix(e.Name(), "_response.json"):
			resps++
		}
	}
	if reqs != 2 || resps != 2 {
		t.Errorf("files = %d requests, %d responses, want 2/2", reqs, resps)
	}
}

func TestHTTPLogNilIsNoop(t *testing.T) {
	var log *HTTPLog
	ex := log.Begin("openai", "m", nil)
	ex.Finish(500, nil, errors.New("x")) // must not panic
}
