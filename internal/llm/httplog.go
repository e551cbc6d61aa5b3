package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// HTTPLog records request/response pairs under {workspace}/.dawei/http/.
// A nil *HTTPLog is a no-op, which is the default when workspace settings
// leave http_logging off.
type HTTPLog struct {
	dir string
	seq atomic.Uint64
}

// NewHTTPLog builds a logger rooted at dir. The directory is created on
// first write.
func NewHTTPLog(dir string) *HTTPLog {
	return &HTTPLog{dir: dir}
}

// Exchange is one logged request awaiting its response record. Finish must
// always run, normally via defer, so that every request file gets a
// matching response file even when the call fails.
type Exchange struct {
	log  *HTTPLog
	base string
}

// Begin writes the request record and returns the pending exchange.
func (l *HTTPLog) Begin(provider, model string, body any) *Exchange {
	if l == nil {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		slog.Warn("http log dir", "dir", l.dir, "error", err)
		return nil
	}

	n := l.seq.Add(1)
	base := fmt.Sprintf("%s_%03d_%s", time.Now().UTC().Format("20060102T150405.000"), n, provider)

	record := map[string]any{
		"timestamp": time.Now().UTC(),
		"provider":  provider,
		"model":     model,
		"body":      body,
	}
	l.write(base+"_request.json", record)
	return &Exchange{log: l, base: base}
}

// Finish writes the response record. status is the HTTP status (0 when the
// request never reached the server), summary describes the outcome.
func (e *Exchange) Finish(status int, summary any, err error) {
	if e == nil {
		return
	}
	record := map[string]any{
		"timestamp": time.Now().UTC(),
		"status":    status,
		"response":  summary,
	}
	if err != nil {
		record["error"] = err.Error()
	}
	e.log.write(e.base+"_response.json", record)
}

func (l *HTTPLog) write(name string, record any) {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		slog.Warn("http log marshal", "file", name, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(l.dir, name), data, 0o644); err != nil {
		slog.Warn("http log write", "file", name, "error", err)
	}
}
