package dockache

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceLogger is a two-tier logger: a one-line pointer goes to the console
// logger (via log/slog), while the full detail is appended to a
// per-(cache, timestamp) file. Used on fatal replicator errors, where a
// full stack/context dump is worth
// keeping but too noisy for the console.
type TraceLogger struct {
	cacheName string
	dir       string
	console   *slog.Logger

	mu sync.Mutex
}

// NewTraceLogger creates a TraceLogger that writes detail files under dir,
// named "<cacheName>-<unix-nano>.trace". dir is created if absent.
func NewTraceLogger(cacheName, dir string) (*TraceLogger, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &TraceLogger{
		cacheName: cacheName,
		dir:       dir,
		console:   slog.Default().With("cache", cacheName),
	}, nil
}

// NewNopTraceLogger returns a TraceLogger that only logs to the console
// (no file sink), for tests and hosts that don't want trace files.
func NewNopTraceLogger() *TraceLogger {
	return &TraceLogger{console: slog.Default()}
}

// Warnf logs a one-line warning to the console only.
func (t *TraceLogger) Warnf(format string, args ...any) {
	t.console.Warn(fmt.Sprintf(format, args...))
}

// Trace writes a full detail blob to a new file and emits a one-line
// console pointer to it.
func (t *TraceLogger) Trace(summary, detail string) {
	if t.dir == "" {
		t.console.Error(summary, "detail", detail)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	name := fmt.Sprintf("%s-%d.trace", t.cacheName, time.Now().UnixNano())
	path := filepath.Join(t.dir, name)
	if err := os.WriteFile(path, []byte(detail), 0o644); err != nil {
		t.console.Error(summary, "trace_write_error", err)
		return
	}
	t.console.Error(summary, "trace_file", path)
}

// Close is a no-op; Trace opens and closes a fresh file per call, so there
// is never a descriptor left open between calls.
func (t *TraceLogger) Close() error { return nil }
