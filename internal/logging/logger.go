// Package logging provides leveled logging and move tracing for pmrqmc.
// It offers two complementary outputs:
//   - A leveled slog.Logger for stderr (operational output)
//   - A MoveTracer for structured JSONL traces of Monte Carlo moves
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelTrace is a custom slog level below Debug for per-move logging.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "info", "debug", "trace" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a leveled slog.Logger writing to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Label the custom trace level
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// MoveTracer writes per-move diagnostic events to a JSONL file. It is safe
// for concurrent use. A nil MoveTracer is safe to use; all methods are no-ops
// on nil receiver.
type MoveTracer struct {
	mu   sync.Mutex
	file *os.File
}

// NewMoveTracer creates a tracer writing to dir/moves.jsonl.
// Below "trace" level, returns nil and no file is created.
// Returns nil if the file cannot be opened. All methods are nil-safe.
func NewMoveTracer(dir string, level string) *MoveTracer {
	if ParseLevel(level) != LevelTrace {
		return nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil
	}

	path := filepath.Join(dir, "moves.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil
	}

	return &MoveTracer{file: f}
}

// Log writes a move event as a single JSONL line.
// A "time" field is added automatically. The caller's map is not mutated.
// Safe to call on nil receiver.
func (mt *MoveTracer) Log(event map[string]any) {
	if mt == nil || mt.file == nil {
		return
	}

	// Copy to avoid mutating caller's map
	entry := make(map[string]any, len(event)+1)
	for k, v := range event {
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)

	mt.mu.Lock()
	defer mt.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = mt.file.Write(data)
}

// Close closes the underlying file. Safe to call on nil receiver.
func (mt *MoveTracer) Close() {
	if mt == nil || mt.file == nil {
		return
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.file.Close()
	mt.file = nil
}
