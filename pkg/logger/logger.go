// Package logger provides structured logging for the realtime server.
// It wraps log/slog with a process-wide logger and a Fields map so call
// sites read as logger.Info(ctx, "msg", logger.Fields{...}).
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Fields holds structured key/value pairs attached to a log line.
type Fields map[string]any

var (
	mu      sync.RWMutex
	current = New(os.Stderr)
)

// New returns a text-format slog logger writing to w at INFO level.
func New(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// NewWithLevel returns a text-format slog logger writing to w at the given level.
func NewWithLevel(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// SetLogger replaces the process-wide logger.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	current = l
	mu.Unlock()
}

// Logger returns the process-wide logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Debug logs at DEBUG level.
func Debug(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelDebug, msg, fields)
}

// Info logs at INFO level.
func Info(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelInfo, msg, fields)
}

// Warn logs at WARN level.
func Warn(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelWarn, msg, fields)
}

// Error logs at ERROR level with the error attached as the "error" attribute.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	if err != nil {
		merged := make(Fields, len(fields)+1)
		for k, v := range fields {
			merged[k] = v
		}
		merged["error"] = err.Error()
		fields = merged
	}
	log(ctx, slog.LevelError, msg, fields)
}

// LogAt logs with an explicit level, attributing the record to the caller
// skip frames above LogAt's caller.
func LogAt(level slog.Level, skip int, msg string, fields Fields) {
	l := Logger()
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(skip+2, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(attrs(fields)...)
	if err := l.Handler().Handle(ctx, r); err != nil {
		return
	}
}

func log(ctx context.Context, level slog.Level, msg string, fields Fields) {
	if ctx == nil {
		ctx = context.Background()
	}
	l := Logger()
	if !l.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(attrs(fields)...)
	if err := l.Handler().Handle(ctx, r); err != nil {
		return
	}
}

// attrs converts fields to attributes sorted by key so output is stable.
func attrs(fields Fields) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}
