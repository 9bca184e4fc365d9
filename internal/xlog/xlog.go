// Package xlog is a small structured logger adapted from the teacher's
// log package: a log/slog wrapper with leveled, key-value call sites and
// a terminal/JSON handler split, trimmed to what this repo's cache and
// demo CLI need.
package xlog

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps a *slog.Logger with the Info/Warn/Debug/Error/Trace
// key-value call sites the teacher's log package exposes.
type Logger struct {
	l *slog.Logger
}

// New returns a Logger writing level-gated text output to w.
func New(w io.Writer, level slog.Level) *Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{l: slog.New(h)}
}

// NewJSON returns a Logger writing level-gated JSON output to w, for
// production deployments that feed a log aggregator.
func NewJSON(w io.Writer, level slog.Level) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{l: slog.New(h)}
}

// Default returns a Logger writing Info-and-above text output to
// stderr.
func Default() *Logger {
	return New(os.Stderr, slog.LevelInfo)
}

// Nop returns a Logger that discards everything, for tests that don't
// want log noise.
func Nop() *Logger {
	return New(io.Discard, slog.LevelError+1)
}

// With returns a Logger that prepends keyvals to every subsequent call.
func (lg *Logger) With(keyvals ...any) *Logger {
	return &Logger{l: lg.l.With(keyvals...)}
}

func (lg *Logger) Debug(msg string, keyvals ...any) { lg.l.Debug(msg, keyvals...) }
func (lg *Logger) Info(msg string, keyvals ...any)  { lg.l.Info(msg, keyvals...) }
func (lg *Logger) Warn(msg string, keyvals ...any)  { lg.l.Warn(msg, keyvals...) }
func (lg *Logger) Error(msg string, keyvals ...any) { lg.l.Error(msg, keyvals...) }

// Trace logs at a level below Debug, matching the teacher's five-level
// scheme (Trace/Debug/Info/Warn/Error); slog has no native Trace level
// so it is modeled as Debug-4 (one slog level step below Debug).
const LevelTrace = slog.LevelDebug - 4

func (lg *Logger) Trace(msg string, keyvals ...any) {
	lg.l.Log(context.Background(), LevelTrace, msg, keyvals...)
}
