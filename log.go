/*
Package store – logging interface.

Providers log through Logger; the pure core never logs.
*/
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Logger is the interface callers may supply to a provider.
// Each method receives a structured context map (may be nil).
type Logger interface {
	Trace(message string, ctx map[string]any)
	Info(message string, ctx map[string]any)
	Error(message string, ctx map[string]any)
	Data(message string, ctx map[string]any)
}

// LevelTrace sits below slog.LevelDebug.
const LevelTrace = slog.Level(-8)

// slogLogger writes through a slog.Logger. Trace and data lines are dropped
// unless verbose is set.
type slogLogger struct {
	l       *slog.Logger
	verbose bool
}

// NewLogger returns the default Logger, backed by slog.Default() and tagged
// with module=store. verbose also emits trace and data lines.
func NewLogger(verbose bool) Logger {
	return NewSlogLogger(slog.Default().With("module", "store"), verbose)
}

// NewSlogLogger adapts l.
func NewSlogLogger(l *slog.Logger, verbose bool) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l, verbose: verbose}
}

func (s *slogLogger) Trace(msg string, ctx map[string]any) {
	if s.verbose {
		s.log(LevelTrace, msg, ctx)
	}
}

func (s *slogLogger) Data(msg string, ctx map[string]any) {
	if s.verbose {
		s.log(slog.LevelDebug, msg, ctx)
	}
}

func (s *slogLogger) Info(msg string, ctx map[string]any)  { s.log(slog.LevelInfo, msg, ctx) }
func (s *slogLogger) Error(msg string, ctx map[string]any) { s.log(slog.LevelError, msg, ctx) }

func (s *slogLogger) log(level slog.Level, msg string, ctx map[string]any) {
	attrs := make([]slog.Attr, 0, len(ctx))
	for k, v := range ctx {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.l.LogAttrs(context.Background(), level, msg, attrs...)
}

// FuncLogger wraps a plain function: func(level, message string, ctx map[string]any).
type FuncLogger struct {
	Fn func(level, message string, ctx map[string]any)
}

func (f FuncLogger) Trace(msg string, ctx map[string]any) { f.Fn("trace", msg, ctx) }
func (f FuncLogger) Data(msg string, ctx map[string]any)  { f.Fn("data", msg, ctx) }
func (f FuncLogger) Info(msg string, ctx map[string]any)  { f.Fn("info", msg, ctx) }
func (f FuncLogger) Error(msg string, ctx map[string]any) { f.Fn("error", msg, ctx) }

// nopLogger silently discards everything.
type nopLogger struct{}

func (nopLogger) Trace(string, map[string]any) {}
func (nopLogger) Data(string, map[string]any)  {}
func (nopLogger) Info(string, map[string]any)  {}
func (nopLogger) Error(string, map[string]any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }

// FmtCtx is a quick JSON rendering of a context map for simple debug prints.
func FmtCtx(ctx map[string]any) string {
	b, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Sprintf("%v", ctx)
	}
	return string(b)
}
