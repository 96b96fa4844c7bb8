// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides component-scoped structured logging over
// log/slog. Every component fetches its own logger with WithComponent so
// log lines carry a "component" field instead of ad-hoc prefixes.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps *slog.Logger with the error/trace helpers the rest of the
// tree calls.
type Logger struct {
	l *slog.Logger
}

var (
	mu      sync.Mutex
	base    = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	traceOn bool
)

// SetLevel adjusts the process-wide minimum log level.
func SetLevel(level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// SetTrace toggles trace-level messages (timer staleness, per-packet
// decode detail). Trace lines are emitted at Debug level when enabled and
// dropped entirely otherwise, matching the teacher's -d/-v verbosity model.
func SetTrace(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	traceOn = enabled
}

// WithComponent returns a Logger scoped to the named component.
func WithComponent(name string) *Logger {
	mu.Lock()
	l := base
	mu.Unlock()
	return &Logger{l: l.With("component", name)}
}

// With returns a copy of the Logger with additional key/value pairs bound.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l: l.l.With(args...)}
}

// WithError binds an "error" attribute for the next call.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{l: l.l.With("error", err)}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) { l.l.Debug(msg, args...) }

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) { l.l.Info(msg, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) { l.l.Warn(msg, args...) }

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) { l.l.Error(msg, args...) }

// Trace logs a trace-level message: expected-noisy, non-error conditions
// such as a stale timer fire (spec §7). Only emitted when SetTrace(true)
// has been called.
func (l *Logger) Trace(msg string, args ...any) {
	mu.Lock()
	on := traceOn
	mu.Unlock()
	if !on {
		return
	}
	l.l.Debug(msg, args...)
}

// Ctx returns the logger, ignoring ctx for now; kept so call sites that
// thread a context (matching the teacher's request-scoped logging call
// sites) compile unchanged if a context carries a request-scoped logger
// in the future.
func (l *Logger) Ctx(_ context.Context) *Logger { return l }
