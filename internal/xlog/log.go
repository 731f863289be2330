// Package xlog is a thin structured-logging wrapper over log/slog, in the
// shape of go-ethereum's own log package: leveled calls taking alternating
// key/value pairs, and a New that attaches request-scoped context (ceremony,
// circuit, participant ids) to every subsequent call without the caller
// having to repeat them.
package xlog

import (
	"context"
	"log/slog"
	"os"
)

var root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetDefault replaces the root handler, e.g. to switch to JSON output or
// raise verbosity from config.
func SetDefault(l *slog.Logger) { root = l }

// Logger is a handle carrying a fixed set of key/value context.
type Logger struct{ s *slog.Logger }

// New returns a Logger with ctx key/value pairs pre-bound, e.g.
// xlog.New("ceremonyId", id, "circuitId", cid).
func New(ctx ...any) Logger {
	return Logger{s: root.With(ctx...)}
}

func (l Logger) Debug(msg string, kv ...any) { l.s.Debug(msg, kv...) }
func (l Logger) Info(msg string, kv ...any)  { l.s.Info(msg, kv...) }
func (l Logger) Warn(msg string, kv ...any)  { l.s.Warn(msg, kv...) }
func (l Logger) Error(msg string, kv ...any) { l.s.Error(msg, kv...) }

// With returns a derived Logger with additional context merged in.
func (l Logger) With(kv ...any) Logger {
	return Logger{s: l.s.With(kv...)}
}

func Debug(msg string, kv ...any) { root.Debug(msg, kv...) }
func Info(msg string, kv ...any)  { root.Info(msg, kv...) }
func Warn(msg string, kv ...any)  { root.Warn(msg, kv...) }
func Error(msg string, kv ...any) { root.Error(msg, kv...) }

// FromContext returns the Logger stashed in ctx by WithContext, falling
// back to the package root logger when there is none.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Logger{s: root}
}

type loggerKey struct{}

// WithContext returns a context carrying l, retrievable via FromContext.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}
