package monitorlog

import (
	"sync"
	"time"
)

// Field is a structured logging field (zap-style).
type Field struct {
	Key   string
	Value any
}

// ---- Field helpers ----

func String(key, val string) Field   { return Field{Key: key, Value: val} }
func Bool(key string, val bool) Field { return Field{Key: key, Value: val} }
func Int(key string, val int) Field   { return Field{Key: key, Value: val} }
func Uint64(key string, val uint64) Field {
	return Field{Key: key, Value: val}
}
func Float64(key string, val float64) Field {
	return Field{Key: key, Value: val}
}
func Time(key string, v time.Time) Field {
	return Field{Key: key, Value: v}
}
func Duration(key string, d time.Duration) Field {
	return Field{Key: key, Value: d}
}
func Any(key string, val any) Field { return Field{Key: key, Value: val} }
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err}
}

// Logger is the project-wide logging interface.
type Logger interface {
	// Named returns a child logger with the given component name appended.
	Named(name string) Logger
	// With returns a child logger that includes the provided fields.
	With(fields ...Field) Logger

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// ---- Global logger accessors ----

var (
	globalMu     sync.RWMutex
	globalLogger Logger = newConsole()
)

// L returns the current global logger.
func L() Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	return l
}

// ReplaceGlobal swaps the global logger implementation.
func ReplaceGlobal(l Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (n nopLogger) Named(string) Logger  { return n }
func (n nopLogger) With(...Field) Logger { return n }
func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}
