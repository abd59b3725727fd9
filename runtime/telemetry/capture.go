package telemetry

import (
	"context"
	"sync"
)

// CaptureLogger records every entry in memory. It exists for tests that
// assert on warnings (delta type mismatches, missing tools on import) and is
// safe for concurrent use.
type CaptureLogger struct {
	mu      sync.Mutex
	entries []CapturedEntry
}

// CapturedEntry is one recorded log entry.
type CapturedEntry struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Msg is the log message.
	Msg string
	// KeyVals are the raw key/value pairs as passed.
	KeyVals []any
}

// NewCaptureLogger constructs an empty capturing logger.
func NewCaptureLogger() *CaptureLogger { return &CaptureLogger{} }

// Debug records a debug entry.
func (l *CaptureLogger) Debug(_ context.Context, msg string, keyvals ...any) {
	l.record("debug", msg, keyvals)
}

// Info records an info entry.
func (l *CaptureLogger) Info(_ context.Context, msg string, keyvals ...any) {
	l.record("info", msg, keyvals)
}

// Warn records a warning entry.
func (l *CaptureLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	l.record("warn", msg, keyvals)
}

// Error records an error entry.
func (l *CaptureLogger) Error(_ context.Context, msg string, keyvals ...any) {
	l.record("error", msg, keyvals)
}

// Entries returns a copy of everything recorded so far.
func (l *CaptureLogger) Entries() []CapturedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CapturedEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Count returns the number of entries recorded at the given level.
func (l *CaptureLogger) Count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

func (l *CaptureLogger) record(level, msg string, keyvals []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kvs := make([]any, len(keyvals))
	copy(kvs, keyvals)
	l.entries = append(l.entries, CapturedEntry{Level: level, Msg: msg, KeyVals: kvs})
}
