package log

import (
	"maps"
	"sync"

	"go.uber.org/zap"
)

// Sink is the pipeline's logging collaborator. Calls are fire-and-forget:
// implementations must not panic or block the caller on write failures.
type Sink interface {
	Info(source, message string, details map[string]any)
	Warn(source, message string, details map[string]any)
	Error(source, message string, details map[string]any)
}

// Source returns a Sink view of the logger. Each entry carries the source tag.
func (l *Logger) Source() Sink {
	return zapSink{l: l}
}

type zapSink struct {
	l *Logger
}

func (s zapSink) Info(source, message string, details map[string]any) {
	s.write(s.l.zap.Info, source, message, details)
}

func (s zapSink) Warn(source, message string, details map[string]any) {
	s.write(s.l.zap.Warn, source, message, details)
}

func (s zapSink) Error(source, message string, details map[string]any) {
	s.write(s.l.zap.Error, source, message, details)
}

func (zapSink) write(fn func(string, ...zap.Field), source, message string, details map[string]any) {
	defer func() { _ = recover() }()
	fn(message, zap.String("source", source), zap.Any("fields", details))
}

// Nop is a Sink that discards everything.
var Nop Sink = nopSink{}

type nopSink struct{}

func (nopSink) Info(string, string, map[string]any)  {}
func (nopSink) Warn(string, string, map[string]any)  {}
func (nopSink) Error(string, string, map[string]any) {}

// Level is a Recorder entry severity.
type Level string

// Recorder entry severities.
const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is a captured log call.
type Entry struct {
	Level   Level
	Source  string
	Message string
	Details map[string]any
}

// Recorder is a Sink that captures entries in memory for testing.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Info(source, message string, details map[string]any) {
	r.add(LevelInfo, source, message, details)
}

func (r *Recorder) Warn(source, message string, details map[string]any) {
	r.add(LevelWarn, source, message, details)
}

func (r *Recorder) Error(source, message string, details map[string]any) {
	r.add(LevelError, source, message, details)
}

func (r *Recorder) add(level Level, source, message string, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{
		Level:   level,
		Source:  source,
		Message: message,
		Details: maps.Clone(details),
	})
}

// Entries returns a copy of the captured entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns the number of entries at the given level.
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Has reports whether an entry with the given message was captured.
func (r *Recorder) Has(message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Message == message {
			return true
		}
	}
	return false
}

var (
	_ Sink = zapSink{}
	_ Sink = (*Recorder)(nil)
)
