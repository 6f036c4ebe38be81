package log

import (
	"context"
	"fmt"
	"sync"
)

// SafeError logs err at error level. In production only the error's dynamic
// type is emitted so driver messages carrying DSNs or payloads stay out of logs.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if logger == nil || err == nil || !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, String("error_type", fmt.Sprintf("%T", err)))

		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}

// Recorder is an in-memory Logger used by tests across packages.
type Recorder struct {
	mu      sync.Mutex
	Entries []RecordedEntry
	fields  []Field
	shared  *Recorder
}

// RecordedEntry is one captured log call.
type RecordedEntry struct {
	Level   Level
	Message string
	Fields  []Field
}

// NewRecorder returns an empty recording logger.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) root() *Recorder {
	if r.shared != nil {
		return r.shared
	}

	return r
}

func (r *Recorder) Log(_ context.Context, level Level, msg string, fields ...Field) {
	all := append(append([]Field(nil), r.fields...), fields...)
	root := r.root()

	root.mu.Lock()
	defer root.mu.Unlock()

	root.Entries = append(root.Entries, RecordedEntry{Level: level, Message: msg, Fields: all})
}

//nolint:ireturn
func (r *Recorder) With(fields ...Field) Logger {
	return &Recorder{fields: append(append([]Field(nil), r.fields...), fields...), shared: r.root()}
}

//nolint:ireturn
func (r *Recorder) WithGroup(string) Logger { return r }

func (r *Recorder) Enabled(Level) bool { return true }

func (r *Recorder) Sync(context.Context) error { return nil }

// Messages returns the messages logged at level, in order.
func (r *Recorder) Messages(level Level) []string {
	root := r.root()

	root.mu.Lock()
	defer root.mu.Unlock()

	var out []string

	for _, entry := range root.Entries {
		if entry.Level == level {
			out = append(out, entry.Message)
		}
	}

	return out
}
