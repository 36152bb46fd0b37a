// Package crashlog persists recovered panics and notable errors to the error_logs table
// so they survive the process.
package crashlog

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/neboloop/tabrelay/internal/db"
	"github.com/neboloop/tabrelay/internal/logging"
)

const (
	LevelPanic = "panic"
	LevelError = "error"
	LevelWarn  = "warn"
)

const writeTimeout = 5 * time.Second

// Entry is one stored record.
type Entry struct {
	ID         int64             `json:"id"`
	Level      string            `json:"level"`
	Module     string            `json:"module"`
	Message    string            `json:"message"`
	Stacktrace string            `json:"stacktrace,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Logger writes entries to the store. Safe for concurrent use.
type Logger struct {
	store *db.Store
}

var (
	global   *Logger
	globalMu sync.Mutex
)

// Init sets up the global crash logger. Passing nil detaches it.
func Init(store *db.Store) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if store == nil {
		global = nil
		return
	}
	global = &Logger{store: store}
}

func current() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// LogPanic records a recovered panic with the stack of the calling goroutine.
// Safe to call even if Init() was never called (logs only).
func LogPanic(module string, r any, ctx map[string]string) {
	msg := fmt.Sprintf("%v", r)
	stack := make([]byte, 8192)
	n := runtime.Stack(stack, false)
	stackStr := string(stack[:n])

	logging.Errorf("[PANIC] %s: %s\n%s", module, msg, stackStr)

	if l := current(); l != nil {
		l.insert(LevelPanic, module, msg, stackStr, ctx)
	}
}

// LogError records an error with optional context.
func LogError(module string, err error, ctx map[string]string) {
	if err == nil {
		return
	}
	logging.Errorf("[%s] %v", module, err)
	if l := current(); l != nil {
		l.insert(LevelError, module, err.Error(), "", ctx)
	}
}

// LogWarn records a warning.
func LogWarn(module string, msg string, ctx map[string]string) {
	logging.Warnf("[%s] %s", module, msg)
	if l := current(); l != nil {
		l.insert(LevelWarn, module, msg, "", ctx)
	}
}

func (l *Logger) insert(level, module, message, stacktrace string, ctx map[string]string) {
	var ctxJSON any
	if len(ctx) > 0 {
		if b, err := json.Marshal(ctx); err == nil {
			ctxJSON = string(b)
		}
	}
	var stackVal any
	if stacktrace != "" {
		stackVal = stacktrace
	}

	c, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := l.store.Exec(c,
		`INSERT INTO error_logs (level, module, message, stacktrace, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		level, module, message, stackVal, ctxJSON, db.NowMillis(time.Now()))
	if err != nil {
		logging.Debugf("[crashlog] insert skipped: %v", err)
	}
}

// Recent returns the newest entries, newest first.
func Recent(ctx context.Context, limit int) ([]Entry, error) {
	l := current()
	if l == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.store.All(ctx,
		`SELECT * FROM error_logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent error logs: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{
			ID:         r.Int64("id"),
			Level:      r.String("level"),
			Module:     r.String("module"),
			Message:    r.String("message"),
			Stacktrace: r.String("stacktrace"),
			CreatedAt:  r.Millis("created_at"),
		}
		if raw := r.String("context"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &e.Context)
		}
		out = append(out, e)
	}
	return out, nil
}

// Prune deletes entries created before cutoff.
func Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	l := current()
	if l == nil {
		return 0, nil
	}
	res, err := l.store.Exec(ctx, `DELETE FROM error_logs WHERE created_at < ?`, db.NowMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune error logs: %w", err)
	}
	return res.RowsAffected()
}
