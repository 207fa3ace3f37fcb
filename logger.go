package readback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

// live holds the open coordinators so SetLogger can reach their backends.
var (
	liveMu sync.Mutex
	live   = make(map[*Coordinator]struct{})
)

func init() {
	l := newNopLogger()
	loggerPtr.Store(l)
}

// SetLogger configures the logger for readback, its backends and its
// internal packages. By default, readback produces no log output.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by readback:
//   - [slog.LevelDebug]: per-event diagnostics (slot transitions, drains)
//   - [slog.LevelInfo]: lifecycle events (coordinator opened, backend chosen)
//   - [slog.LevelWarn]: non-fatal failures (copy failed, staging evicted)
//   - [slog.LevelError]: device loss
//
// Example:
//
//	readback.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	liveMu.Lock()
	cs := make([]*Coordinator, 0, len(live))
	for c := range live {
		cs = append(cs, c)
	}
	liveMu.Unlock()

	for _, c := range cs {
		c.propagateLogger(l)
	}
}

// Logger returns the current logger used by readback.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by backends that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

func track(c *Coordinator) {
	liveMu.Lock()
	live[c] = struct{}{}
	liveMu.Unlock()
	c.propagateLogger(Logger())
}

func untrack(c *Coordinator) {
	liveMu.Lock()
	delete(live, c)
	liveMu.Unlock()
}

// propagateLogger passes the logger to the coordinator's backend and
// internal packages.
func (c *Coordinator) propagateLogger(l *slog.Logger) {
	if ls, ok := c.backend.(loggerSetter); ok {
		ls.SetLogger(l)
	}
	c.pool.SetLogger(l)
	c.handles.SetLogger(l)
}
