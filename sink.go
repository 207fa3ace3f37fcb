package readback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrNilSink is returned by NativeLogSink for a zero function pointer.
var ErrNilSink = errors.New("readback: nil log sink")

// LogSink receives one formatted diagnostic line per log record.
type LogSink func(msg string)

// RegisterLogSink routes all readback diagnostics, debug level and up, to
// sink as single lines of the form
//
//	LEVEL message key=value ...
//
// It replaces any logger installed with SetLogger. A nil sink restores the
// silent default.
func RegisterLogSink(sink LogSink) {
	if sink == nil {
		SetLogger(nil)
		return
	}
	SetLogger(slog.New(newSinkHandler(sink, slog.LevelDebug)))
}

// sinkHandler formats records for a LogSink.
type sinkHandler struct {
	mu     *sync.Mutex
	sink   LogSink
	level  slog.Leveler
	prefix string // preformatted attrs from WithAttrs
	group  string
}

func newSinkHandler(sink LogSink, level slog.Leveler) *sinkHandler {
	return &sinkHandler{mu: &sync.Mutex{}, sink: sink, level: level}
}

func (h *sinkHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *sinkHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Level.String())
	b.WriteByte(' ')
	b.WriteString(r.Message)
	b.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.group, a)
		return true
	})

	// Native sinks are not required to be reentrant.
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink(b.String())
	return nil
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		appendAttr(&b, h.group, a)
	}
	c := *h
	c.prefix = b.String()
	return &c
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	if c.group == "" {
		c.group = name
	} else {
		c.group += "." + name
	}
	return &c
}

func appendAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	switch {
	case key == "":
		key = group
	case group != "":
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			appendAttr(b, key, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	s := a.Value.String()
	if strings.ContainsAny(s, " \t\n\"=") {
		s = fmt.Sprintf("%q", s)
	}
	b.WriteString(s)
}
