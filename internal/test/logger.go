package test

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
)

// NewLogger returns a logger that writes to the test's log.
//
// Messages logged after the test has completed are discarded.
func NewLogger(t TestingT) *slog.Logger {
	h := &logHandler{
		T:    t,
		done: &atomic.Bool{},
	}

	t.Cleanup(func() {
		h.done.Store(true)
	})

	return slog.New(h)
}

type logHandler struct {
	T      TestingT
	done   *atomic.Bool
	attrs  []slog.Attr
	groups []string
}

func (h *logHandler) Enabled(context.Context, slog.Level) bool {
	return !h.done.Load()
}

func (h *logHandler) Handle(_ context.Context, rec slog.Record) error {
	if h.done.Load() {
		return nil
	}

	attrs := slices.Clone(h.attrs)
	rec.Attrs(func(attr slog.Attr) bool {
		attrs = append(attrs, attr)
		return true
	})

	buf := &strings.Builder{}
	buf.WriteString(rec.Level.String())
	buf.WriteString(" ")
	buf.WriteString(rec.Message)

	prefix := strings.Join(h.groups, ".")
	if prefix != "" {
		prefix += "."
	}

	for _, attr := range attrs {
		writeAttr(buf, prefix, attr)
	}

	h.T.Log(buf.String())

	return nil
}

func writeAttr(buf *strings.Builder, prefix string, attr slog.Attr) {
	if attr.Value.Kind() == slog.KindGroup {
		for _, a := range attr.Value.Group() {
			writeAttr(buf, prefix+attr.Key+".", a)
		}
		return
	}

	buf.WriteString("\n    ")
	buf.WriteString(prefix)
	buf.WriteString(attr.Key)
	buf.WriteString(": ")

	v := attr.Value.String()
	if strings.ContainsAny(v, " \t\n\r") {
		fmt.Fprintf(buf, "%q", v)
	} else {
		buf.WriteString(v)
	}
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logHandler{
		T:      h.T,
		done:   h.done,
		attrs:  append(slices.Clone(h.attrs), attrs...),
		groups: h.groups,
	}
}

func (h *logHandler) WithGroup(name string) slog.Handler {
	return &logHandler{
		T:      h.T,
		done:   h.done,
		attrs:  h.attrs,
		groups: append(slices.Clone(h.groups), name),
	}
}
