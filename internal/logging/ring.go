package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`

	level slog.Level
}

// Query filters Ring.Recent. Zero values match everything.
type Query struct {
	Limit    int
	MinLevel slog.Level
	Since    time.Time
	// Contains matches case-insensitively against the message.
	Contains string
}

// Ring keeps the most recent log entries, overwriting the oldest.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	count   int
}

// NewRing creates a ring holding up to size entries.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{entries: make([]Entry, size)}
}

func (r *Ring) add(e Entry) {
	r.mu.Lock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
	r.mu.Unlock()
}

// Recent returns matching entries, newest first.
func (r *Ring) Recent(q Query) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(q.Contains)
	out := make([]Entry, 0, min(r.count, max(q.Limit, 0)))
	for i := 0; i < r.count; i++ {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		e := r.entries[(r.next-1-i+len(r.entries))%len(r.entries)]
		if e.level < q.MinLevel {
			continue
		}
		if !q.Since.IsZero() && e.Time.Before(q.Since) {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(e.Message), needle) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns how many entries are held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// captureHandler forwards to inner and copies every handled record into a Ring.
type captureHandler struct {
	inner  slog.Handler
	ring   *Ring
	attrs  []slog.Attr
	prefix string
}

func newCaptureHandler(inner slog.Handler, ring *Ring) *captureHandler {
	return &captureHandler{inner: inner, ring: ring}
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, rec slog.Record) error {
	e := Entry{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
		level:   rec.Level,
	}
	if n := len(h.attrs) + rec.NumAttrs(); n > 0 {
		e.Attrs = make(map[string]any, n)
		for _, a := range h.attrs {
			e.Attrs[a.Key] = a.Value.Any()
		}
		rec.Attrs(func(a slog.Attr) bool {
			e.Attrs[h.prefix+a.Key] = a.Value.Any()
			return true
		})
	}
	h.ring.add(e)
	return h.inner.Handle(ctx, rec)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &captureHandler{
		inner:  h.inner.WithAttrs(attrs),
		ring:   h.ring,
		prefix: h.prefix,
		attrs:  make([]slog.Attr, 0, len(h.attrs)+len(attrs)),
	}
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return next
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &captureHandler{
		inner:  h.inner.WithGroup(name),
		ring:   h.ring,
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}
