// Package logging builds the process-wide slog logger. All output goes
// through a text handler on stderr; a bounded in-memory ring keeps the
// most recent lines so the metrics endpoint can surface them without
// touching disk.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Line is one captured log record.
type Line struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// RingHandler wraps an inner slog handler and records every line it
// handles into a fixed-size ring buffer.
type RingHandler struct {
	inner  slog.Handler
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string

	mu    *sync.RWMutex
	ring  []Line
	pos   *int
	count *int
}

// ParseLevel maps a config log level string onto a slog.Level.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a logger at the given level plus the ring handler backing
// it, for later inspection via Recent.
func New(level string, ringSize int) (*slog.Logger, *RingHandler) {
	h := NewRingHandler(ParseLevel(level), ringSize)
	return slog.New(h), h
}

func NewRingHandler(level slog.Leveler, ringSize int) *RingHandler {
	if ringSize <= 0 {
		ringSize = 500
	}
	var pos, count int
	return &RingHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		level: level,
		mu:    &sync.RWMutex{},
		ring:  make([]Line, ringSize),
		pos:   &pos,
		count: &count,
	}
}

func (h *RingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *RingHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	line := Line{Level: r.Level.String(), Message: r.Message, Time: r.Time}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[*h.pos] = line
	*h.pos = (*h.pos + 1) % len(h.ring)
	if *h.count < len(h.ring) {
		*h.count++
	}
	return nil
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(attrs)
	c.attrs = append(cloneAttrs(h.attrs), attrs...)
	return &c
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.inner = h.inner.WithGroup(name)
	c.groups = append(append([]string{}, h.groups...), name)
	return &c
}

// Recent returns the buffered lines, oldest first.
func (h *RingHandler) Recent() []Line {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if *h.count == 0 {
		return nil
	}
	result := make([]Line, *h.count)
	start := (*h.pos - *h.count + len(h.ring)) % len(h.ring)
	for i := range *h.count {
		result[i] = h.ring[(start+i)%len(h.ring)]
	}
	return result
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}
