package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// logRing is shared by a LogHandler and every handler derived from it via
// WithAttrs/WithGroup, so all of them feed the same buffer and subscribers.
type logRing struct {
	mu          sync.RWMutex
	ring        []LogLine
	ringSize    int
	ringPos     int
	ringCount   int
	subscribers map[int]chan LogLine
	nextID      int
}

type LogHandler struct {
	inner  slog.Handler
	shared *logRing
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func NewLogHandler(w io.Writer, level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &LogHandler{
		inner: slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}),
		shared: &logRing{
			ring:        make([]LogLine, ringSize),
			ringSize:    ringSize,
			subscribers: make(map[int]chan LogLine),
		},
		level: level,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
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

	line := LogLine{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
	}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	s := h.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.ringPos] = line
	s.ringPos = (s.ringPos + 1) % s.ringSize
	if s.ringCount < s.ringSize {
		s.ringCount++
	}

	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{
		inner:  h.inner.WithAttrs(attrs),
		shared: h.shared,
		level:  h.level,
		attrs:  append(cloneAttrs(h.attrs), attrs...),
		groups: h.groups,
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{
		inner:  h.inner.WithGroup(name),
		shared: h.shared,
		level:  h.level,
		attrs:  cloneAttrs(h.attrs),
		groups: append(append([]string{}, h.groups...), name),
	}
}

func (h *LogHandler) Subscribe() (id int, ch <-chan LogLine, recent []LogLine) {
	s := h.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	c := make(chan LogLine, 64)
	id = s.nextID
	s.nextID++
	s.subscribers[id] = c

	recent = s.recentLocked()
	return id, c, recent
}

func (h *LogHandler) Unsubscribe(id int) {
	s := h.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *logRing) recentLocked() []LogLine {
	if s.ringCount == 0 {
		return nil
	}
	result := make([]LogLine, s.ringCount)
	start := (s.ringPos - s.ringCount + s.ringSize) % s.ringSize
	for i := range s.ringCount {
		result[i] = s.ring[(start+i)%s.ringSize]
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
