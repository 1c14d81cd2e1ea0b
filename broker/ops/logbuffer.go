package ops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogEntry represents a single structured log record.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"msg"`
	Attrs   string    `json:"attrs,omitempty"`
}

// LogBuffer is a fixed-capacity ring buffer with pub/sub fan-out for log entries.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	size    int

	listenerMu sync.RWMutex
	listeners  map[string]chan LogEntry
}

// NewLogBuffer allocates a ring buffer with the given capacity.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogBuffer{
		entries:   make([]LogEntry, capacity),
		listeners: make(map[string]chan LogEntry),
	}
}

// Add writes an entry to the ring buffer and fans out to all listeners.
// Slow listeners miss entries rather than block logging.
func (lb *LogBuffer) Add(entry LogEntry) {
	lb.mu.Lock()
	lb.entries[lb.head] = entry
	lb.head = (lb.head + 1) % len(lb.entries)
	if lb.size < len(lb.entries) {
		lb.size++
	}
	lb.mu.Unlock()

	lb.listenerMu.RLock()
	for _, ch := range lb.listeners {
		select {
		case ch <- entry:
		default:
		}
	}
	lb.listenerMu.RUnlock()
}

// Recent returns the last n entries in chronological order.
func (lb *LogBuffer) Recent(n int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	n = min(n, lb.size)
	if n <= 0 {
		return nil
	}
	out := make([]LogEntry, n)
	start := (lb.head - n + len(lb.entries)) % len(lb.entries)
	for i := range out {
		out[i] = lb.entries[(start+i)%len(lb.entries)]
	}
	return out
}

// Subscribe registers a listener for new entries. The returned cancel
// function unregisters it and closes the channel.
func (lb *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	id := uuid.NewString()
	ch := make(chan LogEntry, 100)
	lb.listenerMu.Lock()
	lb.listeners[id] = ch
	lb.listenerMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			lb.listenerMu.Lock()
			delete(lb.listeners, id)
			lb.listenerMu.Unlock()
			close(ch)
		})
	}
}

// TeeHandler wraps an slog.Handler and copies every record to a LogBuffer,
// including attributes bound with WithAttrs.
type TeeHandler struct {
	inner  slog.Handler
	buf    *LogBuffer
	prefix string // group path, "a.b."
	bound  string // pre-rendered WithAttrs attributes
}

var _ slog.Handler = (*TeeHandler)(nil)

// NewTeeHandler creates a handler that tees records to both inner and buf.
func NewTeeHandler(inner slog.Handler, buf *LogBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, buf: buf}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.prefix, a)
		return true
	})
	h.buf.Add(LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   strings.TrimSpace(b.String()),
	})
	return h.inner.Handle(ctx, r)
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.bound)
	for _, a := range attrs {
		writeAttr(&b, h.prefix, a)
	}
	return &TeeHandler{inner: h.inner.WithAttrs(attrs), buf: h.buf, prefix: h.prefix, bound: b.String()}
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TeeHandler{inner: h.inner.WithGroup(name), buf: h.buf, prefix: h.prefix + name + ".", bound: h.bound}
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(b, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	fmt.Fprintf(b, "%s%s=%v ", prefix, a.Key, a.Value.Any())
}
