package ops

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferRingOverflow(t *testing.T) {
	lb := NewLogBuffer(3)
	assert.Nil(t, lb.Recent(10))

	for i := 0; i < 5; i++ {
		lb.Add(LogEntry{Message: string(rune('a' + i))})
	}
	entries := lb.Recent(10)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Message)
	assert.Equal(t, "e", entries[2].Message)

	last := lb.Recent(2)
	require.Len(t, last, 2)
	assert.Equal(t, "d", last[0].Message)
}

func TestLogBufferSubscribe(t *testing.T) {
	lb := NewLogBuffer(10)
	ch, cancel := lb.Subscribe()

	lb.Add(LogEntry{Message: "hello"})
	select {
	case entry := <-ch:
		assert.Equal(t, "hello", entry.Message)
	case <-time.After(time.Second):
		t.Fatal("listener did not receive entry")
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok, "channel closed after cancel")
	assert.NotPanics(t, func() { lb.Add(LogEntry{Message: "after"}) })
}

func TestTeeHandlerKeepsBoundAttrs(t *testing.T) {
	lb := NewLogBuffer(10)
	logger := slog.New(NewTeeHandler(slog.NewTextHandler(io.Discard, nil), lb))

	logger.With("component", "ticker").WithGroup("feed").Info("Feed connected", "client_code", "C1")

	entries := lb.Recent(1)
	require.Len(t, entries, 1)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "Feed connected", entries[0].Message)
	assert.Equal(t, "component=ticker feed.client_code=C1", entries[0].Attrs)
}

func TestTeeHandlerRespectsLevel(t *testing.T) {
	lb := NewLogBuffer(10)
	inner := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(NewTeeHandler(inner, lb))

	logger.Debug("hidden")
	logger.Warn("shown")
	entries := lb.Recent(10)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0].Message)
}
