package ticker

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/marketmind/marketmind-gateway/broker/tick"
)

// Fanout delivers ticks to the registry's listeners.
type Fanout struct {
	registry *Registry
	logger   *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewFanout creates a Fanout over r.
func NewFanout(r *Registry, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{registry: r, logger: logger}
}

// Publish hands t to every listener of its instrument. Listener errors and
// panics are logged and counted; they never reach the caller.
func (f *Fanout) Publish(t tick.Tick) {
	for id, l := range f.registry.ListenersFor(t.InstrumentID) {
		if err := deliver(l, t); err != nil {
			f.failed.Add(1)
			f.logger.Debug("Tick delivery failed", "listener_id", id, "instrument_id", t.InstrumentID, "error", err)
			continue
		}
		f.delivered.Add(1)
	}
}

func deliver(l Listener, t tick.Tick) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.Accept(t)
}

// Counters returns the number of successful and failed deliveries.
func (f *Fanout) Counters() (delivered, failed int64) {
	return f.delivered.Load(), f.failed.Load()
}
