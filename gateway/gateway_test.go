package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/marketmind/marketmind-gateway/broker/instruments"
	"github.com/marketmind/marketmind-gateway/broker/tick"
	"github.com/marketmind/marketmind-gateway/broker/ticker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type relaySub struct {
	sub ticker.Subscription
	l   ticker.Listener
}

// fakeRelay records subscriptions and lets tests push ticks to listeners.
type fakeRelay struct {
	mu    sync.Mutex
	next  int
	calls int
	subs  map[string]relaySub
	err   error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{subs: make(map[string]relaySub)}
}

func (f *fakeRelay) Subscribe(sub ticker.Subscription, l ticker.Listener) (ticker.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return ticker.Handle{}, f.err
	}
	f.next++
	h := ticker.Handle{ID: "h" + strconv.Itoa(f.next), InstrumentID: sub.InstrumentID}
	f.subs[h.ID] = relaySub{sub: sub, l: l}
	return h, nil
}

func (f *fakeRelay) Unsubscribe(h ticker.Handle) {
	f.mu.Lock()
	delete(f.subs, h.ID)
	f.mu.Unlock()
}

func (f *fakeRelay) push(t tick.Tick) []error {
	f.mu.Lock()
	var targets []ticker.Listener
	for _, s := range f.subs {
		if s.sub.InstrumentID == t.InstrumentID {
			targets = append(targets, s.l)
		}
	}
	f.mu.Unlock()

	var errs []error
	for _, l := range targets {
		errs = append(errs, l.Accept(t))
	}
	return errs
}

func (f *fakeRelay) active() []ticker.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ticker.Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s.sub)
	}
	return out
}

func (f *fakeRelay) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRelay) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeResolver map[string]instruments.Instrument

func (r fakeResolver) Lookup(symbol, exchange string) (instruments.Instrument, bool) {
	inst, ok := r[symbol]
	if !ok || inst.Exchange != exchange {
		return instruments.Instrument{}, false
	}
	return inst, true
}

func newTestServer(relay *fakeRelay) *Server {
	cfg := DefaultConfig()
	cfg.Relay = relay
	cfg.Logger = testLogger()
	cfg.Resolver = fakeResolver{
		"RELIANCE": {ScripCode: 2885, Name: "RELIANCE", Exchange: "N", ExchType: "C"},
	}
	return NewServer(cfg)
}

var errRelayDown = errors.New("relay down")

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
