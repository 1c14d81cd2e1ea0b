package ticker

import (
	"sort"
	"sync"
)

type entry struct {
	sub       Subscription
	listeners map[string]Listener
}

// Registry maps instrument ids to their subscription and listeners. A single
// mutex guards every read and write; it is never held across network I/O.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]*entry)}
}

// Add registers listener id for sub. changed reports whether the upstream
// needs a subscribe frame: the instrument is new, or its exchange/segment
// changed. In the latter case prev is the replaced subscription, which the
// upstream must drop; otherwise prev is the zero Subscription.
func (r *Registry) Add(sub Subscription, id string, l Listener) (prev Subscription, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sub.InstrumentID]
	if !ok {
		r.entries[sub.InstrumentID] = &entry{
			sub:       sub,
			listeners: map[string]Listener{id: l},
		}
		return Subscription{}, true
	}
	e.listeners[id] = l
	if e.sub != sub {
		prev, e.sub = e.sub, sub
		return prev, true
	}
	return Subscription{}, false
}

// Remove drops listener id from instrumentID. last is true when that was the
// final listener and the entry is gone; sub is the removed subscription.
// Unknown ids are ignored.
func (r *Registry) Remove(instrumentID int64, id string) (sub Subscription, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[instrumentID]
	if !ok {
		return Subscription{}, false
	}
	if _, ok := e.listeners[id]; !ok {
		return Subscription{}, false
	}
	delete(e.listeners, id)
	if len(e.listeners) > 0 {
		return e.sub, false
	}
	delete(r.entries, instrumentID)
	return e.sub, true
}

// ListenersFor returns a copy of the listeners for instrumentID.
func (r *Registry) ListenersFor(instrumentID int64) map[string]Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[instrumentID]
	if !ok {
		return nil
	}
	out := make(map[string]Listener, len(e.listeners))
	for id, l := range e.listeners {
		out[id] = l
	}
	return out
}

// Snapshot returns every subscription, ordered by instrument id.
func (r *Registry) Snapshot() []Subscription {
	r.mu.Lock()
	out := make([]Subscription, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.sub)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

func sortInfo(in []SubscriptionInfo) {
	sort.Slice(in, func(i, j int) bool { return in[i].InstrumentID < in[j].InstrumentID })
}

// Len returns the number of subscribed instruments.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
