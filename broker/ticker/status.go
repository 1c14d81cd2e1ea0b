package ticker

import "time"

// Status is a point-in-time view of the feed for the ops surface.
type Status struct {
	Running       bool               `json:"running"`
	State         string             `json:"state"`
	StartedAt     time.Time          `json:"started_at,omitzero"`
	ConnectedAt   time.Time          `json:"connected_at,omitzero"`
	Uptime        string             `json:"uptime,omitempty"`
	Reconnects    int64              `json:"reconnects"`
	Malformed     int64              `json:"malformed_messages"`
	Delivered     int64              `json:"delivered_ticks"`
	Failed        int64              `json:"failed_deliveries"`
	LastError     string             `json:"last_error,omitempty"`
	Listeners     int                `json:"listeners"`
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
}

// SubscriptionInfo represents a subscribed instrument.
type SubscriptionInfo struct {
	InstrumentID int64  `json:"instrument_id"`
	Exchange     string `json:"exchange"`
	Segment      string `json:"segment"`
	Listeners    int    `json:"listeners"`
}

// Info lists every subscribed instrument with its listener count.
func (r *Registry) Info() []SubscriptionInfo {
	r.mu.Lock()
	out := make([]SubscriptionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, SubscriptionInfo{
			InstrumentID: e.sub.InstrumentID,
			Exchange:     string(e.sub.Exchange),
			Segment:      string(e.sub.Segment),
			Listeners:    len(e.listeners),
		})
	}
	r.mu.Unlock()
	sortInfo(out)
	return out
}

// Status returns the current state of the feed connection.
func (s *Service) Status() Status {
	s.mu.RLock()
	st := Status{
		Running:     s.cancel != nil,
		State:       s.State().String(),
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	if s.State() == StateConnected && !st.ConnectedAt.IsZero() {
		st.Uptime = time.Since(st.ConnectedAt).Round(time.Second).String()
	}
	st.Reconnects = s.reconnects.Load()
	st.Malformed = s.malformed.Load()
	st.Delivered, st.Failed = s.fanout.Counters()
	st.Subscriptions = s.registry.Info()
	for _, si := range st.Subscriptions {
		st.Listeners += si.Listeners
	}
	return st
}
