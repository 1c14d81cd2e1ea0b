package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marketmind/marketmind-gateway/auth"
	"github.com/marketmind/marketmind-gateway/broker/ticker"
)

// ServeSSE streams stock_update events for one instrument, chosen by the
// scrip_code (or symbol), exchange and exchange_type query parameters.
func (s *Server) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	req := StockRequest{
		ScripCode:    json.Number(q.Get("scrip_code")),
		Symbol:       q.Get("symbol"),
		Exchange:     q.Get("exchange"),
		ExchangeType: q.Get("exchange_type"),
	}
	sub, err := req.subscription(s.cfg.Resolver)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ticks := ticker.NewChanListener(100)
	h, err := s.cfg.Relay.Subscribe(sub, ticks)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.cfg.Relay.Unsubscribe(h)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush() // headers first so EventSource fires onopen

	subject := auth.SubjectFromContext(r.Context())
	s.logger.Info("SSE stream started", "scrip_code", sub.InstrumentID, "subject", subject)

	keepalive := time.NewTicker(s.cfg.SSEKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE stream closed", "scrip_code", sub.InstrumentID, "subject", subject)
			return
		case <-s.done:
			s.logger.Info("SSE stream ended by shutdown", "scrip_code", sub.InstrumentID, "subject", subject)
			return
		case t := <-ticks:
			data, err := json.Marshal(t)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", EventStockUpdate, data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
