package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/marketmind/marketmind-gateway/broker/ticker"
)

// Client and server event names.
const (
	EventSubscribe   = "subscribe_stock"
	EventUnsubscribe = "unsubscribe_stock"

	EventConnected    = "connected"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventStockUpdate  = "stock_update"
	EventError        = "error"
)

// Envelope is one inbound client frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type scripReply struct {
	ScripCode int64 `json:"scrip_code"`
}

type errorReply struct {
	Message string `json:"message"`
}

// StockRequest is the payload of subscribe_stock and unsubscribe_stock.
// Either ScripCode or Symbol identifies the instrument.
type StockRequest struct {
	ScripCode    json.Number `json:"scrip_code,omitempty"`
	Symbol       string      `json:"symbol,omitempty"`
	Exchange     string      `json:"exchange,omitempty"`
	ExchangeType string      `json:"exchange_type,omitempty"`
}

var errNoInstrument = errors.New("scrip_code or symbol is required")

// subscription resolves the request to a feed subscription. Exchange
// defaults to NSE and exchange type to cash.
func (r StockRequest) subscription(resolve Resolver) (ticker.Subscription, error) {
	exch, err := ticker.ParseExchange(defaultString(r.Exchange, "N"))
	if err != nil {
		return ticker.Subscription{}, err
	}
	seg, err := ticker.ParseSegment(defaultString(r.ExchangeType, "C"))
	if err != nil {
		return ticker.Subscription{}, err
	}
	id, err := r.instrumentID(resolve, exch)
	if err != nil {
		return ticker.Subscription{}, err
	}
	return ticker.Subscription{InstrumentID: id, Exchange: exch, Segment: seg}, nil
}

func (r StockRequest) instrumentID(resolve Resolver, exch ticker.Exchange) (int64, error) {
	if r.ScripCode != "" {
		id, err := r.ScripCode.Int64()
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("invalid scrip_code %q", r.ScripCode)
		}
		return id, nil
	}
	sym := strings.TrimSpace(r.Symbol)
	if sym == "" {
		return 0, errNoInstrument
	}
	if resolve == nil {
		return 0, fmt.Errorf("symbol lookup unavailable for %q", sym)
	}
	inst, ok := resolve.Lookup(sym, string(exch))
	if !ok {
		return 0, fmt.Errorf("unknown symbol %q", sym)
	}
	return inst.ScripCode, nil
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
