package ticker

import (
	"errors"
	"fmt"
	"strings"
)

// State is the lifecycle state of the upstream feed connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Exchange is the 5paisa exchange code.
type Exchange string

const (
	NSE Exchange = "N"
	BSE Exchange = "B"
)

// ParseExchange accepts the wire code or the exchange name.
func ParseExchange(s string) (Exchange, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "N", "NSE":
		return NSE, nil
	case "B", "BSE":
		return BSE, nil
	}
	return "", fmt.Errorf("unknown exchange %q", s)
}

// Segment is the 5paisa exchange type.
type Segment string

const (
	Cash       Segment = "C"
	Derivative Segment = "D"
)

// ParseSegment accepts the wire code or the segment name.
func ParseSegment(s string) (Segment, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CASH":
		return Cash, nil
	case "D", "DERIVATIVE":
		return Derivative, nil
	}
	return "", fmt.Errorf("unknown segment %q", s)
}

// Subscription identifies one instrument on one exchange segment.
type Subscription struct {
	InstrumentID int64    `json:"instrument_id"`
	Exchange     Exchange `json:"exchange"`
	Segment      Segment  `json:"segment"`
}

// Handle is returned by Subscribe and identifies one listener registration.
type Handle struct {
	ID           string `json:"id"`
	InstrumentID int64  `json:"instrument_id"`
}

// Credentials authenticate the upstream feed.
type Credentials struct {
	AccessToken string
	ClientCode  string
}

// CredentialSource yields the current feed credentials, if any.
type CredentialSource interface {
	Credentials() (Credentials, bool)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func() (Credentials, bool)

func (f CredentialFunc) Credentials() (Credentials, bool) { return f() }

// FeedScrip is one entry of an upstream subscribe/unsubscribe frame.
type FeedScrip struct {
	Exch      string `json:"Exch"`
	ExchType  string `json:"ExchType"`
	ScripCode int64  `json:"ScripCode"`
}

// FeedRequest is the upstream control frame.
type FeedRequest struct {
	Method         string      `json:"Method"`
	Operation      string      `json:"Operation"`
	ClientCode     string      `json:"ClientCode"`
	MarketFeedData []FeedScrip `json:"MarketFeedData"`
}

const (
	feedMethod  = "MarketFeedV3"
	opSubscribe = "Subscribe"
	opUnsub     = "Unsubscribe"
)

func newFeedRequest(op, clientCode string, subs []Subscription) FeedRequest {
	req := FeedRequest{
		Method:         feedMethod,
		Operation:      op,
		ClientCode:     clientCode,
		MarketFeedData: make([]FeedScrip, 0, len(subs)),
	}
	for _, s := range subs {
		req.MarketFeedData = append(req.MarketFeedData, FeedScrip{
			Exch:      string(s.Exchange),
			ExchType:  string(s.Segment),
			ScripCode: s.InstrumentID,
		})
	}
	return req
}

var (
	// ErrNotConnected is returned when a frame is sent without a live connection.
	ErrNotConnected = errors.New("feed not connected")

	// ErrStaleConnection is reported when pongs stop arriving.
	ErrStaleConnection = errors.New("feed connection stale")

	// ErrNoCredentials means the credential source had nothing to offer.
	ErrNoCredentials = errors.New("no feed credentials")

	// ErrCredentialsRejected means the upstream refused the handshake.
	ErrCredentialsRejected = errors.New("feed credentials rejected")

	// ErrAlreadyClosed is returned when reusing a closed client.
	ErrAlreadyClosed = errors.New("client already closed")
)
