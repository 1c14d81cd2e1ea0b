package ticker

import (
	"errors"

	"github.com/marketmind/marketmind-gateway/broker/tick"
)

// Listener accepts ticks for one instrument. Accept must not block: a
// listener that cannot keep up should drop or fail rather than stall the feed.
type Listener interface {
	Accept(t tick.Tick) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(t tick.Tick) error

func (f ListenerFunc) Accept(t tick.Tick) error { return f(t) }

// ErrListenerFull is returned by ChanListener when its buffer is full.
var ErrListenerFull = errors.New("listener buffer full")

// ChanListener delivers ticks into a buffered channel.
type ChanListener chan tick.Tick

// NewChanListener creates a ChanListener with the given buffer size.
func NewChanListener(size int) ChanListener {
	return make(ChanListener, size)
}

func (c ChanListener) Accept(t tick.Tick) error {
	select {
	case c <- t:
		return nil
	default:
		return ErrListenerFull
	}
}
