package ticker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marketmind/marketmind-gateway/broker/tick"
)

func TestFanout_FailingListenerIsolated(t *testing.T) {
	r := NewRegistry()
	f := NewFanout(r, testLogger())

	good := NewChanListener(1)
	r.Add(Subscription{InstrumentID: 3}, "bad", ListenerFunc(func(tick.Tick) error {
		return errors.New("session closed")
	}))
	r.Add(Subscription{InstrumentID: 3}, "panics", ListenerFunc(func(tick.Tick) error {
		panic("boom")
	}))
	r.Add(Subscription{InstrumentID: 3}, "good", good)

	assert.NotPanics(t, func() { f.Publish(tick.Tick{InstrumentID: 3, LastPrice: 1}) })

	select {
	case tk := <-good:
		assert.Equal(t, 1.0, tk.LastPrice)
	default:
		t.Fatal("healthy listener did not receive the tick")
	}
	delivered, failed := f.Counters()
	assert.Equal(t, int64(1), delivered)
	assert.Equal(t, int64(2), failed)
}

func TestFanout_OnlyMatchingInstrument(t *testing.T) {
	r := NewRegistry()
	f := NewFanout(r, testLogger())
	a, b := NewChanListener(1), NewChanListener(1)
	r.Add(Subscription{InstrumentID: 1}, "a", a)
	r.Add(Subscription{InstrumentID: 2}, "b", b)

	f.Publish(tick.Tick{InstrumentID: 2})
	f.Publish(tick.Tick{InstrumentID: 99})

	assert.Len(t, a, 0)
	assert.Len(t, b, 1)
}

func TestChanListener_FullBuffer(t *testing.T) {
	l := NewChanListener(1)
	assert.NoError(t, l.Accept(tick.Tick{}))
	assert.ErrorIs(t, l.Accept(tick.Tick{}), ErrListenerFull)
}
