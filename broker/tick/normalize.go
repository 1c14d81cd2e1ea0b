package tick

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed is returned for payloads that are not a JSON object or array.
var ErrMalformed = errors.New("malformed feed message")

// Normalizer maps raw feed objects to Ticks using a FieldTable.
type Normalizer struct {
	fields FieldTable
}

// NewNormalizer creates a Normalizer for the given alias table.
func NewNormalizer(fields FieldTable) (*Normalizer, error) {
	if err := fields.Validate(); err != nil {
		return nil, err
	}
	return &Normalizer{fields: fields}, nil
}

var defaultNormalizer = &Normalizer{fields: DefaultFieldTable()}

// DefaultNormalizer returns the normalizer for the embedded 5paisa table.
func DefaultNormalizer() *Normalizer { return defaultNormalizer }

// Normalize runs the default 5paisa normalizer.
func Normalize(raw []byte, receivedAt time.Time) ([]Tick, error) {
	return defaultNormalizer.Normalize(raw, receivedAt)
}

// Normalize decodes one feed message, which may be a single object or a
// batch, and returns a Tick for every entry that carries both an instrument
// id and a price. Entries missing either are skipped without failing the
// batch. receivedAt stamps ticks that carry no timestamp of their own.
func (n *Normalizer) Normalize(raw []byte, receivedAt time.Time) ([]Tick, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg := v.(type) {
	case map[string]any:
		if t, ok := n.Entry(msg, receivedAt); ok {
			return []Tick{t}, nil
		}
		return nil, nil
	case []any:
		out := make([]Tick, 0, len(msg))
		for _, item := range msg {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := n.Entry(obj, receivedAt); ok {
				out = append(out, t)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %T payload", ErrMalformed, v)
	}
}

// Entry normalizes one decoded feed object.
func (n *Normalizer) Entry(obj map[string]any, receivedAt time.Time) (Tick, bool) {
	d, ok := firstDecimal(obj, n.fields.InstrumentID)
	if !ok || !d.IsInteger() {
		return Tick{}, false
	}
	id, ok := toInt64(d)
	if !ok || id <= 0 {
		return Tick{}, false
	}
	last, ok := firstDecimal(obj, n.fields.LastPrice)
	if !ok {
		return Tick{}, false
	}

	high := orZero(firstDecimal(obj, n.fields.High))
	low := orZero(firstDecimal(obj, n.fields.Low))
	volume := orZero(firstDecimal(obj, n.fields.Volume))
	prev := orZero(firstDecimal(obj, n.fields.PrevClose))

	ts, ok := firstTime(obj, n.fields.Timestamp)
	if !ok {
		ts = receivedAt
	}

	diff, pct := change(last, prev)
	return Tick{
		InstrumentID:  id,
		LastPrice:     last.InexactFloat64(),
		High:          high.InexactFloat64(),
		Low:           low.InexactFloat64(),
		Volume:        clampVolume(volume),
		PrevClose:     prev.InexactFloat64(),
		Change:        diff.InexactFloat64(),
		ChangePercent: pct.InexactFloat64(),
		Timestamp:     ts,
	}, true
}

func orZero(d decimal.Decimal, ok bool) decimal.Decimal {
	if !ok {
		return decimal.Zero
	}
	return d
}
