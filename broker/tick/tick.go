// Package tick turns raw 5paisa feed payloads into canonical price ticks.
//
// Field extraction is driven by a FieldTable of candidate key names per
// canonical field so that feed-version differences stay out of the code.
package tick

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one normalized price/volume update for one instrument.
type Tick struct {
	InstrumentID  int64     `json:"instrument_id"`
	LastPrice     float64   `json:"last_price"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Volume        int64     `json:"volume"`
	PrevClose     float64   `json:"prev_close"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Timestamp     time.Time `json:"timestamp"`
}

var hundred = decimal.NewFromInt(100)

// change returns last-prev and the percentage move against prev, both
// rounded to two places. A zero prev yields a zero percentage.
func change(last, prev decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	diff := last.Sub(prev)
	if prev.IsZero() {
		return diff.Round(2), decimal.Zero
	}
	return diff.Round(2), diff.Div(prev).Mul(hundred).Round(2)
}
