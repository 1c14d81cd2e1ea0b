package tick

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// toDecimal accepts JSON numbers and numeric strings. Anything else,
// including empty strings and booleans, is not a number.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	return decimal.Zero, false
}

// firstDecimal returns the value of the first candidate key that is present,
// non-null and numeric.
func firstDecimal(obj map[string]any, keys []string) (decimal.Decimal, bool) {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		if d, ok := toDecimal(v); ok {
			return d, true
		}
	}
	return decimal.Zero, false
}

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// toInt64 returns the integer part of d, or false when it does not fit.
func toInt64(d decimal.Decimal) (int64, bool) {
	if d.LessThan(minInt64) || d.GreaterThan(maxInt64) {
		return 0, false
	}
	return d.IntPart(), true
}

// clampVolume truncates d into [0, MaxInt64].
func clampVolume(d decimal.Decimal) int64 {
	switch {
	case d.Sign() <= 0:
		return 0
	case d.GreaterThan(maxInt64):
		return math.MaxInt64
	}
	return d.IntPart()
}

// epochMillisCutoff separates second-resolution epochs from millisecond ones.
const epochMillisCutoff = 100_000_000_000

func fromEpoch(d decimal.Decimal) time.Time {
	n := d.IntPart()
	if n >= epochMillisCutoff {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// toTime understands epoch numbers, the "/Date(ms)/" form used by 5paisa and
// RFC 3339 strings.
func toTime(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "/Date(") {
			body := strings.TrimSuffix(strings.TrimPrefix(s, "/Date("), ")/")
			end := 0
			for end < len(body) && body[end] >= '0' && body[end] <= '9' {
				end++
			}
			ms, err := strconv.ParseInt(body[:end], 10, 64)
			if err != nil {
				return time.Time{}, false
			}
			return time.UnixMilli(ms).UTC(), true
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
	}
	d, ok := toDecimal(v)
	if !ok || d.Sign() <= 0 {
		return time.Time{}, false
	}
	return fromEpoch(d), true
}

func firstTime(obj map[string]any, keys []string) (time.Time, bool) {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		if t, ok := toTime(v); ok {
			return t, true
		}
	}
	return time.Time{}, false
}
