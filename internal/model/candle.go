package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents a closed OHLCV bar for one instrument and timeframe.
// Prices are exact decimals; float64 never touches a price.
type Candle struct {
	Instrument string          `json:"instrument"` // e.g. "EUR_USD"
	Timeframe  Timeframe       `json:"timeframe"`
	OpenTime   time.Time       `json:"open_time"` // bucket start (UTC, timeframe-aligned)
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     int64           `json:"volume"`
	Complete   bool            `json:"complete"` // false while the bucket is still forming
}

// Key returns "instrument:timeframe".
func (c *Candle) Key() string {
	return c.Instrument + ":" + string(c.Timeframe)
}

// Valid reports whether the candle has a coherent OHLC shape.
func (c *Candle) Valid() bool {
	if !c.Low.IsPositive() {
		return false
	}
	if c.High.LessThan(c.Low) {
		return false
	}
	for _, p := range []decimal.Decimal{c.Open, c.Close} {
		if p.LessThan(c.Low) || p.GreaterThan(c.High) {
			return false
		}
	}
	return true
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
