// Package indicator provides incremental technical indicators over exact
// decimal candle data.
//
// Indicators share one sliding window of candles (ringbuf.Ring). Each update
// is O(1): the running sum gains the new value and loses the value leaving
// the window. Results are rounded to Scale fractional digits, so an
// incremental value and a from-scratch batch value are bit-for-bit equal.
package indicator

import (
	"github.com/shopspring/decimal"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	"github.com/tadams95/4ex.ninja-sub000/internal/ringbuf"
)

// Scale is the number of fractional digits kept for indicator values.
const Scale int32 = 10

// Indicator is the interface for all window-based indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA_20", "ATR_14").
	Name() string

	// Update folds c into the indicator. w is the window BEFORE c is pushed.
	Update(w *ringbuf.Ring, c model.Candle)

	// Value returns the current value. Zero until Ready.
	Value() decimal.Decimal

	// Ready returns true when enough candles have been accumulated.
	Ready() bool

	// Recompute rebuilds the running sum from w (AFTER the latest push) and
	// reports whether it differed from the incrementally maintained one.
	Recompute(w *ringbuf.Ring) (drifted bool)
}

func divide(sum decimal.Decimal, n int) decimal.Decimal {
	return sum.DivRound(decimal.NewFromInt(int64(n)), Scale)
}
