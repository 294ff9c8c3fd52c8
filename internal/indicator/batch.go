package indicator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

// Values is a point-in-time set of indicator outputs.
type Values struct {
	FastMA decimal.Decimal
	SlowMA decimal.Decimal
	ATR    decimal.Decimal
}

// BatchSMA computes the SMA of the last n closes from scratch.
func BatchSMA(candles []model.Candle, n int) (decimal.Decimal, error) {
	if n <= 0 || len(candles) < n {
		return decimal.Zero, fmt.Errorf("batch sma: need %d candles, have %d", n, len(candles))
	}
	sum := decimal.Zero
	for _, c := range candles[len(candles)-n:] {
		sum = sum.Add(c.Close)
	}
	return divide(sum, n), nil
}

// BatchATR computes the ATR (SMA of true range) of the last n candles from scratch.
func BatchATR(candles []model.Candle, n int) (decimal.Decimal, error) {
	if n <= 0 || len(candles) < n+1 {
		return decimal.Zero, fmt.Errorf("batch atr: need %d candles, have %d", n+1, len(candles))
	}
	sum := decimal.Zero
	for i := len(candles) - n; i < len(candles); i++ {
		sum = sum.Add(TrueRange(candles[i], candles[i-1]))
	}
	return divide(sum, n), nil
}

// Batch recomputes all values for a parameter set over the suffix of candles.
func Batch(candles []model.Candle, p Params) (Values, error) {
	var v Values
	var err error
	if v.FastMA, err = BatchSMA(candles, p.Fast); err != nil {
		return v, err
	}
	if v.SlowMA, err = BatchSMA(candles, p.Slow); err != nil {
		return v, err
	}
	if v.ATR, err = BatchATR(candles, p.ATR); err != nil {
		return v, err
	}
	return v, nil
}
