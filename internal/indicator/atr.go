package indicator

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	"github.com/tadams95/4ex.ninja-sub000/internal/ringbuf"
)

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(c, prev model.Candle) decimal.Decimal {
	tr := c.High.Sub(c.Low)
	if hc := c.High.Sub(prev.Close).Abs(); hc.GreaterThan(tr) {
		tr = hc
	}
	if lc := c.Low.Sub(prev.Close).Abs(); lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// ATR is the Average True Range computed as a simple moving average of the
// last Period true ranges. A true range needs the previous close, so the
// first candle after a reset contributes nothing and the indicator is ready
// after Period+1 candles. The window must hold at least Period+1 candles.
type ATR struct {
	Period  int             `json:"period"`
	Count   int             `json:"count"` // true ranges folded in, capped at Period
	Sum     decimal.Decimal `json:"sum"`
	Current decimal.Decimal `json:"current"`
}

// NewATR creates a new ATR indicator with the given period.
func NewATR(period int) *ATR {
	return &ATR{Period: period}
}

func (a *ATR) Name() string { return "ATR_" + strconv.Itoa(a.Period) }

func (a *ATR) Update(w *ringbuf.Ring, c model.Candle) {
	prev, ok := w.Last()
	if !ok {
		return
	}
	if a.Count >= a.Period {
		// The oldest true range belongs to the candle Period-1 back from
		// the newest, paired with its own predecessor.
		a.Sum = a.Sum.Sub(TrueRange(w.FromEnd(a.Period-1), w.FromEnd(a.Period)))
	} else {
		a.Count++
	}
	a.Sum = a.Sum.Add(TrueRange(c, prev))

	if a.Count >= a.Period {
		a.Current = divide(a.Sum, a.Period)
	}
}

func (a *ATR) Value() decimal.Decimal { return a.Current }
func (a *ATR) Ready() bool            { return a.Count >= a.Period }

func (a *ATR) Recompute(w *ringbuf.Ring) bool {
	if !a.Ready() || w.Len() < a.Period+1 {
		return false
	}
	sum := decimal.Zero
	for i := 0; i < a.Period; i++ {
		sum = sum.Add(TrueRange(w.FromEnd(i), w.FromEnd(i+1)))
	}
	drifted := !sum.Equal(a.Sum)
	a.Sum = sum
	a.Current = divide(sum, a.Period)
	return drifted
}
