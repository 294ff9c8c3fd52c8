package indicator

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	"github.com/tadams95/4ex.ninja-sub000/internal/ringbuf"
)

// SMA is a simple moving average of closes: sum/n with the sum maintained
// incrementally (add the new close, subtract the close leaving the window).
// The window must hold at least Period candles.
type SMA struct {
	Period  int             `json:"period"`
	Count   int             `json:"count"` // closes folded in, capped at Period
	Sum     decimal.Decimal `json:"sum"`
	Current decimal.Decimal `json:"current"`
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	return &SMA{Period: period}
}

func (s *SMA) Name() string { return "SMA_" + strconv.Itoa(s.Period) }

func (s *SMA) Update(w *ringbuf.Ring, c model.Candle) {
	if s.Count >= s.Period {
		// Subtract the close being dropped from the average
		s.Sum = s.Sum.Sub(w.FromEnd(s.Period - 1).Close)
	} else {
		s.Count++
	}
	s.Sum = s.Sum.Add(c.Close)

	if s.Count >= s.Period {
		s.Current = divide(s.Sum, s.Period)
	}
}

func (s *SMA) Value() decimal.Decimal { return s.Current }
func (s *SMA) Ready() bool            { return s.Count >= s.Period }

func (s *SMA) Recompute(w *ringbuf.Ring) bool {
	if !s.Ready() || w.Len() < s.Period {
		return false
	}
	sum := decimal.Zero
	for i := 0; i < s.Period; i++ {
		sum = sum.Add(w.FromEnd(i).Close)
	}
	drifted := !sum.Equal(s.Sum)
	s.Sum = sum
	s.Current = divide(sum, s.Period)
	return drifted
}

// Reset clears the SMA state for reuse.
func (s *SMA) Reset() {
	s.Count = 0
	s.Sum = decimal.Zero
	s.Current = decimal.Zero
}
