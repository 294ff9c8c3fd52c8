// Package strategy turns indicator state into validated signal candidates.
//
// Everything here is pure: no I/O, no clock. The engine supplies the emitted
// time and the signal id, persists the result and handles deduplication.
package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tadams95/4ex.ninja-sub000/internal/indicator"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

// Params are the risk parameters of the MA crossover strategy.
type Params struct {
	SLMultiplier decimal.Decimal `json:"sl_atr_multiplier" yaml:"sl_atr_multiplier"`
	TPMultiplier decimal.Decimal `json:"tp_atr_multiplier" yaml:"tp_atr_multiplier"`
	MinATR       decimal.Decimal `json:"min_atr_value" yaml:"min_atr_value"`
	MinRR        decimal.Decimal `json:"min_rr_ratio" yaml:"min_rr_ratio"`
}

// Validate checks multipliers and thresholds are usable.
func (p Params) Validate() error {
	if !p.SLMultiplier.IsPositive() || !p.TPMultiplier.IsPositive() {
		return fmt.Errorf("atr multipliers must be positive (sl=%s tp=%s)", p.SLMultiplier, p.TPMultiplier)
	}
	if p.MinATR.IsNegative() || p.MinRR.IsNegative() {
		return fmt.Errorf("min_atr_value and min_rr_ratio must not be negative")
	}
	return nil
}

// Rejection reasons.
const (
	ReasonATRBelowMin      = "atr_below_min"
	ReasonRRBelowMin       = "rr_below_min"
	ReasonNonPositivePrice = "non_positive_price"
	ReasonZeroRisk         = "zero_risk"
)

// ErrRejected is wrapped by every validation rejection.
var ErrRejected = errors.New("candidate rejected")

// RejectionError carries the rejection reason of a candidate.
type RejectionError struct {
	Reason    string
	Candidate *model.Signal
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s %s at %s: %s", e.Candidate.Instrument, e.Candidate.Direction,
		e.Candidate.SourceOpenTime.UTC().Format("2006-01-02T15:04:05Z"), e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrRejected }

// Crossover reports the direction of a moving-average cross between the
// previous and current candle. Touching (equal MAs) on the previous candle
// counts as the "before" side.
func Crossover(prevFast, prevSlow, fast, slow decimal.Decimal) (model.Direction, bool) {
	switch {
	case prevFast.LessThanOrEqual(prevSlow) && fast.GreaterThan(slow):
		return model.Buy, true
	case prevFast.GreaterThanOrEqual(prevSlow) && fast.LessThan(slow):
		return model.Sell, true
	}
	return "", false
}

// Candidate builds an unvalidated signal for a crossover on c.
func Candidate(dir model.Direction, c model.Candle, v indicator.Values, p Params) *model.Signal {
	entry := c.Close
	slDist := p.SLMultiplier.Mul(v.ATR)
	tpDist := p.TPMultiplier.Mul(v.ATR)

	sig := &model.Signal{
		Instrument:     c.Instrument,
		Timeframe:      c.Timeframe,
		Direction:      dir,
		EntryPrice:     entry,
		ATR:            v.ATR,
		FastMA:         v.FastMA,
		SlowMA:         v.SlowMA,
		SourceOpenTime: c.OpenTime,
	}
	if dir == model.Buy {
		sig.StopLoss = entry.Sub(slDist)
		sig.TakeProfit = entry.Add(tpDist)
	} else {
		sig.StopLoss = entry.Add(slDist)
		sig.TakeProfit = entry.Sub(tpDist)
	}

	risk := entry.Sub(sig.StopLoss).Abs()
	if risk.IsPositive() {
		sig.RiskReward = sig.TakeProfit.Sub(entry).Abs().DivRound(risk, indicator.Scale)
	}
	sig.ValidationScore = Score(sig.RiskReward, p.MinRR)
	return sig
}

// Score is min(1, rr / (2*minRR)) rounded to 4 places. A zero minimum
// scores every candidate 1.
func Score(rr, minRR decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if !minRR.IsPositive() {
		return one
	}
	s := rr.DivRound(minRR.Mul(decimal.NewFromInt(2)), 4)
	if s.GreaterThan(one) {
		return one
	}
	return s
}

// Validate returns a *RejectionError when the candidate breaks a threshold.
func Validate(sig *model.Signal, p Params) error {
	reject := func(reason string) error {
		return &RejectionError{Reason: reason, Candidate: sig}
	}
	if sig.ATR.LessThan(p.MinATR) || !sig.ATR.IsPositive() {
		return reject(ReasonATRBelowMin)
	}
	for _, px := range []decimal.Decimal{sig.EntryPrice, sig.StopLoss, sig.TakeProfit} {
		if !px.IsPositive() {
			return reject(ReasonNonPositivePrice)
		}
	}
	if sig.EntryPrice.Sub(sig.StopLoss).IsZero() {
		return reject(ReasonZeroRisk)
	}
	if sig.RiskReward.LessThan(p.MinRR) {
		return reject(ReasonRRBelowMin)
	}
	return nil
}

// Producer turns the state after a candle into a signal candidate.
// It returns (nil, nil) when the candle produces nothing.
type Producer interface {
	Produce(s *indicator.State, c model.Candle) (*model.Signal, error)
}

// MACrossover is the moving-average crossover producer.
type MACrossover struct {
	Params Params
}

// Produce evaluates the crossover for c, which must already be applied to s.
// The first candle after warm-up never signals because no previous MAs exist.
func (m MACrossover) Produce(s *indicator.State, c model.Candle) (*model.Signal, error) {
	if !s.HasPrev || !s.MAReady() {
		return nil, nil
	}
	v := s.Values()
	dir, ok := Crossover(s.PrevFast, s.PrevSlow, v.FastMA, v.SlowMA)
	if !ok {
		return nil, nil
	}
	sig := Candidate(dir, c, v, m.Params)
	if err := Validate(sig, m.Params); err != nil {
		return nil, err
	}
	return sig, nil
}
