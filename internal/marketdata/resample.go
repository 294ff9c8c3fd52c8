package marketdata

import (
	"fmt"
	"time"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

// resampleState holds the forming candle of one (instrument, target TF) pair.
type resampleState struct {
	bucket   time.Time
	candle   model.Candle
	lastOpen time.Time // open time of the last merged source candle
}

// Resampler builds higher-timeframe candles from complete candles of a
// finer timeframe. Every source candle updates the forming bucket of each
// target in O(1); a bucket is finalized when a candle of a later bucket
// arrives. Single goroutine.
type Resampler struct {
	source  model.Timeframe
	targets []model.Timeframe

	// states[targetIdx][instrument]
	states []map[string]*resampleState

	// OnOutOfOrder is called for each source candle rejected because it is
	// not newer than the last one merged for its instrument (optional).
	OnOutOfOrder func(c model.Candle)
}

// NewResampler creates a resampler from source into targets. Every target
// must be a whole multiple of source.
func NewResampler(source model.Timeframe, targets []model.Timeframe) (*Resampler, error) {
	if err := source.Validate(); err != nil {
		return nil, err
	}
	states := make([]map[string]*resampleState, len(targets))
	for i, tf := range targets {
		if err := tf.Validate(); err != nil {
			return nil, err
		}
		if tf.Duration() <= source.Duration() || tf.Duration()%source.Duration() != 0 {
			return nil, fmt.Errorf("cannot resample %s into %s", source, tf)
		}
		states[i] = make(map[string]*resampleState)
	}
	return &Resampler{source: source, targets: targets, states: states}, nil
}

// Add merges one source candle and returns the target candles it
// finalized. Forming source candles are ignored.
func (r *Resampler) Add(c model.Candle) []model.Candle {
	if !c.Complete || c.Timeframe != r.source {
		return nil
	}
	var out []model.Candle
	for i, tf := range r.targets {
		bucket := tf.Truncate(c.OpenTime)
		st, exists := r.states[i][c.Instrument]

		if exists && !c.OpenTime.After(st.lastOpen) {
			if r.OnOutOfOrder != nil {
				r.OnOutOfOrder(c)
			}
			continue
		}

		if exists && bucket.After(st.bucket) {
			out = append(out, st.finalized())
			exists = false
		}

		if !exists {
			r.states[i][c.Instrument] = &resampleState{
				bucket:   bucket,
				lastOpen: c.OpenTime,
				candle: model.Candle{
					Instrument: c.Instrument,
					Timeframe:  tf,
					OpenTime:   bucket,
					Open:       c.Open,
					High:       c.High,
					Low:        c.Low,
					Close:      c.Close,
					Volume:     c.Volume,
				},
			}
			continue
		}

		fc := &st.candle
		if c.High.GreaterThan(fc.High) {
			fc.High = c.High
		}
		if c.Low.LessThan(fc.Low) {
			fc.Low = c.Low
		}
		fc.Close = c.Close
		fc.Volume += c.Volume
		st.lastOpen = c.OpenTime
	}
	return out
}

// Flush returns the forming candle of every bucket and resets the
// resampler. A flushed candle is complete only when its last source candle
// closes at the bucket boundary; otherwise it is returned as forming.
func (r *Resampler) Flush() []model.Candle {
	var out []model.Candle
	for i, tf := range r.targets {
		for inst, st := range r.states[i] {
			c := st.candle
			c.Complete = !st.lastOpen.Add(r.source.Duration()).Before(st.bucket.Add(tf.Duration()))
			out = append(out, c)
			delete(r.states[i], inst)
		}
	}
	return out
}

func (st *resampleState) finalized() model.Candle {
	c := st.candle
	c.Complete = true
	return c
}
