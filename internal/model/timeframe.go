package model

import (
	"fmt"
	"time"
)

// Timeframe is a candle granularity in forex naming (M1, H1, D...).
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	M30 Timeframe = "M30"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
	D   Timeframe = "D"
)

var timeframeDurations = map[Timeframe]time.Duration{
	M1:  time.Minute,
	M5:  5 * time.Minute,
	M15: 15 * time.Minute,
	M30: 30 * time.Minute,
	H1:  time.Hour,
	H4:  4 * time.Hour,
	D:   24 * time.Hour,
}

// Duration returns the candle period. Unknown timeframes return 0.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Validate returns an error for unsupported timeframes.
func (tf Timeframe) Validate() error {
	if _, ok := timeframeDurations[tf]; !ok {
		return fmt.Errorf("unsupported timeframe %q", string(tf))
	}
	return nil
}

// Truncate returns the open time of the bucket containing t.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	d := tf.Duration()
	if d == 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(d)
}

// NextClose returns the first bucket boundary strictly after t.
func (tf Timeframe) NextClose(t time.Time) time.Time {
	return tf.Truncate(t).Add(tf.Duration())
}
