package model

import "strconv"

// Key identifies one strategy stream: an instrument/timeframe pair and the
// moving-average periods applied to it. It is the Indicator Cache key.
type Key struct {
	Instrument string    `json:"instrument"`
	Timeframe  Timeframe `json:"timeframe"`
	Fast       int       `json:"fast"`
	Slow       int       `json:"slow"`
}

// String returns "instrument:timeframe:fast:slow", e.g. "EUR_USD:H1:10:20".
func (k Key) String() string {
	return k.Instrument + ":" + string(k.Timeframe) + ":" + strconv.Itoa(k.Fast) + ":" + strconv.Itoa(k.Slow)
}

// Series returns "instrument:timeframe", the candle series this key reads.
func (k Key) Series() string {
	return k.Instrument + ":" + string(k.Timeframe)
}
