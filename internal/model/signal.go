package model

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a crossover signal.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// DeliveryState is the per-channel notification state of a signal.
type DeliveryState string

const (
	DeliveryPending    DeliveryState = "PENDING"
	DeliveryDelivered  DeliveryState = "DELIVERED"
	DeliveryFailed     DeliveryState = "FAILED"
	DeliverySuppressed DeliveryState = "SUPPRESSED"
)

// Terminal reports whether no further transition is allowed.
func (s DeliveryState) Terminal() bool {
	return s != DeliveryPending
}

// Delivery reasons recorded in LastError for non-error terminal states.
const (
	ReasonQueueOverflow = "queue_overflow"
	ReasonCircuitOpen   = "circuit_open"
	ReasonDedup         = "dedup"
	ReasonMaxAttempts   = "max_attempts_exhausted"
)

// Delivery tracks one channel's notification attempts for a signal.
type Delivery struct {
	ChannelID     string        `json:"channel_id"`
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt time.Time     `json:"last_attempt_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// Signal is an emitted crossover event. Immutable once written, except for
// the delivery fields which only the notification fan-out mutates.
type Signal struct {
	ID              string          `json:"id"`
	Instrument      string          `json:"instrument"`
	Timeframe       Timeframe       `json:"timeframe"`
	Direction       Direction       `json:"direction"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	StopLoss        decimal.Decimal `json:"stop_loss"`
	TakeProfit      decimal.Decimal `json:"take_profit"`
	ATR             decimal.Decimal `json:"atr"`
	FastMA          decimal.Decimal `json:"fast_ma"`
	SlowMA          decimal.Decimal `json:"slow_ma"`
	RiskReward      decimal.Decimal `json:"risk_reward_ratio"`
	SourceOpenTime  time.Time       `json:"source_candle_open_time"`
	EmittedAt       time.Time       `json:"emitted_at"`
	ValidationScore decimal.Decimal `json:"validation_score"`
	Deliveries      []Delivery      `json:"deliveries"`
}

// Fingerprint returns the unique crossover identity of the signal.
func (s *Signal) Fingerprint() Fingerprint {
	return Fingerprint{
		Instrument:     s.Instrument,
		Timeframe:      s.Timeframe,
		Direction:      s.Direction,
		SourceOpenTime: s.SourceOpenTime,
	}
}

// Delivery returns the delivery record for a channel, if present.
func (s *Signal) Delivery(channelID string) (Delivery, bool) {
	for _, d := range s.Deliveries {
		if d.ChannelID == channelID {
			return d, true
		}
	}
	return Delivery{}, false
}

// JSON returns the JSON-encoded signal.
func (s *Signal) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// Fingerprint identifies a unique crossover event:
// (instrument, timeframe, direction, source candle open time).
type Fingerprint struct {
	Instrument     string    `json:"instrument"`
	Timeframe      Timeframe `json:"timeframe"`
	Direction      Direction `json:"direction"`
	SourceOpenTime time.Time `json:"source_open_time"`
}

// String returns the canonical form "EUR_USD:H1:BUY:1700000000".
func (f Fingerprint) String() string {
	if f.Instrument == "" {
		return ""
	}
	return f.Instrument + ":" + string(f.Timeframe) + ":" + string(f.Direction) + ":" + strconv.FormatInt(f.SourceOpenTime.Unix(), 10)
}

// Equal compares fingerprints by instant rather than time.Time representation.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Instrument == o.Instrument && f.Timeframe == o.Timeframe &&
		f.Direction == o.Direction && f.SourceOpenTime.Equal(o.SourceOpenTime)
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f.Instrument == ""
}
