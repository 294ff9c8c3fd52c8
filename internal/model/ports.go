package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the engine from concrete storage implementations
// (SQLite, PostgreSQL). Each implementation satisfies one or more of them.

// CandleReader is the read side of the Candle Store. Implementations return
// complete candles only, ordered by OpenTime ascending.
type CandleReader interface {
	// FetchAfter returns up to limit complete candles with OpenTime > after.
	FetchAfter(ctx context.Context, instrument string, tf Timeframe, after time.Time, limit int) ([]Candle, error)

	// FetchLatest returns the n most recent complete candles, oldest first.
	FetchLatest(ctx context.Context, instrument string, tf Timeframe, n int) ([]Candle, error)
}

// CandleWriter loads candles into the Candle Store (import tooling, tests).
type CandleWriter interface {
	Upsert(ctx context.Context, candles []Candle) error
}

// DeliveryUpdate is a monotonic delivery-state transition.
type DeliveryUpdate struct {
	State     DeliveryState
	Attempts  int
	AttemptAt time.Time
	Error     string
}

// SignalRepository is the durable system of record for emitted signals.
type SignalRepository interface {
	// Insert writes the signal and its PENDING deliveries atomically.
	// Returns an error wrapping store.ErrDuplicate on unique violation.
	Insert(ctx context.Context, sig *Signal) error

	// GetByFingerprint returns the signal for a crossover event, or nil.
	GetByFingerprint(ctx context.Context, fp Fingerprint) (*Signal, error)

	// ListRecent returns the latest signals, newest first. Empty instrument lists all.
	ListRecent(ctx context.Context, instrument string, limit int) ([]Signal, error)

	// LatestForSeries returns the newest signal for an instrument/timeframe, or nil.
	LatestForSeries(ctx context.Context, instrument string, tf Timeframe) (*Signal, error)

	// UpdateDelivery applies a transition. Only PENDING rows change; updates
	// against terminal rows return false without error.
	UpdateDelivery(ctx context.Context, signalID, channelID string, u DeliveryUpdate) (bool, error)

	// ListPending returns signals with at least one PENDING delivery, oldest first.
	ListPending(ctx context.Context, limit int) ([]Signal, error)
}
