// Package store holds the errors shared by the storage implementations.
package store

import "errors"

// ErrDuplicate is returned when a signal with the same fingerprint
// (instrument, timeframe, direction, source candle) already exists.
var ErrDuplicate = errors.New("duplicate signal")
