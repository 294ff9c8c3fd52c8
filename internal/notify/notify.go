// Package notify delivers stored signals to external channels (log,
// webhooks, Telegram, e-mail, Kafka, Redis pub/sub, WebSocket clients).
//
// Each channel has its own bounded queue, worker, token bucket and circuit
// breaker, so a slow or failing channel never holds up the others or the
// strategy core. Delivery outcomes are written back to the signal
// repository as delivery-state transitions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

// ErrQueueFull is recorded when a channel queue has no room for a signal.
var ErrQueueFull = errors.New("notification queue full")

// Payload is the channel-agnostic notification content.
type Payload struct {
	SignalID    string        `json:"signal_id"`
	Fingerprint string        `json:"fingerprint"`
	Title       string        `json:"title"`
	Text        string        `json:"text"`
	Signal      *model.Signal `json:"signal"`
}

// NewPayload renders sig.
func NewPayload(sig *model.Signal) Payload {
	var b strings.Builder
	fmt.Fprintf(&b, "Entry: %s\n", sig.EntryPrice.String())
	fmt.Fprintf(&b, "Stop loss: %s\n", sig.StopLoss.String())
	fmt.Fprintf(&b, "Take profit: %s\n", sig.TakeProfit.String())
	fmt.Fprintf(&b, "R:R %s  ATR %s\n", sig.RiskReward.String(), sig.ATR.String())
	fmt.Fprintf(&b, "Candle: %s", sig.SourceOpenTime.UTC().Format("2006-01-02 15:04 MST"))

	return Payload{
		SignalID:    sig.ID,
		Fingerprint: sig.Fingerprint().String(),
		Title:       fmt.Sprintf("%s %s %s", sig.Direction, sig.Instrument, sig.Timeframe),
		Text:        b.String(),
		Signal:      sig,
	}
}

// Sender is one concrete notification channel.
type Sender interface {
	// ID returns the channel id the sender was configured with.
	ID() string
	// Send delivers the payload. Errors are retryable unless wrapped
	// with Permanent.
	Send(ctx context.Context, p Payload) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (bad request, auth failure).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// httpStatusError classifies a non-2xx HTTP response: 429 and 5xx are
// retryable, other statuses are permanent.
func httpStatusError(channel string, status int) error {
	err := fmt.Errorf("%s: unexpected status %d", channel, status)
	if status == 429 || status >= 500 {
		return err
	}
	return Permanent(err)
}
