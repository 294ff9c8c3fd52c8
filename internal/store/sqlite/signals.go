package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	"github.com/tadams95/4ex.ninja-sub000/internal/store"
)

// SignalRepository is the SQLite Signal Repository.
type SignalRepository struct {
	db *sql.DB
}

// NewSignalRepository wraps an opened database.
func NewSignalRepository(db *sql.DB) *SignalRepository {
	return &SignalRepository{db: db}
}

const signalColumns = `id, instrument, timeframe, direction, entry_price, stop_loss, take_profit,
	atr, fast_ma, slow_ma, risk_reward, validation_score, source_open_time, emitted_at`

// Insert writes the signal and its deliveries in one transaction.
func (r *SignalRepository) Insert(ctx context.Context, sig *model.Signal) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO signals (`+signalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Instrument, string(sig.Timeframe), string(sig.Direction),
		sig.EntryPrice.String(), sig.StopLoss.String(), sig.TakeProfit.String(),
		sig.ATR.String(), sig.FastMA.String(), sig.SlowMA.String(),
		sig.RiskReward.String(), sig.ValidationScore.String(),
		sig.SourceOpenTime.Unix(), sig.EmittedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert signal %s: %w", sig.Fingerprint(), store.ErrDuplicate)
		}
		return fmt.Errorf("sqlite insert signal: %w", err)
	}

	for _, d := range sig.Deliveries {
		_, err = tx.ExecContext(ctx, `INSERT INTO signal_deliveries
			(signal_id, channel_id, state, attempts, last_attempt_at, last_error)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sig.ID, d.ChannelID, string(d.State), d.Attempts, unixMilli(d.LastAttemptAt), d.LastError)
		if err != nil {
			return fmt.Errorf("sqlite insert delivery %s/%s: %w", sig.ID, d.ChannelID, err)
		}
	}
	return tx.Commit()
}

// GetByFingerprint returns the signal for a crossover event, or nil.
func (r *SignalRepository) GetByFingerprint(ctx context.Context, fp model.Fingerprint) (*model.Signal, error) {
	sigs, err := r.query(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE instrument = ? AND timeframe = ? AND direction = ? AND source_open_time = ?`,
		fp.Instrument, string(fp.Timeframe), string(fp.Direction), fp.SourceOpenTime.Unix())
	if err != nil || len(sigs) == 0 {
		return nil, err
	}
	return &sigs[0], nil
}

// ListRecent returns the latest signals by emission time, newest first.
// An empty instrument lists all instruments.
func (r *SignalRepository) ListRecent(ctx context.Context, instrument string, limit int) ([]model.Signal, error) {
	if instrument == "" {
		return r.query(ctx, `SELECT `+signalColumns+` FROM signals
			ORDER BY emitted_at DESC, source_open_time DESC LIMIT ?`, limit)
	}
	return r.query(ctx, `SELECT `+signalColumns+` FROM signals WHERE instrument = ?
		ORDER BY emitted_at DESC, source_open_time DESC LIMIT ?`, instrument, limit)
}

// LatestForSeries returns the signal with the newest source candle for an
// instrument/timeframe, or nil.
func (r *SignalRepository) LatestForSeries(ctx context.Context, instrument string, tf model.Timeframe) (*model.Signal, error) {
	sigs, err := r.query(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE instrument = ? AND timeframe = ?
		ORDER BY source_open_time DESC LIMIT 1`, instrument, string(tf))
	if err != nil || len(sigs) == 0 {
		return nil, err
	}
	return &sigs[0], nil
}

// UpdateDelivery applies u only while the delivery is still PENDING.
func (r *SignalRepository) UpdateDelivery(ctx context.Context, signalID, channelID string, u model.DeliveryUpdate) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE signal_deliveries
		SET state = ?, attempts = ?, last_attempt_at = ?, last_error = ?
		WHERE signal_id = ? AND channel_id = ? AND state = ?`,
		string(u.State), u.Attempts, unixMilli(u.AttemptAt), u.Error,
		signalID, channelID, string(model.DeliveryPending))
	if err != nil {
		return false, fmt.Errorf("sqlite update delivery %s/%s: %w", signalID, channelID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListPending returns signals with at least one PENDING delivery, oldest first.
func (r *SignalRepository) ListPending(ctx context.Context, limit int) ([]model.Signal, error) {
	return r.query(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE id IN (SELECT signal_id FROM signal_deliveries WHERE state = ?)
		ORDER BY emitted_at ASC LIMIT ?`, string(model.DeliveryPending), limit)
}

func (r *SignalRepository) query(ctx context.Context, q string, args ...any) ([]model.Signal, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query signals: %w", err)
	}
	var sigs []model.Signal
	for rows.Next() {
		var s model.Signal
		var tf, dir string
		var srcUnix, emittedMs int64
		if err := rows.Scan(&s.ID, &s.Instrument, &tf, &dir, &s.EntryPrice, &s.StopLoss, &s.TakeProfit,
			&s.ATR, &s.FastMA, &s.SlowMA, &s.RiskReward, &s.ValidationScore, &srcUnix, &emittedMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite scan signal: %w", err)
		}
		s.Timeframe = model.Timeframe(tf)
		s.Direction = model.Direction(dir)
		s.SourceOpenTime = time.Unix(srcUnix, 0).UTC()
		s.EmittedAt = time.UnixMilli(emittedMs).UTC()
		sigs = append(sigs, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Single connection: the cursor must be closed before loading deliveries.
	rows.Close()

	for i := range sigs {
		if sigs[i].Deliveries, err = r.deliveries(ctx, sigs[i].ID); err != nil {
			return nil, err
		}
	}
	return sigs, nil
}

func (r *SignalRepository) deliveries(ctx context.Context, signalID string) ([]model.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT channel_id, state, attempts, last_attempt_at, last_error
		FROM signal_deliveries WHERE signal_id = ? ORDER BY channel_id`, signalID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query deliveries: %w", err)
	}
	defer rows.Close()

	var out []model.Delivery
	for rows.Next() {
		var d model.Delivery
		var state string
		var lastMs int64
		if err := rows.Scan(&d.ChannelID, &state, &d.Attempts, &lastMs, &d.LastError); err != nil {
			return nil, fmt.Errorf("sqlite scan delivery: %w", err)
		}
		d.State = model.DeliveryState(state)
		if lastMs > 0 {
			d.LastAttemptAt = time.UnixMilli(lastMs).UTC()
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
