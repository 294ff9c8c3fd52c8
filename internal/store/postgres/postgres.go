// Package postgres implements the Signal Repository on PostgreSQL with pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	"github.com/tadams95/4ex.ninja-sub000/internal/store"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id               TEXT PRIMARY KEY,
	instrument       TEXT        NOT NULL,
	timeframe        TEXT        NOT NULL,
	direction        TEXT        NOT NULL,
	entry_price      NUMERIC     NOT NULL,
	stop_loss        NUMERIC     NOT NULL,
	take_profit      NUMERIC     NOT NULL,
	atr              NUMERIC     NOT NULL,
	fast_ma          NUMERIC     NOT NULL,
	slow_ma          NUMERIC     NOT NULL,
	risk_reward      NUMERIC     NOT NULL,
	validation_score NUMERIC     NOT NULL,
	source_open_time TIMESTAMPTZ NOT NULL,
	emitted_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (instrument, timeframe, direction, source_open_time)
);
CREATE TABLE IF NOT EXISTS signal_deliveries (
	signal_id       TEXT        NOT NULL REFERENCES signals (id),
	channel_id      TEXT        NOT NULL,
	state           TEXT        NOT NULL,
	attempts        INTEGER     NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ,
	last_error      TEXT        NOT NULL DEFAULT '',
	PRIMARY KEY (signal_id, channel_id)
);
CREATE INDEX IF NOT EXISTS idx_signal_deliveries_state ON signal_deliveries (state);
`

// NewPool connects to dsn and verifies the connection.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// SignalRepository is the PostgreSQL Signal Repository.
type SignalRepository struct {
	pool *pgxpool.Pool
}

// NewSignalRepository creates the schema if needed.
func NewSignalRepository(ctx context.Context, pool *pgxpool.Pool) (*SignalRepository, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &SignalRepository{pool: pool}, nil
}

const signalColumns = `id, instrument, timeframe, direction,
	entry_price::text, stop_loss::text, take_profit::text, atr::text, fast_ma::text, slow_ma::text,
	risk_reward::text, validation_score::text, source_open_time, emitted_at`

func (r *SignalRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()
	return fn(tx)
}

// Insert writes the signal and its deliveries in one transaction.
func (r *SignalRepository) Insert(ctx context.Context, sig *model.Signal) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO signals (id, instrument, timeframe, direction,
			entry_price, stop_loss, take_profit, atr, fast_ma, slow_ma, risk_reward, validation_score,
			source_open_time, emitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			sig.ID, sig.Instrument, string(sig.Timeframe), string(sig.Direction),
			sig.EntryPrice.String(), sig.StopLoss.String(), sig.TakeProfit.String(),
			sig.ATR.String(), sig.FastMA.String(), sig.SlowMA.String(),
			sig.RiskReward.String(), sig.ValidationScore.String(),
			sig.SourceOpenTime.UTC(), sig.EmittedAt.UTC())
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("insert signal %s: %w", sig.Fingerprint(), store.ErrDuplicate)
			}
			return fmt.Errorf("postgres insert signal: %w", err)
		}

		batch := &pgx.Batch{}
		for _, d := range sig.Deliveries {
			batch.Queue(`INSERT INTO signal_deliveries (signal_id, channel_id, state, attempts, last_attempt_at, last_error)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				sig.ID, d.ChannelID, string(d.State), d.Attempts, nullTime(d.LastAttemptAt), d.LastError)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres insert deliveries: %w", err)
		}
		return nil
	})
}

// GetByFingerprint returns the signal for a crossover event, or nil.
func (r *SignalRepository) GetByFingerprint(ctx context.Context, fp model.Fingerprint) (*model.Signal, error) {
	sigs, err := r.query(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE instrument = $1 AND timeframe = $2 AND direction = $3 AND source_open_time = $4`,
		fp.Instrument, string(fp.Timeframe), string(fp.Direction), fp.SourceOpenTime.UTC())
	if err != nil || len(sigs) == 0 {
		return nil, err
	}
	return &sigs[0], nil
}

// ListRecent returns the latest signals, newest first.
func (r *SignalRepository) ListRecent(ctx context.Context, instrument string, limit int) ([]model.Signal, error) {
	return r.query(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE $1::text = '' OR instrument = $1
		ORDER BY emitted_at DESC, source_open_time DESC LIMIT $2`, instrument, limit)
}

// LatestForSeries returns the newest signal for an instrument/timeframe, or nil.
func (r *SignalRepository) LatestForSeries(ctx context.Context, instrument string, tf model.Timeframe) (*model.Signal, error) {
	sigs, err := r.query(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE instrument = $1 AND timeframe = $2
		ORDER BY source_open_time DESC LIMIT 1`, instrument, string(tf))
	if err != nil || len(sigs) == 0 {
		return nil, err
	}
	return &sigs[0], nil
}

// UpdateDelivery applies u only while the delivery is still PENDING.
func (r *SignalRepository) UpdateDelivery(ctx context.Context, signalID, channelID string, u model.DeliveryUpdate) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE signal_deliveries
		SET state = $1, attempts = $2, last_attempt_at = $3, last_error = $4
		WHERE signal_id = $5 AND channel_id = $6 AND state = $7`,
		string(u.State), u.Attempts, nullTime(u.AttemptAt), u.Error,
		signalID, channelID, string(model.DeliveryPending))
	if err != nil {
		return false, fmt.Errorf("postgres update delivery %s/%s: %w", signalID, channelID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListPending returns signals with at least one PENDING delivery, oldest first.
func (r *SignalRepository) ListPending(ctx context.Context, limit int) ([]model.Signal, error) {
	return r.query(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE id IN (SELECT signal_id FROM signal_deliveries WHERE state = $1)
		ORDER BY emitted_at ASC LIMIT $2`, string(model.DeliveryPending), limit)
}

func (r *SignalRepository) query(ctx context.Context, q string, args ...any) ([]model.Signal, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres query signals: %w", err)
	}
	sigs, err := pgx.CollectRows(rows, scanSignal)
	if err != nil {
		return nil, fmt.Errorf("postgres scan signals: %w", err)
	}
	if len(sigs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(sigs))
	index := make(map[string]int, len(sigs))
	for i, s := range sigs {
		ids[i] = s.ID
		index[s.ID] = i
	}
	drows, err := r.pool.Query(ctx, `SELECT signal_id, channel_id, state, attempts, last_attempt_at, last_error
		FROM signal_deliveries WHERE signal_id = ANY($1) ORDER BY signal_id, channel_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres query deliveries: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var id, state string
		var d model.Delivery
		var last *time.Time
		if err := drows.Scan(&id, &d.ChannelID, &state, &d.Attempts, &last, &d.LastError); err != nil {
			return nil, fmt.Errorf("postgres scan delivery: %w", err)
		}
		d.State = model.DeliveryState(state)
		if last != nil {
			d.LastAttemptAt = last.UTC()
		}
		i := index[id]
		sigs[i].Deliveries = append(sigs[i].Deliveries, d)
	}
	return sigs, drows.Err()
}

func scanSignal(row pgx.CollectableRow) (model.Signal, error) {
	var s model.Signal
	var tf, dir string
	err := row.Scan(&s.ID, &s.Instrument, &tf, &dir,
		&s.EntryPrice, &s.StopLoss, &s.TakeProfit, &s.ATR, &s.FastMA, &s.SlowMA,
		&s.RiskReward, &s.ValidationScore, &s.SourceOpenTime, &s.EmittedAt)
	s.Timeframe = model.Timeframe(tf)
	s.Direction = model.Direction(dir)
	s.SourceOpenTime = s.SourceOpenTime.UTC()
	s.EmittedAt = s.EmittedAt.UTC()
	return s, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
