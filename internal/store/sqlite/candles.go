package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

// CandleStore is the SQLite Candle Store.
type CandleStore struct {
	db *sql.DB
}

// NewCandleStore wraps an opened database.
func NewCandleStore(db *sql.DB) *CandleStore {
	return &CandleStore{db: db}
}

const candleColumns = `instrument, timeframe, open_time, open, high, low, close, volume, complete`

// FetchAfter returns up to limit complete candles with OpenTime > after, ascending.
func (s *CandleStore) FetchAfter(ctx context.Context, instrument string, tf model.Timeframe, after time.Time, limit int) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+candleColumns+`
		FROM candles
		WHERE instrument = ? AND timeframe = ? AND open_time > ? AND complete = 1
		ORDER BY open_time ASC
		LIMIT ?
	`, instrument, string(tf), after.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite fetch candles after: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// FetchLatest returns the n most recent complete candles, oldest first.
func (s *CandleStore) FetchLatest(ctx context.Context, instrument string, tf model.Timeframe, n int) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+candleColumns+` FROM (
			SELECT `+candleColumns+`
			FROM candles
			WHERE instrument = ? AND timeframe = ? AND complete = 1
			ORDER BY open_time DESC
			LIMIT ?
		) ORDER BY open_time ASC
	`, instrument, string(tf), n)
	if err != nil {
		return nil, fmt.Errorf("sqlite fetch latest candles: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// Upsert inserts or replaces candles in a single transaction.
func (s *CandleStore) Upsert(ctx context.Context, candles []model.Candle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (`+candleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx, c.Instrument, string(c.Timeframe), c.OpenTime.Unix(),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume, c.Complete)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite upsert candle %s@%d: %w", c.Key(), c.OpenTime.Unix(), err)
		}
	}
	return tx.Commit()
}

func scanCandles(rows *sql.Rows) ([]model.Candle, error) {
	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		var tf string
		var openUnix int64
		if err := rows.Scan(&c.Instrument, &tf, &openUnix, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Complete); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		c.Timeframe = model.Timeframe(tf)
		c.OpenTime = time.Unix(openUnix, 0).UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}
