// Package sqlite implements the Candle Store and the Signal Repository on
// SQLite. Prices are stored as TEXT so decimals round-trip exactly.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (and creates if needed) the database at path with WAL mode and
// the full schema. A single connection serialises writers.
func Open(path string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			instrument TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			open       TEXT    NOT NULL,
			high       TEXT    NOT NULL,
			low        TEXT    NOT NULL,
			close      TEXT    NOT NULL,
			volume     INTEGER NOT NULL DEFAULT 0,
			complete   INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (instrument, timeframe, open_time)
		);

		CREATE TABLE IF NOT EXISTS signals (
			id               TEXT    PRIMARY KEY,
			instrument       TEXT    NOT NULL,
			timeframe        TEXT    NOT NULL,
			direction        TEXT    NOT NULL,
			entry_price      TEXT    NOT NULL,
			stop_loss        TEXT    NOT NULL,
			take_profit      TEXT    NOT NULL,
			atr              TEXT    NOT NULL,
			fast_ma          TEXT    NOT NULL,
			slow_ma          TEXT    NOT NULL,
			risk_reward      TEXT    NOT NULL,
			validation_score TEXT    NOT NULL,
			source_open_time INTEGER NOT NULL,
			emitted_at       INTEGER NOT NULL,
			UNIQUE (instrument, timeframe, direction, source_open_time)
		);
		CREATE INDEX IF NOT EXISTS idx_signals_series ON signals (instrument, timeframe, source_open_time);

		CREATE TABLE IF NOT EXISTS signal_deliveries (
			signal_id       TEXT    NOT NULL REFERENCES signals (id),
			channel_id      TEXT    NOT NULL,
			state           TEXT    NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT    NOT NULL DEFAULT '',
			PRIMARY KEY (signal_id, channel_id)
		);
		CREATE INDEX IF NOT EXISTS idx_deliveries_state ON signal_deliveries (state);
	`)
	return err
}
