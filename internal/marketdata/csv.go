// Package marketdata loads candle history into the Candle Store: CSV
// parsing and resampling of fine candles into coarser timeframes.
package marketdata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ReadCSV parses candles of one instrument and timeframe. Columns are
// time, open, high, low, close and optionally volume and complete. A
// leading header row is skipped. Times are RFC 3339, "2006-01-02 15:04:05"
// (UTC) or unix seconds, and must be aligned to the timeframe.
func ReadCSV(r io.Reader, instrument string, tf model.Timeframe) ([]model.Candle, error) {
	if err := tf.Validate(); err != nil {
		return nil, err
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var out []model.Candle
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		if line == 1 && isHeader(rec) {
			continue
		}
		c, err := parseRecord(rec, instrument, tf)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func isHeader(rec []string) bool {
	if len(rec) == 0 {
		return false
	}
	_, err := parseTime(rec[0])
	return err != nil
}

func parseRecord(rec []string, instrument string, tf model.Timeframe) (model.Candle, error) {
	if len(rec) < 5 {
		return model.Candle{}, fmt.Errorf("want at least 5 columns, got %d", len(rec))
	}
	ts, err := parseTime(rec[0])
	if err != nil {
		return model.Candle{}, err
	}
	if !tf.Truncate(ts).Equal(ts) {
		return model.Candle{}, fmt.Errorf("open time %s is not aligned to %s", ts.Format(time.RFC3339), tf)
	}

	var prices [4]decimal.Decimal
	for i := range prices {
		p, err := decimal.NewFromString(strings.TrimSpace(rec[i+1]))
		if err != nil {
			return model.Candle{}, fmt.Errorf("column %d: %w", i+2, err)
		}
		prices[i] = p
	}

	c := model.Candle{
		Instrument: instrument,
		Timeframe:  tf,
		OpenTime:   ts,
		Open:       prices[0],
		High:       prices[1],
		Low:        prices[2],
		Close:      prices[3],
		Complete:   true,
	}
	if len(rec) > 5 && strings.TrimSpace(rec[5]) != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[5]), 64)
		if err != nil || v < 0 {
			return model.Candle{}, fmt.Errorf("volume %q: not a non-negative number", rec[5])
		}
		c.Volume = int64(v)
	}
	if len(rec) > 6 && strings.TrimSpace(rec[6]) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(rec[6]))
		if err != nil {
			return model.Candle{}, fmt.Errorf("complete %q: %w", rec[6], err)
		}
		c.Complete = b
	}
	if !c.Valid() {
		return model.Candle{}, fmt.Errorf("incoherent OHLC %s/%s/%s/%s", c.Open, c.High, c.Low, c.Close)
	}
	return c, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
