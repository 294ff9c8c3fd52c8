// cmd/candleimport loads candles from a CSV file into the Candle Store,
// optionally resampling them into coarser timeframes.
//
// Usage:
//
//	go run ./cmd/candleimport --file=eurusd_m15.csv --instrument=EUR_USD --tf=M15 --resample=H1,H4
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tadams95/4ex.ninja-sub000/config"
	"github.com/tadams95/4ex.ninja-sub000/internal/logger"
	"github.com/tadams95/4ex.ninja-sub000/internal/marketdata"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	sqlitestore "github.com/tadams95/4ex.ninja-sub000/internal/store/sqlite"
)

const batchSize = 1000

func main() {
	file := flag.String("file", "", "CSV file to import (required)")
	instrument := flag.String("instrument", "", "Instrument, e.g. EUR_USD (required)")
	tf := flag.String("tf", "H1", "Timeframe of the CSV candles")
	resample := flag.String("resample", "", "Comma-separated coarser timeframes to build from the file, e.g. H1,H4")
	dbPath := flag.String("db", "", "SQLite path (default: SQLITE_PATH)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "candleimport:", err)
		os.Exit(1)
	}
	log := logger.Init("candleimport", cfg.LogLevel)

	if *file == "" || *instrument == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *dbPath == "" {
		*dbPath = cfg.SQLitePath
	}
	source := model.Timeframe(strings.ToUpper(*tf))

	var targets []model.Timeframe
	for _, s := range strings.Split(*resample, ",") {
		if s = strings.TrimSpace(s); s != "" {
			targets = append(targets, model.Timeframe(strings.ToUpper(s)))
		}
	}

	f, err := os.Open(*file)
	if err != nil {
		log.Error("open csv", "error", err)
		os.Exit(1)
	}
	candles, err := marketdata.ReadCSV(f, strings.ToUpper(*instrument), source)
	f.Close()
	if err != nil {
		log.Error("parse csv", "file", *file, "error", err)
		os.Exit(1)
	}

	if len(targets) > 0 {
		r, err := marketdata.NewResampler(source, targets)
		if err != nil {
			log.Error("resample", "error", err)
			os.Exit(1)
		}
		outOfOrder := 0
		r.OnOutOfOrder = func(model.Candle) { outOfOrder++ }
		var built []model.Candle
		for _, c := range candles {
			built = append(built, r.Add(c)...)
		}
		built = append(built, r.Flush()...)
		if outOfOrder > 0 {
			log.Warn("out-of-order candles skipped while resampling", "count", outOfOrder)
		}
		candles = append(candles, built...)
	}

	if dir := filepath.Dir(*dbPath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	db, err := sqlitestore.Open(*dbPath)
	if err != nil {
		log.Error("sqlite", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	store := sqlitestore.NewCandleStore(db)

	ctx := context.Background()
	for start := 0; start < len(candles); start += batchSize {
		end := min(start+batchSize, len(candles))
		if err := store.Upsert(ctx, candles[start:end]); err != nil {
			log.Error("upsert", "error", err, "offset", start)
			os.Exit(1)
		}
	}
	log.Info("import complete", "file", *file, "instrument", strings.ToUpper(*instrument),
		"timeframe", source, "resampled", targets, "candles", len(candles), "db", *dbPath)
}
