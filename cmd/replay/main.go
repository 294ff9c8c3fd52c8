// cmd/replay runs the engine once per configured key over stored candle
// history. Each key's cached state is invalidated first, so the tick
// rebuilds from the last -history candles and emits every crossover in
// them that the Signal Repository does not already hold. Signals are
// stored without notification deliveries.
//
// Usage:
//
//	go run ./cmd/replay --history=5000 --instrument=EUR_USD
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tadams95/4ex.ninja-sub000/config"
	"github.com/tadams95/4ex.ninja-sub000/internal/engine"
	"github.com/tadams95/4ex.ninja-sub000/internal/logger"
	"github.com/tadams95/4ex.ninja-sub000/internal/metrics"
	"github.com/tadams95/4ex.ninja-sub000/internal/scheduler"
	"github.com/tadams95/4ex.ninja-sub000/internal/signalengine"
	redisstore "github.com/tadams95/4ex.ninja-sub000/internal/store/redis"
)

func main() {
	history := flag.Int("history", 5000, "Candles replayed per key beyond the indicator window")
	instrument := flag.String("instrument", "", "Only replay this instrument (default: all configured)")
	timeframe := flag.String("tf", "", "Only replay this timeframe (default: all configured)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	log := logger.Init("replay", cfg.LogLevel)

	eng, err := config.LoadEngine(cfg.EngineConfig)
	if err != nil {
		log.Error("engine config invalid", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	stores, err := signalengine.OpenStores(ctx, cfg, log)
	if err != nil {
		log.Error("stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	m := metrics.NewNop()
	cache := redisstore.NewCache(stores.Redis, redisstore.CacheConfig{TTL: eng.CacheTTL, Timeout: eng.CacheTimeout}, log)
	e := engine.New(stores.Candles, cache, stores.Signals, nil, m, log, engine.Options{
		WarmupMargin:      *history,
		RecomputeInterval: eng.IncrementalRecomputeInterval,
		CandleTimeout:     eng.CandleTimeout,
		RepoTimeout:       eng.RepoTimeout,
	})

	var keys []engine.KeyConfig
	for _, kc := range eng.Keys() {
		if *instrument != "" && !strings.EqualFold(kc.Key.Instrument, *instrument) {
			continue
		}
		if *timeframe != "" && !strings.EqualFold(string(kc.Key.Timeframe), *timeframe) {
			continue
		}
		keys = append(keys, kc)
	}
	if len(keys) == 0 {
		log.Error("no configured key matches the filters")
		os.Exit(1)
	}

	// Ticks run under the same lease as the live engine so a replay never
	// races a running tick of the same key.
	sched, err := scheduler.New(e, cache, keys, m, log, scheduler.Options{
		Holder: cfg.InstanceID + "-replay",
	})
	if err != nil {
		log.Error("scheduler", "error", err)
		os.Exit(1)
	}

	var emitted, suppressed, rejected, failed int
	for _, kc := range keys {
		if ctx.Err() != nil {
			break
		}
		if err := cache.Invalidate(ctx, kc.Key); err != nil {
			log.Warn("invalidate failed, tick decides from cache state", "key", kc.Key.String(), "error", err)
		}
		res, err := sched.TickNow(ctx, kc)
		if err != nil {
			failed++
			continue
		}
		emitted += len(res.Emitted)
		suppressed += res.Suppressed
		rejected += res.Rejected
		for _, sig := range res.Emitted {
			fmt.Printf("%s  %-8s %-3s %-4s entry=%s sl=%s tp=%s rr=%s\n",
				sig.SourceOpenTime.UTC().Format("2006-01-02 15:04"), sig.Instrument, sig.Timeframe,
				sig.Direction, sig.EntryPrice, sig.StopLoss, sig.TakeProfit, sig.RiskReward)
		}
	}

	log.Info("replay complete", "keys", len(keys), "emitted", emitted,
		"suppressed", suppressed, "rejected", rejected, "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}
