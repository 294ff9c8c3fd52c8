// cmd/signalengine runs the signal engine: it ticks every configured key
// on its candle cadence, persists signals and fans them out to the
// notification channels.
//
// Usage:
//
//	ENGINE_CONFIG=config/engine.yaml go run ./cmd/signalengine
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tadams95/4ex.ninja-sub000/config"
	"github.com/tadams95/4ex.ninja-sub000/internal/logger"
	"github.com/tadams95/4ex.ninja-sub000/internal/signalengine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("signalengine", 0).Error("config", "error", err)
		os.Exit(1)
	}
	log := logger.Init("signalengine", cfg.LogLevel)

	eng, err := config.LoadEngine(cfg.EngineConfig)
	if err != nil {
		log.Error("engine config invalid", "path", cfg.EngineConfig, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Info("signal received, stopping", "signal", s.String())
		cancel()
	}()

	svc, err := signalengine.New(ctx, cfg, eng, log)
	if err != nil {
		log.Error("init failed", "error", err)
		os.Exit(1)
	}
	if err := svc.Run(ctx); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}
