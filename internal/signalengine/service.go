// Package signalengine wires the signal engine process: stores, Indicator
// Cache, engine, scheduler, notification fan-out and the HTTP surface, and
// runs them until shutdown.
package signalengine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/tadams95/4ex.ninja-sub000/config"
	"github.com/tadams95/4ex.ninja-sub000/internal/api"
	"github.com/tadams95/4ex.ninja-sub000/internal/breaker"
	"github.com/tadams95/4ex.ninja-sub000/internal/engine"
	"github.com/tadams95/4ex.ninja-sub000/internal/metrics"
	"github.com/tadams95/4ex.ninja-sub000/internal/notify"
	"github.com/tadams95/4ex.ninja-sub000/internal/scheduler"
	redisstore "github.com/tadams95/4ex.ninja-sub000/internal/store/redis"
)

const (
	recoverPendingLimit = 1000
	livenessInterval    = 15 * time.Second
	shutdownTimeout     = 5 * time.Second

	// Redis breaker: after this many consecutive failures the engine stops
	// paying cache timeouts and runs on cold starts until a probe succeeds.
	cacheBreakerThreshold = 5
	cacheBreakerCooldown  = 30 * time.Second
)

// Service is the top-level orchestrator of the signal engine.
type Service struct {
	cfg    *config.Config
	eng    *config.EngineConfig
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	health   *metrics.HealthStatus

	stores     *Stores
	cache      *redisstore.Cache
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	scheduler  *scheduler.Scheduler
	hub        *notify.Hub
	server     *metrics.Server
	closers    []io.Closer
}

// New validates the configuration, opens the stores and wires every
// component. Configuration errors wrap engine.ErrConfiguration.
func New(ctx context.Context, cfg *config.Config, eng *config.EngineConfig, logger *slog.Logger) (*Service, error) {
	stores, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	svc, err := NewWithStores(cfg, eng, stores, logger)
	if err != nil {
		stores.Close()
		return nil, err
	}
	return svc, nil
}

// NewWithStores wires the service over already opened stores. The service
// takes ownership of stores and closes them on shutdown.
func NewWithStores(cfg *config.Config, eng *config.EngineConfig, stores *Stores, logger *slog.Logger) (*Service, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	svc := &Service{
		cfg:      cfg,
		eng:      eng,
		logger:   logger,
		registry: reg,
		metrics:  m,
		health:   metrics.NewHealthStatus(),
		stores:   stores,
	}

	cb := breaker.New(cacheBreakerThreshold, cacheBreakerCooldown)
	cb.OnStateChange = func(from, to breaker.State) {
		logger.Warn("indicator cache breaker changed state", "event", "circuit_state_change",
			"channel", "indicator_cache", "from", from.String(), "state", to.String())
	}
	svc.cache = redisstore.NewCache(stores.Redis, redisstore.CacheConfig{
		TTL:     eng.CacheTTL,
		Timeout: eng.CacheTimeout,
		Breaker: cb,
	}, logger)

	svc.dispatcher = notify.NewDispatcher(stores.Signals,
		redisstore.NewDedup(stores.Redis, eng.CacheTimeout, logger), m, logger,
		notify.Options{
			DedupWindow:   eng.DedupWindow,
			DrainDeadline: eng.DrainDeadline,
			RepoTimeout:   eng.RepoTimeout,
		})
	for _, ch := range eng.Channels {
		sender, closer, err := newSender(ch, stores.Redis, logger)
		if err != nil {
			svc.closeSenders()
			return nil, fmt.Errorf("%w: %v", engine.ErrConfiguration, err)
		}
		if closer != nil {
			svc.closers = append(svc.closers, closer)
		}
		if hub, ok := sender.(*notify.Hub); ok {
			if svc.hub != nil {
				svc.closeSenders()
				return nil, fmt.Errorf("%w: only one websocket channel is supported", engine.ErrConfiguration)
			}
			svc.hub = hub
		}
		if err := svc.dispatcher.Register(ch.Policy(), sender); err != nil {
			svc.closeSenders()
			return nil, fmt.Errorf("%w: %v", engine.ErrConfiguration, err)
		}
	}

	svc.engine = engine.New(stores.Candles, svc.cache, stores.Signals, svc.dispatcher, m, logger, engine.Options{
		WarmupMargin:      eng.ColdStartWarmupMargin,
		RecomputeInterval: eng.IncrementalRecomputeInterval,
		DegradedAfter:     eng.DegradedAfter,
		CandleTimeout:     eng.CandleTimeout,
		RepoTimeout:       eng.RepoTimeout,
		Channels:          eng.ChannelIDs(),
	})
	keys := eng.Keys()
	for _, kc := range keys {
		svc.engine.Register(kc.Key)
	}

	sched, err := scheduler.New(svc.engine, svc.cache, keys, m, logger, scheduler.Options{
		WorkerPoolSize: eng.WorkerPoolSize,
		TickTimeout:    eng.TickTimeout,
		LeaseTTL:       eng.LeaseTTL,
		SettleDelay:    eng.SettleDelay,
		MaxJitter:      eng.MaxJitter,
		DrainDeadline:  eng.DrainDeadline,
		Holder:         cfg.InstanceID,
	})
	if err != nil {
		svc.closeSenders()
		return nil, err
	}
	svc.scheduler = sched

	svc.server = metrics.NewServer(cfg.HTTPAddr, reg, svc.health, svc.routes(), logger)
	return svc, nil
}

func (svc *Service) routes() http.Handler {
	mux := api.NewRouter(svc.stores.Signals, svc.engine, svc.logger)
	if svc.hub != nil {
		mux.Handle("GET /ws/signals", svc.hub)
	}
	return mux
}

// Handler returns the HTTP handler serving the API, /metrics and /healthz.
func (svc *Service) Handler() http.Handler { return svc.server.Handler() }

// Engine returns the tick engine.
func (svc *Service) Engine() *engine.Engine { return svc.engine }

// Scheduler returns the key scheduler.
func (svc *Service) Scheduler() *scheduler.Scheduler { return svc.scheduler }

// Dispatcher returns the notification fan-out.
func (svc *Service) Dispatcher() *notify.Dispatcher { return svc.dispatcher }

// Stores returns the storage dependencies.
func (svc *Service) Stores() *Stores { return svc.stores }

// Run starts every subsystem and blocks until ctx is cancelled. The
// scheduler drains first so ticks finishing during shutdown still reach
// the fan-out, which drains after it.
func (svc *Service) Run(ctx context.Context) error {
	log := svc.logger.With("component", "service")

	svc.health.StartLivenessChecker(ctx, svc.stores.Redis, svc.stores.StorePing(), livenessInterval)
	svc.server.Start()

	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopDispatch()
		svc.health.SetSchedulerOK(true)
		defer svc.health.SetSchedulerOK(false)
		return svc.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return svc.dispatcher.Run(dispatchCtx)
	})
	g.Go(func() error {
		// Waits for queue space, so the workers above must be running.
		n, err := svc.dispatcher.RecoverPending(gctx, recoverPendingLimit)
		switch {
		case err != nil && gctx.Err() == nil:
			log.Warn("pending notification recovery failed", "error", err)
		case n > 0:
			log.Info("re-enqueued pending notifications", "signals", n)
		}
		return nil
	})
	g.Go(func() error {
		svc.heartbeat(gctx)
		return nil
	})

	log.Info("signal engine running", "keys", len(svc.eng.Keys()), "channels", svc.dispatcher.Channels(),
		"http", svc.cfg.HTTPAddr, "instance", svc.cfg.InstanceID)

	err := g.Wait()
	svc.shutdown(log)
	return err
}

// heartbeat mirrors the scheduler's last tick into the health status.
func (svc *Service) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t := svc.scheduler.LastTick(); !t.IsZero() {
				svc.health.SetLastTickAt(t)
			}
		}
	}
}

func (svc *Service) shutdown(log *slog.Logger) {
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.server.Stop(ctx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	svc.closeSenders()
	svc.stores.Close()
	log.Info("shutdown complete")
}

func (svc *Service) closeSenders() {
	if svc.hub != nil {
		svc.hub.Close()
	}
	for _, c := range svc.closers {
		if err := c.Close(); err != nil {
			svc.logger.Warn("closing sender", "error", err)
		}
	}
	svc.closers = nil
}
