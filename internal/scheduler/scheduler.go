// Package scheduler runs engine ticks for every configured key on its
// candle cadence, with a bounded worker budget and a per-key lease.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tadams95/4ex.ninja-sub000/internal/engine"
	"github.com/tadams95/4ex.ninja-sub000/internal/markethours"
	"github.com/tadams95/4ex.ninja-sub000/internal/metrics"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

var (
	// ErrInFlight is returned when a tick for the key is already running in
	// this process.
	ErrInFlight = errors.New("tick already in flight")
	// ErrLeaseHeld is returned when another holder owns the key lease.
	ErrLeaseHeld = errors.New("key lease held by another process")
)

// Ticker runs one tick for a key.
type Ticker interface {
	Tick(ctx context.Context, kc engine.KeyConfig) (engine.Result, error)
}

// Leaser is the cross-process per-key lock.
type Leaser interface {
	Lock(ctx context.Context, key model.Key, holder string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key model.Key, holder string) error
}

// Options configures a Scheduler.
type Options struct {
	WorkerPoolSize int
	TickTimeout    time.Duration
	LeaseTTL       time.Duration
	SettleDelay    time.Duration
	MaxJitter      time.Duration
	DrainDeadline  time.Duration
	Holder         string

	// MarketOpen reports whether forex trades at t. Defaults to the
	// markethours calendar.
	MarketOpen func(t time.Time) bool
}

// Scheduler fires one tick per key after each candle close.
type Scheduler struct {
	ticker  Ticker
	lease   Leaser
	keys    []engine.KeyConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options
	now     func() time.Time

	group errgroup.Group

	mu       sync.Mutex
	inflight map[string]bool

	lastTick atomic.Int64
}

// New validates opts and creates a scheduler. lease may be nil, in which
// case only the in-process flag serializes ticks.
func New(t Ticker, lease Leaser, keys []engine.KeyConfig, m *metrics.Metrics, logger *slog.Logger, opts Options) (*Scheduler, error) {
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = 4
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = 30 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * opts.TickTimeout
	}
	if opts.DrainDeadline <= 0 {
		opts.DrainDeadline = 10 * time.Second
	}
	if opts.LeaseTTL <= opts.TickTimeout {
		return nil, fmt.Errorf("%w: lease_ttl %s must exceed tick_timeout %s",
			engine.ErrConfiguration, opts.LeaseTTL, opts.TickTimeout)
	}
	if opts.Holder == "" {
		opts.Holder = "signalengine"
	}
	if opts.MarketOpen == nil {
		opts.MarketOpen = markethours.IsMarketOpen
	}
	for _, kc := range keys {
		if err := kc.Key.Timeframe.Validate(); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", engine.ErrConfiguration, kc.Key, err)
		}
	}

	s := &Scheduler{
		ticker:   t,
		lease:    lease,
		keys:     keys,
		metrics:  m,
		logger:   logger.With("component", "scheduler"),
		opts:     opts,
		now:      time.Now,
		inflight: make(map[string]bool),
	}
	s.group.SetLimit(opts.WorkerPoolSize)
	return s, nil
}

// WithClock replaces the time source used to compute tick times.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// LastTick returns when the last tick finished, or the zero time.
func (s *Scheduler) LastTick() time.Time {
	ns := s.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run schedules every key until ctx is cancelled, then waits for in-flight
// ticks up to the drain deadline before cancelling them. No tick error
// escapes; Run returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	s.logger.Info("scheduler started", "keys", len(s.keys), "workers", s.opts.WorkerPoolSize,
		"tick_timeout", s.opts.TickTimeout, "lease_ttl", s.opts.LeaseTTL)

	var loops sync.WaitGroup
	for _, kc := range s.keys {
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.loop(ctx, work, kc)
		}()
	}

	<-ctx.Done()
	s.logger.Info("scheduler stopping, draining in-flight ticks", "deadline", s.opts.DrainDeadline)
	deadline := time.AfterFunc(s.opts.DrainDeadline, func() {
		s.logger.Warn("drain deadline exceeded, cancelling in-flight ticks")
		cancelWork()
	})
	defer deadline.Stop()

	loops.Wait()
	s.group.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// NextRun returns when the tick for the candle closing after now fires.
func (s *Scheduler) NextRun(tf model.Timeframe, now time.Time) time.Time {
	next := tf.NextClose(now).Add(s.opts.SettleDelay)
	if s.opts.MaxJitter > 0 {
		next = next.Add(time.Duration(rand.Int64N(int64(s.opts.MaxJitter))))
	}
	return next
}

func (s *Scheduler) loop(stop, work context.Context, kc engine.KeyConfig) {
	tf := kc.Key.Timeframe
	for {
		now := s.now()
		closeAt := tf.NextClose(now)
		timer := time.NewTimer(s.NextRun(tf, now).Sub(now))
		select {
		case <-stop.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Skip periods that lay entirely inside a market closure.
		if !s.opts.MarketOpen(closeAt.Add(-tf.Duration())) && !s.opts.MarketOpen(closeAt.Add(-time.Second)) {
			s.metrics.TicksSkippedClosed.Inc()
			s.logger.Debug("market closed, tick skipped", "key", kc.Key.String(), "close", closeAt)
			continue
		}

		// Go blocks while the pool is full; stop may have fired meanwhile.
		s.group.Go(func() error {
			if stop.Err() != nil || work.Err() != nil {
				return nil
			}
			s.TickNow(work, kc) // outcome already logged and counted
			return nil
		})
	}
}

// TickNow runs one tick for kc under the local flag and the key lease.
// Every failure is logged and counted here; the returned error is
// informational.
func (s *Scheduler) TickNow(ctx context.Context, kc engine.KeyConfig) (res engine.Result, err error) {
	name := kc.Key.String()
	log := s.logger.With("key", name)

	if !s.claim(name) {
		log.Debug("tick skipped, previous tick still running")
		return res, ErrInFlight
	}
	defer s.release(name)

	ctx, cancel := context.WithTimeout(ctx, s.opts.TickTimeout)
	defer cancel()

	if s.lease != nil {
		ok, lerr := s.lease.Lock(ctx, kc.Key, s.opts.Holder, s.opts.LeaseTTL)
		switch {
		case lerr != nil:
			log.Warn("lease unavailable, proceeding under local lock only", "error", lerr)
		case !ok:
			s.metrics.LeaseContention.Inc()
			log.Info("tick skipped, lease held elsewhere")
			return res, ErrLeaseHeld
		default:
			s.metrics.LeaseHolders.Inc()
			defer func() {
				s.metrics.LeaseHolders.Dec()
				uctx, ucancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				defer ucancel()
				if uerr := s.lease.Unlock(uctx, kc.Key, s.opts.Holder); uerr != nil {
					log.Warn("lease release failed, expires on ttl", "error", uerr)
				}
			}()
		}
	}

	s.metrics.ActiveWorkers.Inc()
	defer s.metrics.ActiveWorkers.Dec()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
			s.metrics.TickErrorsFatal.Inc()
			log.Error("tick panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	res, err = s.ticker.Tick(ctx, kc)
	s.lastTick.Store(s.now().UnixNano())
	switch {
	case err == nil:
		if len(res.Emitted) > 0 || res.ColdStart {
			log.Info("tick complete", "candles", res.Candles, "emitted", len(res.Emitted),
				"suppressed", res.Suppressed, "rejected", res.Rejected, "cold_start", res.ColdStart)
		}
	case engine.IsTransient(err):
		s.metrics.TickErrorsTransient.Inc()
		log.Warn("tick aborted", "kind", engine.Classify(err).String(), "error", err)
	default:
		s.metrics.TickErrorsFatal.Inc()
		log.Error("tick failed", "kind", engine.Classify(err).String(), "error", err)
	}
	return res, err
}

func (s *Scheduler) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[name] {
		return false
	}
	s.inflight[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	delete(s.inflight, name)
	s.mu.Unlock()
}
