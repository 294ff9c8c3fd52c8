// Package engine implements the per-key tick of the signal engine: load or
// rebuild rolling indicator state, fold in new complete candles, detect and
// validate crossovers, persist signals and hand them to the notification
// fan-out, then commit the state back to the Indicator Cache.
//
// The Signal Repository is the source of truth for what was emitted. The
// cache is an accelerator: losing it costs a cold start, never a signal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tadams95/4ex.ninja-sub000/internal/indicator"
	"github.com/tadams95/4ex.ninja-sub000/internal/logger"
	"github.com/tadams95/4ex.ninja-sub000/internal/metrics"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	redisstore "github.com/tadams95/4ex.ninja-sub000/internal/store/redis"
	"github.com/tadams95/4ex.ninja-sub000/internal/store"
	"github.com/tadams95/4ex.ninja-sub000/internal/strategy"
)

// Cache is the Indicator Cache as seen by a tick.
type Cache interface {
	Get(ctx context.Context, key model.Key) (*indicator.State, error)
	CAS(ctx context.Context, key model.Key, expected int64, st *indicator.State) (bool, error)
	Invalidate(ctx context.Context, key model.Key) error
}

// Enqueuer hands persisted signals to the notification fan-out. It must
// not block.
type Enqueuer interface {
	Enqueue(sig *model.Signal)
}

// KeyConfig is everything a tick needs to know about one key.
type KeyConfig struct {
	Key       model.Key
	Indicator indicator.Params
	Strategy  strategy.Params
}

// Options tune the tick algorithm.
type Options struct {
	WarmupMargin      int           // extra candles fetched on cold start beyond max(slow, atr); at least 1
	RecomputeInterval int           // candles between running-sum recomputes; 0 disables
	DegradedAfter     int           // consecutive transient errors before DEGRADED
	FetchLimit        int           // page size for FetchAfter
	CandleTimeout     time.Duration // per Candle Store call
	RepoTimeout       time.Duration // per Signal Repository call
	Channels          []string      // channel ids that get a PENDING delivery per signal
}

func (o *Options) setDefaults() {
	// A cold start needs one candle beyond the window to see a crossover.
	if o.WarmupMargin < 1 {
		o.WarmupMargin = 1
	}
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = 3
	}
	if o.FetchLimit <= 0 {
		o.FetchLimit = 500
	}
	if o.CandleTimeout <= 0 {
		o.CandleTimeout = 5 * time.Second
	}
	if o.RepoTimeout <= 0 {
		o.RepoTimeout = 5 * time.Second
	}
}

// Result describes what a tick did.
type Result struct {
	Key        model.Key
	ColdStart  bool
	Candles    int             // candles folded into state
	Emitted    []*model.Signal // persisted and enqueued, in source open time order
	Suppressed int             // crossover events that already existed
	Rejected   int             // candidates that failed validation
	NoOp       bool            // no new candles
	Divergence bool            // signals persisted but the cache write failed
}

// Engine runs ticks. It is safe for concurrent use across distinct keys;
// callers serialise ticks of the same key (the scheduler's lease).
type Engine struct {
	candles model.CandleReader
	cache   Cache
	repo    model.SignalRepository
	notify  Enqueuer
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options
	keys    *keyTable

	now   func() time.Time
	newID func() string
}

// New creates an engine. notify may be nil (nothing is enqueued).
func New(candles model.CandleReader, cache Cache, repo model.SignalRepository, notify Enqueuer,
	m *metrics.Metrics, logger *slog.Logger, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		candles: candles,
		cache:   cache,
		repo:    repo,
		notify:  notify,
		metrics: m,
		logger:  logger.With("component", "engine"),
		opts:    opts,
		keys:    newKeyTable(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// WithClock replaces the time source (tests, replay).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithIDs replaces the signal id generator (tests).
func (e *Engine) WithIDs(newID func() string) *Engine {
	e.newID = newID
	return e
}

// KeyStatuses returns a snapshot of every key seen so far.
func (e *Engine) KeyStatuses() []KeyStatus { return e.keys.all() }

// KeyStatus returns the status of one key.
func (e *Engine) KeyStatus(key model.Key) KeyStatus { return e.keys.get(key.String()) }

// Register records a key as UNINITIALIZED so it is visible before its first tick.
func (e *Engine) Register(key model.Key) {
	e.keys.update(key.String(), func(*KeyStatus) {})
	e.metrics.KeyState.WithLabelValues(key.String()).Set(float64(StateUninitialized))
}

func (e *Engine) setState(key model.Key, s KeyState) {
	e.keys.update(key.String(), func(ks *KeyStatus) { ks.State = s })
	e.metrics.KeyState.WithLabelValues(key.String()).Set(float64(s))
}

// Tick processes every new complete candle for kc.Key. Errors abort the
// tick without a cache write; signals persisted before the error stay
// persisted and the next tick deduplicates against them.
func (e *Engine) Tick(ctx context.Context, kc KeyConfig) (res Result, err error) {
	key := kc.Key
	start := e.now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(key.String(), start))
	log := e.logger.With(append([]any{"key", key.String()}, logger.LogWithTrace(ctx)...)...)
	res.Key = key

	e.setState(key, StateProcessing)
	var st *indicator.State
	defer func() {
		if err != nil && Classify(err) == KindInvariant {
			e.metrics.InvariantViolations.Inc()
			log.Error("invariant violated, invalidating cached state", "error", err)
			if ierr := e.cache.Invalidate(ctx, key); ierr != nil {
				log.Warn("invalidate failed", "error", ierr)
			}
		}
		e.metrics.TickDuration.Observe(e.now().Sub(start).Seconds())
		e.finish(key, st, res, err)
	}()

	st, version, err := e.load(ctx, kc, log)
	if err != nil {
		return res, err
	}
	producer := strategy.MACrossover{Params: kc.Strategy}

	if st == nil {
		res.ColdStart = true
		e.setState(key, StateWarming)
		e.metrics.CacheColdStarts.Inc()
		st = indicator.NewState(key, kc.Indicator)

		history, err := e.fetchLatest(ctx, key, kc.Indicator.WindowSize()-1+e.opts.WarmupMargin)
		if err != nil {
			return res, err
		}
		log.Info("cold start", "candles", len(history), "cache_version", version)
		for _, c := range history {
			if err := e.process(ctx, st, c, producer, &res, log); err != nil {
				return res, err
			}
		}
		e.setState(key, StateProcessing)
	}

	for {
		page, err := e.fetchAfter(ctx, key, st.LastProcessedOpenTime)
		if err != nil {
			return res, err
		}
		for _, c := range page {
			if err := e.process(ctx, st, c, producer, &res, log); err != nil {
				return res, err
			}
		}
		if len(page) < e.opts.FetchLimit {
			break
		}
	}

	if res.Candles == 0 && !res.ColdStart {
		res.NoOp = true
		return res, nil
	}

	st.HeartbeatAt = e.now()
	e.commit(ctx, st, version, &res, log)
	return res, nil
}

// load returns the cached state and its CAS version, or a nil state when a
// cold start is needed. Cache failures never abort the tick.
func (e *Engine) load(ctx context.Context, kc KeyConfig, log *slog.Logger) (*indicator.State, int64, error) {
	st, err := e.cache.Get(ctx, kc.Key)
	switch {
	case errors.Is(err, redisstore.ErrCacheMiss):
		return nil, 0, nil
	case err != nil:
		log.Warn("indicator cache unavailable, cold start", "error", err)
		return nil, 0, nil
	}

	now := e.now()
	switch {
	case !st.Matches(kc.Key, kc.Indicator):
		log.Info("cached state built for other params or schema, cold start", "schema", st.Schema)
		return nil, st.Version, nil
	case st.Stale(now):
		log.Info("cached state stale, cold start", "last_processed", st.LastProcessedOpenTime)
		return nil, st.Version, nil
	}

	// A signal newer than the cached state means a cache write was lost
	// after a signal write. Rebuild rather than trust the old window.
	rctx, cancel := context.WithTimeout(ctx, e.opts.RepoTimeout)
	latest, err := e.repo.LatestForSeries(rctx, kc.Key.Instrument, kc.Key.Timeframe)
	cancel()
	if err != nil {
		return nil, 0, wrap(KindTransient, "signal repository latest", err)
	}
	if latest != nil && latest.SourceOpenTime.After(st.LastProcessedOpenTime) {
		log.Warn("cache behind signal repository, reconciling via cold start",
			"last_processed", st.LastProcessedOpenTime, "latest_signal", latest.SourceOpenTime)
		return nil, st.Version, nil
	}
	return st, st.Version, nil
}

func (e *Engine) fetchLatest(ctx context.Context, key model.Key, n int) ([]model.Candle, error) {
	cctx, cancel := context.WithTimeout(ctx, e.opts.CandleTimeout)
	defer cancel()
	candles, err := e.candles.FetchLatest(cctx, key.Instrument, key.Timeframe, n)
	if err != nil {
		return nil, wrap(KindTransient, "candle store fetch latest", err)
	}
	return candles, nil
}

func (e *Engine) fetchAfter(ctx context.Context, key model.Key, after time.Time) ([]model.Candle, error) {
	cctx, cancel := context.WithTimeout(ctx, e.opts.CandleTimeout)
	defer cancel()
	candles, err := e.candles.FetchAfter(cctx, key.Instrument, key.Timeframe, after, e.opts.FetchLimit)
	if err != nil {
		return nil, wrap(KindTransient, "candle store fetch after", err)
	}
	return candles, nil
}

// process folds one candle into st and handles any crossover it produces.
func (e *Engine) process(ctx context.Context, st *indicator.State, c model.Candle, p strategy.Producer, res *Result, log *slog.Logger) error {
	if !c.Complete {
		return nil
	}
	if err := st.Apply(c); err != nil {
		// The Candle Store returned something out of order or already folded in.
		return invariantf("%v", err)
	}
	res.Candles++
	e.metrics.CandlesProcessed.Inc()

	if e.opts.RecomputeInterval > 0 && st.SinceRecompute >= e.opts.RecomputeInterval {
		if drifted := st.Recompute(); len(drifted) > 0 {
			e.metrics.InvariantViolations.Inc()
			log.Error("running sums drifted from window, recomputed values kept",
				"indicators", drifted, "open_time", c.OpenTime)
		}
	}

	sig, err := p.Produce(st, c)
	if err != nil {
		var rej *strategy.RejectionError
		if errors.As(err, &rej) {
			res.Rejected++
			e.metrics.SignalsRejectedValidation.WithLabelValues(rej.Reason).Inc()
			log.Info("candidate rejected", "reason", rej.Reason, "direction", rej.Candidate.Direction,
				"open_time", c.OpenTime, "atr", rej.Candidate.ATR.String(), "rr", rej.Candidate.RiskReward.String())
			return nil
		}
		return err
	}
	if sig == nil {
		return nil
	}
	return e.emit(ctx, st, sig, res, log)
}

// emit deduplicates, persists and enqueues one signal.
func (e *Engine) emit(ctx context.Context, st *indicator.State, sig *model.Signal, res *Result, log *slog.Logger) error {
	fp := sig.Fingerprint()
	if fp.Equal(st.LastFingerprint) {
		e.suppress(res, fp, "cache_fingerprint", log)
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, e.opts.RepoTimeout)
	existing, err := e.repo.GetByFingerprint(rctx, fp)
	cancel()
	if err != nil {
		return wrap(KindTransient, "signal repository get", err)
	}
	if existing != nil {
		st.LastFingerprint = fp
		e.suppress(res, fp, "repository", log)
		return nil
	}

	sig.ID = e.newID()
	sig.EmittedAt = e.now().UTC()
	sig.Deliveries = make([]model.Delivery, 0, len(e.opts.Channels))
	for _, ch := range e.opts.Channels {
		sig.Deliveries = append(sig.Deliveries, model.Delivery{ChannelID: ch, State: model.DeliveryPending})
	}

	rctx, cancel = context.WithTimeout(ctx, e.opts.RepoTimeout)
	err = e.repo.Insert(rctx, sig)
	cancel()
	switch {
	case errors.Is(err, store.ErrDuplicate):
		st.LastFingerprint = fp
		e.suppress(res, fp, "insert_race", log)
		return nil
	case err != nil:
		return wrap(KindTransient, "signal repository insert", err)
	}

	st.LastFingerprint = fp
	res.Emitted = append(res.Emitted, sig)
	e.metrics.SignalsEmitted.Inc()
	log.Info("signal emitted", "event", "signal_emitted", "id", sig.ID, "fingerprint", fp.String(),
		"direction", sig.Direction, "entry", sig.EntryPrice.String(), "stop_loss", sig.StopLoss.String(),
		"take_profit", sig.TakeProfit.String(), "rr", sig.RiskReward.String())

	if e.notify != nil {
		e.notify.Enqueue(sig)
	}
	return nil
}

func (e *Engine) suppress(res *Result, fp model.Fingerprint, by string, log *slog.Logger) {
	res.Suppressed++
	e.metrics.SignalsSuppressedDedup.Inc()
	log.Debug("duplicate signal suppressed", "fingerprint", fp.String(), "by", by)
}

// commit writes the state back. A failed write after signals were persisted
// is a divergence: the next tick sees the repository ahead of the cache and
// cold-starts.
func (e *Engine) commit(ctx context.Context, st *indicator.State, version int64, res *Result, log *slog.Logger) {
	ok, err := e.cache.CAS(ctx, st.Key, version, st)
	if err == nil && ok {
		return
	}
	if err == nil {
		err = fmt.Errorf("version %d superseded", version)
	}
	if len(res.Emitted) == 0 {
		log.Debug("indicator cache write skipped", "error", err)
		return
	}
	res.Divergence = true
	e.metrics.CacheDivergence.Inc()
	log.Warn("indicator cache write failed after signal write, next tick reconciles",
		"error", err, "signals", len(res.Emitted))
}

// finish moves the key out of PROCESSING.
func (e *Engine) finish(key model.Key, st *indicator.State, res Result, err error) {
	now := e.now()
	ks := e.keys.update(key.String(), func(ks *KeyStatus) {
		ks.LastTickAt = now
		if res.ColdStart {
			ks.ColdStarts++
		}
		ks.SignalsEmitted += len(res.Emitted)
		if st != nil {
			ks.LastProcessed = st.LastProcessedOpenTime
		}
		if err == nil {
			ks.ConsecutiveErrors = 0
			ks.LastError = ""
			ks.State = StateReady
			return
		}
		ks.LastError = err.Error()
		if IsTransient(err) {
			ks.ConsecutiveErrors++
			if ks.ConsecutiveErrors >= e.opts.DegradedAfter {
				ks.State = StateDegraded
			} else {
				ks.State = StateReady
			}
			return
		}
		ks.ConsecutiveErrors++
		ks.State = StateDegraded
	})
	e.metrics.KeyState.WithLabelValues(ks.Key).Set(float64(ks.State))
	if err == nil {
		e.metrics.KeyHeartbeat.WithLabelValues(ks.Key).Set(float64(now.Unix()))
	}
}
