package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/tadams95/4ex.ninja-sub000/internal/breaker"
	"github.com/tadams95/4ex.ninja-sub000/internal/metrics"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

// RateLimit allows Tokens sends per Window. A zero value is unlimited.
type RateLimit struct {
	Tokens int           `yaml:"tokens"`
	Window time.Duration `yaml:"window"`
}

func (r RateLimit) limiter() *rate.Limiter {
	if r.Tokens <= 0 || r.Window <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(r.Window/time.Duration(r.Tokens)), r.Tokens)
}

// ChannelConfig holds the delivery policy of one channel.
type ChannelConfig struct {
	ID               string
	RateLimit        RateLimit
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration
	QueueSize        int
	Timeout          time.Duration
}

func (c *ChannelConfig) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Deduper suppresses repeated deliveries of a fingerprint on a channel.
type Deduper interface {
	Claim(ctx context.Context, channel, fingerprint string, window time.Duration) bool
	Release(ctx context.Context, channel, fingerprint string)
}

// Options configures a Dispatcher.
type Options struct {
	DedupWindow   time.Duration
	DrainDeadline time.Duration
	RepoTimeout   time.Duration
}

type channel struct {
	cfg     ChannelConfig
	sender  Sender
	queue   chan *model.Signal
	breaker *breaker.Breaker
	limiter *rate.Limiter
}

// Dispatcher fans stored signals out to channels. Enqueue never blocks;
// RecoverPending waits for queue space.
type Dispatcher struct {
	repo    model.SignalRepository
	dedup   Deduper
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options
	now     func() time.Time

	channels map[string]*channel
	order    []string
	wg       sync.WaitGroup
	writes   sync.WaitGroup // overflow updates written off the emit path
}

// NewDispatcher creates a dispatcher without channels. dedup may be nil.
func NewDispatcher(repo model.SignalRepository, dedup Deduper, m *metrics.Metrics, logger *slog.Logger, opts Options) *Dispatcher {
	if opts.RepoTimeout <= 0 {
		opts.RepoTimeout = 5 * time.Second
	}
	if opts.DrainDeadline <= 0 {
		opts.DrainDeadline = 10 * time.Second
	}
	return &Dispatcher{
		repo:     repo,
		dedup:    dedup,
		metrics:  m,
		logger:   logger.With("component", "notify"),
		opts:     opts,
		now:      time.Now,
		channels: make(map[string]*channel),
	}
}

// WithClock replaces the time source used for attempt timestamps and
// circuit cooldowns.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	for _, ch := range d.channels {
		ch.breaker.WithClock(now)
	}
	return d
}

// Register adds a channel. Must be called before Run.
func (d *Dispatcher) Register(cfg ChannelConfig, s Sender) error {
	if cfg.ID == "" {
		cfg.ID = s.ID()
	}
	if _, dup := d.channels[cfg.ID]; dup {
		return fmt.Errorf("notify: channel %q registered twice", cfg.ID)
	}
	cfg.setDefaults()

	ch := &channel{
		cfg:     cfg,
		sender:  s,
		queue:   make(chan *model.Signal, cfg.QueueSize),
		breaker: breaker.New(cfg.CircuitThreshold, cfg.CircuitCooldown).WithClock(d.now),
		limiter: cfg.RateLimit.limiter(),
	}
	id := cfg.ID
	ch.breaker.OnStateChange = func(from, to breaker.State) {
		d.metrics.CircuitState.WithLabelValues(id).Set(float64(to))
		if to == breaker.StateOpen {
			d.metrics.CircuitOpenings.WithLabelValues(id).Inc()
		}
		d.logger.Warn("circuit state change", "event", "circuit_state_change",
			"channel", id, "from", from.String(), "state", to.String())
	}
	d.metrics.CircuitState.WithLabelValues(id).Set(float64(breaker.StateClosed))
	d.metrics.QueueDepth.WithLabelValues(id).Set(0)

	d.channels[id] = ch
	d.order = append(d.order, id)
	return nil
}

// Channels returns the registered channel ids in registration order.
func (d *Dispatcher) Channels() []string {
	return append([]string(nil), d.order...)
}

// CircuitState returns the breaker state of a channel.
func (d *Dispatcher) CircuitState(id string) (breaker.State, bool) {
	ch, ok := d.channels[id]
	if !ok {
		return breaker.StateClosed, false
	}
	return ch.breaker.State(), true
}

// Enqueue queues sig on every registered channel whose delivery is still
// PENDING. A full queue fails that delivery with queue_overflow.
func (d *Dispatcher) Enqueue(sig *model.Signal) {
	for _, del := range sig.Deliveries {
		if del.State != model.DeliveryPending {
			continue
		}
		ch, ok := d.channels[del.ChannelID]
		if !ok {
			d.logger.Warn("signal has delivery for unknown channel", "id", sig.ID, "channel", del.ChannelID)
			continue
		}
		select {
		case ch.queue <- sig:
			d.metrics.QueueDepth.WithLabelValues(ch.cfg.ID).Set(float64(len(ch.queue)))
		default:
			d.metrics.NotificationsDropped.WithLabelValues(ch.cfg.ID).Inc()
			d.logger.Warn("notification queue full, dropping", "id", sig.ID, "channel", ch.cfg.ID, "error", ErrQueueFull)
			u := model.DeliveryUpdate{
				State:     model.DeliveryFailed,
				AttemptAt: d.now().UTC(),
				Error:     model.ReasonQueueOverflow,
			}
			d.writes.Add(1)
			go func(id string) {
				defer d.writes.Done()
				d.update(context.Background(), sig, id, u)
			}(ch.cfg.ID)
		}
	}
}

// RecoverPending re-enqueues signals left with PENDING deliveries by a
// previous process and returns the number enqueued. Unlike Enqueue it
// waits for queue space, so it must run alongside Run; deliveries not
// queued when ctx ends stay PENDING for the next start.
func (d *Dispatcher) RecoverPending(ctx context.Context, limit int) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, d.opts.RepoTimeout)
	defer cancel()
	sigs, err := d.repo.ListPending(rctx, limit)
	if err != nil {
		return 0, fmt.Errorf("notify: list pending: %w", err)
	}
	n := 0
	for i := range sigs {
		if err := d.requeue(ctx, &sigs[i]); err != nil {
			d.logger.Info("pending recovery interrupted", "recovered", n, "remaining", len(sigs)-n)
			return n, err
		}
		n++
	}
	if n > 0 {
		d.logger.Info("recovered pending notifications", "signals", n)
	}
	return n, nil
}

func (d *Dispatcher) requeue(ctx context.Context, sig *model.Signal) error {
	for _, del := range sig.Deliveries {
		if del.State != model.DeliveryPending {
			continue
		}
		ch, ok := d.channels[del.ChannelID]
		if !ok {
			d.logger.Warn("signal has delivery for unknown channel", "id", sig.ID, "channel", del.ChannelID)
			continue
		}
		select {
		case ch.queue <- sig:
			d.metrics.QueueDepth.WithLabelValues(ch.cfg.ID).Set(float64(len(ch.queue)))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Wait blocks until queue-overflow updates issued by Enqueue are written.
func (d *Dispatcher) Wait() {
	d.writes.Wait()
}

// Run starts one worker per channel and blocks until ctx is cancelled.
// Workers then drain their queues until the drain deadline; anything still
// queued stays PENDING in the repository.
func (d *Dispatcher) Run(ctx context.Context) error {
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	for _, id := range d.order {
		ch := d.channels[id]
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.work(ctx, work, ch)
		}()
	}

	<-ctx.Done()
	timer := time.AfterFunc(d.opts.DrainDeadline, cancelWork)
	defer timer.Stop()
	d.wg.Wait()
	d.writes.Wait()
	d.logger.Info("notification workers stopped")
	return nil
}

// work processes ch until stop is cancelled, then drains what is queued.
func (d *Dispatcher) work(stop, ctx context.Context, ch *channel) {
	for {
		select {
		case <-stop.Done():
			for {
				select {
				case sig := <-ch.queue:
					if ctx.Err() != nil {
						return
					}
					d.deliver(ctx, ch, sig)
				default:
					return
				}
			}
		case sig := <-ch.queue:
			d.deliver(ctx, ch, sig)
		}
	}
}

// deliver runs one signal through dedup, breaker, rate limit and retries.
func (d *Dispatcher) deliver(ctx context.Context, ch *channel, sig *model.Signal) {
	id := ch.cfg.ID
	d.metrics.QueueDepth.WithLabelValues(id).Set(float64(len(ch.queue)))
	fp := sig.Fingerprint().String()
	log := d.logger.With("id", sig.ID, "channel", id, "fingerprint", fp)

	// Attempts made by an earlier process count against the budget.
	prior := 0
	if del, ok := sig.Delivery(id); ok {
		prior = del.Attempts
	}
	if prior >= ch.cfg.MaxAttempts {
		d.update(ctx, sig, id, model.DeliveryUpdate{
			State:     model.DeliveryFailed,
			Attempts:  prior,
			AttemptAt: d.now().UTC(),
			Error:     model.ReasonMaxAttempts,
		})
		d.metrics.NotificationsFailed.WithLabelValues(id).Inc()
		log.Warn("notification attempts exhausted", "attempts", prior)
		return
	}

	if d.dedup != nil && !d.dedup.Claim(ctx, id, fp, d.opts.DedupWindow) {
		d.suppress(ctx, sig, id, model.ReasonDedup, log)
		return
	}
	release := func() {
		if d.dedup != nil {
			d.dedup.Release(context.WithoutCancel(ctx), id, fp)
		}
	}

	if !ch.breaker.Allow() {
		release()
		d.suppress(ctx, sig, id, model.ReasonCircuitOpen, log)
		return
	}

	payload := NewPayload(sig)
	attempts := prior
	op := func() (struct{}, error) {
		// The first attempt uses the admission taken above.
		if attempts > prior && !ch.breaker.Allow() {
			return struct{}{}, backoff.Permanent(breaker.ErrCircuitOpen)
		}
		if err := ch.limiter.Wait(ctx); err != nil {
			ch.breaker.Release()
			return struct{}{}, backoff.Permanent(err)
		}

		attempts++
		sctx, cancel := context.WithTimeout(ctx, ch.cfg.Timeout)
		err := ch.sender.Send(sctx, payload)
		cancel()
		ch.breaker.Record(err)
		if err == nil {
			return struct{}{}, nil
		}

		log.Warn("notification attempt failed", "attempt", attempts, "error", err)
		d.update(ctx, sig, id, model.DeliveryUpdate{
			State:     model.DeliveryPending,
			Attempts:  attempts,
			AttemptAt: d.now().UTC(),
			Error:     err.Error(),
		})
		if IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(ch.backOff()),
		backoff.WithMaxTries(uint(ch.cfg.MaxAttempts-prior)),
	)

	switch {
	case err == nil:
		d.update(ctx, sig, id, model.DeliveryUpdate{
			State:     model.DeliveryDelivered,
			Attempts:  attempts,
			AttemptAt: d.now().UTC(),
		})
		d.metrics.NotificationsSent.WithLabelValues(id).Inc()
		log.Info("notification delivered", "event", "notification_delivered", "attempts", attempts)

	case errors.Is(err, breaker.ErrCircuitOpen):
		release()
		d.update(ctx, sig, id, model.DeliveryUpdate{
			State:     model.DeliveryFailed,
			Attempts:  attempts,
			AttemptAt: d.now().UTC(),
			Error:     model.ReasonCircuitOpen,
		})
		d.metrics.NotificationsFailed.WithLabelValues(id).Inc()
		log.Warn("circuit opened during retries", "attempts", attempts)

	case ctx.Err() != nil:
		// Shutdown past the drain deadline; the delivery stays PENDING.
		release()
		log.Info("notification interrupted by shutdown", "attempts", attempts)

	default:
		release()
		d.update(ctx, sig, id, model.DeliveryUpdate{
			State:     model.DeliveryFailed,
			Attempts:  attempts,
			AttemptAt: d.now().UTC(),
			Error:     err.Error(),
		})
		d.metrics.NotificationsFailed.WithLabelValues(id).Inc()
		log.Error("notification failed", "attempts", attempts, "permanent", IsPermanent(err), "error", err)
	}
}

func (d *Dispatcher) suppress(ctx context.Context, sig *model.Signal, channel, reason string, log *slog.Logger) {
	d.update(ctx, sig, channel, model.DeliveryUpdate{
		State:     model.DeliverySuppressed,
		AttemptAt: d.now().UTC(),
		Error:     reason,
	})
	d.metrics.NotificationsSuppressed.WithLabelValues(channel, reason).Inc()
	log.Info("notification suppressed", "reason", reason)
}

// update writes a delivery transition. Failures are logged; the signal
// record stays authoritative.
func (d *Dispatcher) update(ctx context.Context, sig *model.Signal, channel string, u model.DeliveryUpdate) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.RepoTimeout)
	defer cancel()
	ok, err := d.repo.UpdateDelivery(rctx, sig.ID, channel, u)
	switch {
	case err != nil:
		d.logger.Error("delivery update failed", "id", sig.ID, "channel", channel, "state", u.State, "error", err)
	case !ok:
		d.logger.Debug("delivery already terminal", "id", sig.ID, "channel", channel, "state", u.State)
	}
}

func (ch *channel) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ch.cfg.BackoffBase
	b.MaxInterval = ch.cfg.BackoffCap
	return b
}
