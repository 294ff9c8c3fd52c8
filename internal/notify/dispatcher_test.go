package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/tadams95/4ex.ninja-sub000/internal/breaker"
	"github.com/tadams95/4ex.ninja-sub000/internal/metrics"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	redisstore "github.com/tadams95/4ex.ninja-sub000/internal/store/redis"
	"github.com/tadams95/4ex.ninja-sub000/internal/store/sqlite"
)

var base = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

var errUpstream = errors.New("502 bad gateway")

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testSignal(hour int, channels ...string) *model.Signal {
	d := decimal.RequireFromString
	sig := &model.Signal{
		ID: "sig-" + strconv.Itoa(hour), Instrument: "EUR_USD", Timeframe: model.H1, Direction: model.Buy,
		EntryPrice: d("1.1020"), StopLoss: d("1.1012"), TakeProfit: d("1.1032"),
		ATR: d("0.0004"), FastMA: d("1.10115"), SlowMA: d("1.1011"),
		RiskReward: d("1.5"), ValidationScore: d("0.5"),
		SourceOpenTime: base.Add(time.Duration(hour) * time.Hour),
		EmittedAt:      base.Add(time.Duration(hour+1) * time.Hour),
	}
	for _, ch := range channels {
		sig.Deliveries = append(sig.Deliveries, model.Delivery{ChannelID: ch, State: model.DeliveryPending})
	}
	return sig
}

// scriptedSender returns script[i] on call i and fallback afterwards.
type scriptedSender struct {
	id       string
	mu       sync.Mutex
	script   []error
	fallback error
	calls    int
}

func (s *scriptedSender) ID() string { return s.id }

func (s *scriptedSender) Send(_ context.Context, _ Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= len(s.script) {
		return s.script[s.calls-1]
	}
	return s.fallback
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	t       *testing.T
	repo    *sqlite.SignalRepository
	metrics *metrics.Metrics
	disp    *Dispatcher
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "notify.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{t: t, repo: sqlite.NewSignalRepository(db), metrics: metrics.NewNop()}
	f.disp = NewDispatcher(f.repo, redisstore.NewDedup(nil, time.Second, discard()), f.metrics, discard(), opts)
	return f
}

func (f *fixture) store(sig *model.Signal) *model.Signal {
	f.t.Helper()
	if err := f.repo.Insert(context.Background(), sig); err != nil {
		f.t.Fatal(err)
	}
	return sig
}

// run starts the dispatcher and stops it when the test ends.
func (f *fixture) run() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.disp.Run(ctx)
		close(done)
	}()
	f.t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) delivery(sig *model.Signal, channel string) model.Delivery {
	f.t.Helper()
	got, err := f.repo.GetByFingerprint(context.Background(), sig.Fingerprint())
	if err != nil || got == nil {
		f.t.Fatalf("signal %s not found: %v", sig.ID, err)
	}
	del, ok := got.Delivery(channel)
	if !ok {
		f.t.Fatalf("signal %s has no %s delivery", sig.ID, channel)
	}
	return del
}

// waitTerminal polls until the delivery leaves PENDING.
func (f *fixture) waitTerminal(sig *model.Signal, channel string) model.Delivery {
	f.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if del := f.delivery(sig, channel); del.State.Terminal() {
			return del
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.t.Fatalf("delivery %s/%s still pending", sig.ID, channel)
	return model.Delivery{}
}

func fastRetry(id string) ChannelConfig {
	return ChannelConfig{
		ID:               id,
		MaxAttempts:      5,
		BackoffBase:      time.Millisecond,
		BackoffCap:       5 * time.Millisecond,
		CircuitThreshold: 10,
		CircuitCooldown:  time.Hour,
		QueueSize:        8,
		Timeout:          time.Second,
	}
}

func TestDispatcher_RetriesUntilDelivered(t *testing.T) {
	f := newFixture(t, Options{})
	sender := &scriptedSender{id: "hook", script: []error{errUpstream, errUpstream, errUpstream}}
	if err := f.disp.Register(fastRetry("hook"), sender); err != nil {
		t.Fatal(err)
	}
	f.run()

	sig := f.store(testSignal(21, "hook"))
	f.disp.Enqueue(sig)

	del := f.waitTerminal(sig, "hook")
	if del.State != model.DeliveryDelivered {
		t.Fatalf("expected DELIVERED, got %s (%s)", del.State, del.LastError)
	}
	if del.Attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", del.Attempts)
	}
	if sender.callCount() != 4 {
		t.Errorf("expected 4 sends, got %d", sender.callCount())
	}
	if got := testutil.ToFloat64(f.metrics.NotificationsSent.WithLabelValues("hook")); got != 1 {
		t.Errorf("notifications_sent = %v", got)
	}
}

func TestDispatcher_OpenCircuitSuppressesWithoutCalls(t *testing.T) {
	f := newFixture(t, Options{})
	cfg := fastRetry("hook")
	cfg.CircuitThreshold = 5
	sender := &scriptedSender{id: "hook", fallback: errUpstream}
	if err := f.disp.Register(cfg, sender); err != nil {
		t.Fatal(err)
	}
	f.run()

	first := f.store(testSignal(21, "hook"))
	f.disp.Enqueue(first)
	if del := f.waitTerminal(first, "hook"); del.State != model.DeliveryFailed || del.Attempts != 5 {
		t.Fatalf("expected FAILED after 5 attempts, got %+v", del)
	}
	if st, _ := f.disp.CircuitState("hook"); st != breaker.StateOpen {
		t.Fatalf("expected open circuit after 5 failures, got %v", st)
	}

	later := []*model.Signal{f.store(testSignal(22, "hook")), f.store(testSignal(23, "hook"))}
	for _, sig := range later {
		f.disp.Enqueue(sig)
	}
	for _, sig := range later {
		del := f.waitTerminal(sig, "hook")
		if del.State != model.DeliverySuppressed || del.LastError != model.ReasonCircuitOpen || del.Attempts != 0 {
			t.Errorf("expected SUPPRESSED(circuit_open) without attempts, got %+v", del)
		}
	}
	if sender.callCount() != 5 {
		t.Errorf("open circuit must not call the channel: %d calls", sender.callCount())
	}
	if got := testutil.ToFloat64(f.metrics.CircuitOpenings.WithLabelValues("hook")); got != 1 {
		t.Errorf("circuit_openings = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.NotificationsSuppressed.WithLabelValues("hook", model.ReasonCircuitOpen)); got != 2 {
		t.Errorf("notifications_suppressed = %v", got)
	}
}

func TestDispatcher_CircuitOpeningMidRetryFails(t *testing.T) {
	f := newFixture(t, Options{})
	cfg := fastRetry("hook")
	cfg.CircuitThreshold = 3
	sender := &scriptedSender{id: "hook", fallback: errUpstream}
	if err := f.disp.Register(cfg, sender); err != nil {
		t.Fatal(err)
	}
	f.run()

	sig := f.store(testSignal(21, "hook"))
	f.disp.Enqueue(sig)
	del := f.waitTerminal(sig, "hook")
	if del.State != model.DeliveryFailed || del.LastError != model.ReasonCircuitOpen || del.Attempts != 3 {
		t.Fatalf("expected FAILED(circuit_open) after 3 attempts, got %+v", del)
	}
}

func TestDispatcher_PermanentErrorStopsRetries(t *testing.T) {
	f := newFixture(t, Options{})
	sender := &scriptedSender{id: "hook", fallback: Permanent(errors.New("401 unauthorized"))}
	if err := f.disp.Register(fastRetry("hook"), sender); err != nil {
		t.Fatal(err)
	}
	f.run()

	sig := f.store(testSignal(21, "hook"))
	f.disp.Enqueue(sig)
	del := f.waitTerminal(sig, "hook")
	if del.State != model.DeliveryFailed || del.Attempts != 1 {
		t.Fatalf("expected FAILED after one attempt, got %+v", del)
	}
	if del.LastError != "401 unauthorized" {
		t.Errorf("last_error = %q", del.LastError)
	}
}

func TestDispatcher_QueueOverflowFailsDelivery(t *testing.T) {
	f := newFixture(t, Options{})
	cfg := fastRetry("hook")
	cfg.QueueSize = 1
	if err := f.disp.Register(cfg, &scriptedSender{id: "hook"}); err != nil {
		t.Fatal(err)
	}
	// Not running: the queue fills up.
	queued := f.store(testSignal(21, "hook"))
	dropped := f.store(testSignal(22, "hook"))
	f.disp.Enqueue(queued)
	f.disp.Enqueue(dropped)
	f.disp.Wait()

	if del := f.delivery(dropped, "hook"); del.State != model.DeliveryFailed || del.LastError != model.ReasonQueueOverflow {
		t.Fatalf("expected FAILED(queue_overflow), got %+v", del)
	}
	if del := f.delivery(queued, "hook"); del.State != model.DeliveryPending {
		t.Errorf("queued delivery should stay PENDING, got %s", del.State)
	}
	if got := testutil.ToFloat64(f.metrics.NotificationsDropped.WithLabelValues("hook")); got != 1 {
		t.Errorf("notifications_dropped = %v", got)
	}
}

// blockingRepo holds UpdateDelivery until release is closed.
type blockingRepo struct {
	model.SignalRepository
	release chan struct{}
}

func (r *blockingRepo) UpdateDelivery(ctx context.Context, signalID, channelID string, u model.DeliveryUpdate) (bool, error) {
	<-r.release
	return r.SignalRepository.UpdateDelivery(ctx, signalID, channelID, u)
}

func TestDispatcher_QueueOverflowDoesNotBlockEnqueue(t *testing.T) {
	f := newFixture(t, Options{RepoTimeout: time.Minute})
	repo := &blockingRepo{SignalRepository: f.repo, release: make(chan struct{})}
	f.disp = NewDispatcher(repo, nil, f.metrics, discard(), Options{RepoTimeout: time.Minute})
	cfg := fastRetry("hook")
	cfg.QueueSize = 1
	if err := f.disp.Register(cfg, &scriptedSender{id: "hook"}); err != nil {
		t.Fatal(err)
	}
	queued := f.store(testSignal(21, "hook"))
	dropped := f.store(testSignal(22, "hook"))
	f.disp.Enqueue(queued)

	returned := make(chan struct{})
	go func() {
		f.disp.Enqueue(dropped)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		close(repo.release)
		t.Fatal("Enqueue blocked on the overflow update")
	}

	close(repo.release)
	f.disp.Wait()
	if del := f.delivery(dropped, "hook"); del.State != model.DeliveryFailed || del.LastError != model.ReasonQueueOverflow {
		t.Fatalf("expected FAILED(queue_overflow), got %+v", del)
	}
}

func TestDispatcher_DedupSuppressesRepeatDelivery(t *testing.T) {
	f := newFixture(t, Options{DedupWindow: 15 * time.Minute})
	sender := &scriptedSender{id: "hook"}
	if err := f.disp.Register(fastRetry("hook"), sender); err != nil {
		t.Fatal(err)
	}
	sig := f.store(testSignal(21, "hook"))
	f.disp.Enqueue(sig)
	f.disp.Enqueue(sig)
	f.run()

	if del := f.waitTerminal(sig, "hook"); del.State != model.DeliveryDelivered {
		t.Fatalf("expected DELIVERED, got %+v", del)
	}
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(f.metrics.NotificationsSuppressed.WithLabelValues("hook", model.ReasonDedup)) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("second copy was not suppressed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sender.callCount() != 1 {
		t.Errorf("expected one send, got %d", sender.callCount())
	}
	if del := f.delivery(sig, "hook"); del.State != model.DeliveryDelivered {
		t.Errorf("suppression must not overwrite a terminal state, got %s", del.State)
	}
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestDispatcher_HalfOpenProbeClosesCircuit(t *testing.T) {
	f := newFixture(t, Options{})
	clk := &manualClock{t: base}
	cfg := fastRetry("hook")
	cfg.MaxAttempts = 1
	cfg.CircuitThreshold = 1
	cfg.CircuitCooldown = time.Minute
	sender := &scriptedSender{id: "hook", script: []error{errUpstream}}
	if err := f.disp.Register(cfg, sender); err != nil {
		t.Fatal(err)
	}
	f.disp.WithClock(clk.now)
	f.run()

	first := f.store(testSignal(21, "hook"))
	f.disp.Enqueue(first)
	if del := f.waitTerminal(first, "hook"); del.State != model.DeliveryFailed {
		t.Fatalf("expected FAILED, got %+v", del)
	}

	clk.advance(time.Minute)
	probe := f.store(testSignal(22, "hook"))
	f.disp.Enqueue(probe)
	if del := f.waitTerminal(probe, "hook"); del.State != model.DeliveryDelivered {
		t.Fatalf("expected probe to be delivered, got %+v", del)
	}
	if st, _ := f.disp.CircuitState("hook"); st != breaker.StateClosed {
		t.Errorf("expected closed circuit, got %v", st)
	}
}

func TestDispatcher_ChannelsAreIsolated(t *testing.T) {
	f := newFixture(t, Options{})
	bad := &scriptedSender{id: "bad", fallback: Permanent(errors.New("410 gone"))}
	good := &scriptedSender{id: "good"}
	for _, s := range []*scriptedSender{bad, good} {
		if err := f.disp.Register(fastRetry(s.id), s); err != nil {
			t.Fatal(err)
		}
	}
	f.run()

	sig := f.store(testSignal(21, "bad", "good"))
	f.disp.Enqueue(sig)
	if del := f.waitTerminal(sig, "good"); del.State != model.DeliveryDelivered {
		t.Errorf("good channel: %+v", del)
	}
	if del := f.waitTerminal(sig, "bad"); del.State != model.DeliveryFailed {
		t.Errorf("bad channel: %+v", del)
	}
}

func TestDispatcher_RecoverPending(t *testing.T) {
	f := newFixture(t, Options{})
	sender := &scriptedSender{id: "hook"}
	if err := f.disp.Register(fastRetry("hook"), sender); err != nil {
		t.Fatal(err)
	}

	pending := f.store(testSignal(21, "hook"))
	done := f.store(testSignal(22, "hook"))
	if _, err := f.repo.UpdateDelivery(context.Background(), done.ID, "hook",
		model.DeliveryUpdate{State: model.DeliveryDelivered, Attempts: 1, AttemptAt: base}); err != nil {
		t.Fatal(err)
	}

	n, err := f.disp.RecoverPending(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered signal, got %d", n)
	}
	f.run()
	if del := f.waitTerminal(pending, "hook"); del.State != model.DeliveryDelivered {
		t.Fatalf("expected recovered delivery, got %+v", del)
	}
	if sender.callCount() != 1 {
		t.Errorf("expected one send, got %d", sender.callCount())
	}
}

func TestDispatcher_RecoverPendingKeepsAttemptBudget(t *testing.T) {
	f := newFixture(t, Options{})
	sender := &scriptedSender{id: "hook", fallback: errUpstream}
	if err := f.disp.Register(fastRetry("hook"), sender); err != nil {
		t.Fatal(err)
	}

	// Left by a previous process: one attempt left, and none left.
	partial := f.store(testSignal(21, "hook"))
	spent := f.store(testSignal(22, "hook"))
	for sig, n := range map[*model.Signal]int{partial: 4, spent: 5} {
		if _, err := f.repo.UpdateDelivery(context.Background(), sig.ID, "hook", model.DeliveryUpdate{
			State: model.DeliveryPending, Attempts: n, AttemptAt: base, Error: errUpstream.Error(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	f.run()
	if n, err := f.disp.RecoverPending(context.Background(), 100); err != nil || n != 2 {
		t.Fatalf("RecoverPending = %d, %v", n, err)
	}

	del := f.waitTerminal(partial, "hook")
	if del.State != model.DeliveryFailed || del.Attempts != 5 {
		t.Errorf("partial: expected FAILED after 5 attempts, got %+v", del)
	}
	del = f.waitTerminal(spent, "hook")
	if del.State != model.DeliveryFailed || del.Attempts != 5 || del.LastError != model.ReasonMaxAttempts {
		t.Errorf("spent: expected FAILED(%s) at 5 attempts, got %+v", model.ReasonMaxAttempts, del)
	}
	if sender.callCount() != 1 {
		t.Errorf("expected a single send across both signals, got %d", sender.callCount())
	}
}

func TestDispatcher_RecoverPendingWaitsForQueueSpace(t *testing.T) {
	f := newFixture(t, Options{})
	sender := &scriptedSender{id: "hook"}
	cfg := fastRetry("hook")
	cfg.QueueSize = 2
	if err := f.disp.Register(cfg, sender); err != nil {
		t.Fatal(err)
	}
	var sigs []*model.Signal
	for h := 0; h < 10; h++ {
		sigs = append(sigs, f.store(testSignal(h, "hook")))
	}

	f.run()
	n, err := f.disp.RecoverPending(context.Background(), 100)
	if err != nil || n != len(sigs) {
		t.Fatalf("RecoverPending = %d, %v", n, err)
	}
	for _, sig := range sigs {
		if del := f.waitTerminal(sig, "hook"); del.State != model.DeliveryDelivered {
			t.Errorf("%s: expected DELIVERED, got %s (%s)", sig.ID, del.State, del.LastError)
		}
	}
	if got := testutil.ToFloat64(f.metrics.NotificationsDropped.WithLabelValues("hook")); got != 0 {
		t.Errorf("notifications_dropped = %v", got)
	}
}

func TestDispatcher_RecoverPendingStopsWithContext(t *testing.T) {
	f := newFixture(t, Options{})
	cfg := fastRetry("hook")
	cfg.QueueSize = 1
	if err := f.disp.Register(cfg, &scriptedSender{id: "hook"}); err != nil {
		t.Fatal(err)
	}
	for h := 0; h < 3; h++ {
		f.store(testSignal(h, "hook"))
	}

	// No workers: the second signal cannot be queued.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	n, err := f.disp.RecoverPending(ctx, 100)
	if !errors.Is(err, context.DeadlineExceeded) || n != 1 {
		t.Fatalf("RecoverPending = %d, %v", n, err)
	}
	pending, err := f.repo.ListPending(context.Background(), 100)
	if err != nil || len(pending) != 3 {
		t.Errorf("all deliveries should stay PENDING, got %d (%v)", len(pending), err)
	}
}

func TestDispatcher_DrainsQueueOnShutdown(t *testing.T) {
	f := newFixture(t, Options{DrainDeadline: 5 * time.Second})
	sender := &scriptedSender{id: "hook"}
	if err := f.disp.Register(fastRetry("hook"), sender); err != nil {
		t.Fatal(err)
	}
	var sigs []*model.Signal
	for h := 21; h < 24; h++ {
		sig := f.store(testSignal(h, "hook"))
		sigs = append(sigs, sig)
		f.disp.Enqueue(sig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.disp.Run(ctx); err != nil {
		t.Fatal(err)
	}
	for _, sig := range sigs {
		if del := f.delivery(sig, "hook"); del.State != model.DeliveryDelivered {
			t.Errorf("%s: expected DELIVERED after drain, got %s", sig.ID, del.State)
		}
	}
}

func TestDispatcher_RegisterRejectsDuplicate(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.disp.Register(fastRetry("hook"), &scriptedSender{id: "hook"}); err != nil {
		t.Fatal(err)
	}
	if err := f.disp.Register(fastRetry("hook"), &scriptedSender{id: "hook"}); err == nil {
		t.Fatal("expected duplicate channel error")
	}
}
