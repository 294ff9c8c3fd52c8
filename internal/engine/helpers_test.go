package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tadams95/4ex.ninja-sub000/internal/indicator"
	"github.com/tadams95/4ex.ninja-sub000/internal/metrics"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	redisstore "github.com/tadams95/4ex.ninja-sub000/internal/store/redis"
	"github.com/tadams95/4ex.ninja-sub000/internal/store/sqlite"
	"github.com/tadams95/4ex.ninja-sub000/internal/strategy"
)

// ────────────────────────────────────────────────────────────
// Fixture: EUR_USD H1, fast=10 slow=20 atr=14
// ────────────────────────────────────────────────────────────

var t0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var eurusdH1 = KeyConfig{
	Key:       model.Key{Instrument: "EUR_USD", Timeframe: model.H1, Fast: 10, Slow: 20},
	Indicator: indicator.Params{Fast: 10, Slow: 20, ATR: 14},
	Strategy: strategy.Params{
		SLMultiplier: d("2.0"),
		TPMultiplier: d("3.0"),
		MinATR:       d("0.00010"),
		MinRR:        d("1.5"),
	},
}

func candleAt(i int, close string, high, low decimal.Decimal) model.Candle {
	return model.Candle{
		Instrument: "EUR_USD", Timeframe: model.H1,
		OpenTime: t0.Add(time.Duration(i) * time.Hour),
		Open:     d(close), High: high, Low: low, Close: d(close),
		Volume: 100, Complete: true,
	}
}

// buyFixture returns 21 candles whose 21st close crosses fast above slow:
// previous fast = previous slow = 1.10105, then fast 1.10115 > slow 1.1011,
// with ATR(14) = 0.0004.
func buyFixture() []model.Candle {
	var out []model.Candle
	for i := 1; i <= 20; i++ {
		c, pc := "1.1010", "1.1011"
		if i%2 == 0 {
			c, pc = "1.1011", "1.1010"
		}
		if i == 1 {
			pc = c
		}
		e := d("0.00015")
		if i == 8 || i == 9 {
			e = d("0.000025")
		}
		hi := decimal.Max(d(c), d(pc)).Add(e)
		lo := decimal.Min(d(c), d(pc)).Sub(e)
		out = append(out, candleAt(i, c, hi, lo))
	}
	return append(out, candleAt(21, "1.1020", d("1.1020"), d("1.1011")))
}

// flatFixture returns five candles at 1.1020 that keep fast above slow.
func flatFixture() []model.Candle {
	var out []model.Candle
	for i := 22; i <= 26; i++ {
		out = append(out, candleAt(i, "1.1020", d("1.1022"), d("1.1018")))
	}
	return out
}

// sellFixture returns one candle whose drop crosses fast below slow.
func sellFixture() []model.Candle {
	return []model.Candle{candleAt(27, "1.0950", d("1.1020"), d("1.0950"))}
}

// clockAfter returns a clock one minute past the close of candle i.
func clockAfter(i int) func() time.Time {
	return func() time.Time { return t0.Add(time.Duration(i+1)*time.Hour + time.Minute) }
}

// ────────────────────────────────────────────────────────────
// Fakes
// ────────────────────────────────────────────────────────────

// memCache is an in-memory Indicator Cache that round-trips states through
// JSON like the Redis one.
type memCache struct {
	mu       sync.Mutex
	entries  map[string]memEntry
	getErr   error
	casErr   error
	casCalls int
}

type memEntry struct {
	version int64
	data    []byte
}

func newMemCache() *memCache { return &memCache{entries: make(map[string]memEntry)} }

func (c *memCache) Get(_ context.Context, key model.Key) (*indicator.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	e, ok := c.entries[key.String()]
	if !ok || e.data == nil {
		return nil, redisstore.ErrCacheMiss
	}
	var st indicator.State
	if err := json.Unmarshal(e.data, &st); err != nil {
		return nil, err
	}
	st.Version = e.version
	return &st, nil
}

func (c *memCache) CAS(_ context.Context, key model.Key, expected int64, st *indicator.State) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.casCalls++
	if c.casErr != nil {
		return false, c.casErr
	}
	if c.entries[key.String()].version != expected {
		return false, nil
	}
	st.Version = expected + 1
	data, err := json.Marshal(st)
	if err != nil {
		return false, err
	}
	c.entries[key.String()] = memEntry{version: expected + 1, data: data}
	return true, nil
}

func (c *memCache) Invalidate(_ context.Context, key model.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.String()] = memEntry{}
	return nil
}

func (c *memCache) setErrors(get, cas error) {
	c.mu.Lock()
	c.getErr, c.casErr = get, cas
	c.mu.Unlock()
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	sigs []*model.Signal
}

func (r *recordingEnqueuer) Enqueue(sig *model.Signal) {
	r.mu.Lock()
	r.sigs = append(r.sigs, sig)
	r.mu.Unlock()
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sigs)
}

type flakyRepo struct {
	model.SignalRepository
	insertErr error
}

func (f *flakyRepo) Insert(ctx context.Context, sig *model.Signal) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.SignalRepository.Insert(ctx, sig)
}

type flakyCandles struct {
	model.CandleReader
	failures int
	extra    []model.Candle // appended to FetchAfter results
}

var errStoreDown = errors.New("candle store: connection refused")

func (f *flakyCandles) FetchAfter(ctx context.Context, inst string, tf model.Timeframe, after time.Time, limit int) ([]model.Candle, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errStoreDown
	}
	out, err := f.CandleReader.FetchAfter(ctx, inst, tf, after, limit)
	return append(out, f.extra...), err
}

func (f *flakyCandles) FetchLatest(ctx context.Context, inst string, tf model.Timeframe, n int) ([]model.Candle, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errStoreDown
	}
	return f.CandleReader.FetchLatest(ctx, inst, tf, n)
}

// ────────────────────────────────────────────────────────────
// Harness
// ────────────────────────────────────────────────────────────

type harness struct {
	t       *testing.T
	candles *sqlite.CandleStore
	reader  *flakyCandles
	repo    *flakyRepo
	cache   *memCache
	queue   *recordingEnqueuer
	metrics *metrics.Metrics
	engine  *Engine
	ids     int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		t:       t,
		candles: sqlite.NewCandleStore(db),
		repo:    &flakyRepo{SignalRepository: sqlite.NewSignalRepository(db)},
		cache:   newMemCache(),
		queue:   &recordingEnqueuer{},
		metrics: metrics.NewNop(),
	}
	h.reader = &flakyCandles{CandleReader: h.candles}
	h.engine = h.newEngine(h.cache)
	return h
}

func (h *harness) newEngine(cache Cache) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(h.reader, cache, h.repo, h.queue, h.metrics, logger, Options{
		WarmupMargin:      10,
		RecomputeInterval: 5,
		DegradedAfter:     3,
		Channels:          []string{"log", "webhook"},
	}).WithIDs(func() string {
		h.ids++
		return fmt.Sprintf("sig-%03d", h.ids)
	})
}

func (h *harness) load(candles []model.Candle) {
	h.t.Helper()
	if err := h.candles.Upsert(context.Background(), candles); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) tickAt(i int) Result {
	h.t.Helper()
	h.engine.WithClock(clockAfter(i))
	res, err := h.engine.Tick(context.Background(), eurusdH1)
	if err != nil {
		h.t.Fatalf("tick after candle %d: %v", i, err)
	}
	return res
}

func (h *harness) signals() []model.Signal {
	h.t.Helper()
	sigs, err := h.repo.ListRecent(context.Background(), "EUR_USD", 100)
	if err != nil {
		h.t.Fatal(err)
	}
	// oldest first
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

func randomWalk(rng *rand.Rand, n int) []model.Candle {
	price := d("1.2500")
	out := make([]model.Candle, n)
	for i := range out {
		price = price.Add(decimal.New(int64(rng.Intn(61)-30), -5))
		hi := price.Add(decimal.New(int64(5+rng.Intn(40)), -5))
		lo := price.Sub(decimal.New(int64(5+rng.Intn(40)), -5))
		out[i] = candleAt(i, price.String(), hi, lo)
	}
	return out
}

func batchSMA(c []model.Candle, n int) (decimal.Decimal, error) { return indicator.BatchSMA(c, n) }
func batchATR(c []model.Candle, n int) (decimal.Decimal, error) { return indicator.BatchATR(c, n) }

func valuesOf(fast, slow, atr decimal.Decimal) indicator.Values {
	return indicator.Values{FastMA: fast, SlowMA: slow, ATR: atr}
}
