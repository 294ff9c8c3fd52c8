package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tadams95/4ex.ninja-sub000/internal/engine"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	"github.com/tadams95/4ex.ninja-sub000/internal/store/sqlite"
)

var base = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type staticKeys []engine.KeyStatus

func (s staticKeys) KeyStatuses() []engine.KeyStatus { return s }

func signal(id, instrument string, hour int) *model.Signal {
	d := decimal.RequireFromString
	return &model.Signal{
		ID: id, Instrument: instrument, Timeframe: model.H1, Direction: model.Buy,
		EntryPrice: d("1.1020"), StopLoss: d("1.1012"), TakeProfit: d("1.1032"),
		ATR: d("0.0004"), FastMA: d("1.10115"), SlowMA: d("1.1011"),
		RiskReward: d("1.5"), ValidationScore: d("0.5"),
		SourceOpenTime: base.Add(time.Duration(hour) * time.Hour),
		EmittedAt:      base.Add(time.Duration(hour+1) * time.Hour),
		Deliveries:     []model.Delivery{{ChannelID: "log", State: model.DeliveryPending}},
	}
}

func newServer(t *testing.T, keys KeyLister) (*httptest.Server, *sqlite.SignalRepository) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	repo := sqlite.NewSignalRepository(db)

	srv := httptest.NewServer(NewRouter(repo, keys, discard()))
	t.Cleanup(srv.Close)
	return srv, repo
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestSignals(t *testing.T) {
	srv, repo := newServer(t, staticKeys(nil))
	ctx := context.Background()
	for i, s := range []*model.Signal{
		signal("a", "EUR_USD", 1), signal("b", "GBP_USD", 2), signal("c", "EUR_USD", 3),
	} {
		if err := repo.Insert(ctx, s); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	var body struct {
		Signals []model.Signal `json:"signals"`
		Count   int            `json:"count"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/signals", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body.Count != 3 || body.Signals[0].ID != "c" {
		t.Errorf("expected newest first, got %+v", body)
	}

	if getJSON(t, srv.URL+"/api/v1/signals?instrument=eur_usd&limit=1", &body); body.Count != 1 || body.Signals[0].ID != "c" {
		t.Errorf("filtered: %+v", body)
	}
	if !body.Signals[0].EntryPrice.Equal(decimal.RequireFromString("1.102")) {
		t.Errorf("entry price = %s", body.Signals[0].EntryPrice)
	}

	for _, bad := range []string{"0", "-3", "ten"} {
		if code := getJSON(t, srv.URL+"/api/v1/signals?limit="+bad, nil); code != http.StatusBadRequest {
			t.Errorf("limit=%s: status %d", bad, code)
		}
	}
}

func TestSignals_EmptyIsArray(t *testing.T) {
	srv, _ := newServer(t, staticKeys(nil))
	resp, err := http.Get(srv.URL + "/api/v1/signals?instrument=USD_JPY")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != "{\"count\":0,\"signals\":[]}\n" {
		t.Errorf("body = %s", raw)
	}
}

type failingRepo struct{ model.SignalRepository }

func (failingRepo) ListRecent(context.Context, string, int) ([]model.Signal, error) {
	return nil, errors.New("database is locked")
}

func TestSignals_RepositoryDown(t *testing.T) {
	srv := httptest.NewServer(NewRouter(failingRepo{}, staticKeys(nil), discard()))
	defer srv.Close()
	if code := getJSON(t, srv.URL+"/api/v1/signals", nil); code != http.StatusServiceUnavailable {
		t.Errorf("status %d", code)
	}
}

func TestKeys(t *testing.T) {
	srv, _ := newServer(t, staticKeys{
		{Key: "EUR_USD:H1:10:20", State: engine.StateReady, SignalsEmitted: 2},
		{Key: "GBP_USD:H1:10:20", State: engine.StateDegraded, ConsecutiveErrors: 3, LastError: "timeout"},
	})

	var body struct {
		Keys []map[string]any `json:"keys"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/keys", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(body.Keys) != 2 {
		t.Fatalf("keys = %+v", body.Keys)
	}
	if body.Keys[0]["state"] != "READY" || body.Keys[1]["state"] != "DEGRADED" {
		t.Errorf("states: %v, %v", body.Keys[0]["state"], body.Keys[1]["state"])
	}
	if body.Keys[1]["last_error"] != "timeout" {
		t.Errorf("last_error = %v", body.Keys[1]["last_error"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newServer(t, staticKeys(nil))
	resp, err := http.Post(srv.URL+"/api/v1/signals", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status %d", resp.StatusCode)
	}
}
