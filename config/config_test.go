package config

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tadams95/4ex.ninja-sub000/internal/engine"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"ENGINE_CONFIG", "REDIS_ADDR", "REDIS_DB", "SIGNAL_STORE", "LOG_LEVEL", "HTTP_ADDR"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" || cfg.RedisDB != 0 {
		t.Errorf("redis = %s/%d", cfg.RedisAddr, cfg.RedisDB)
	}
	if cfg.SignalStore != StoreSQLite || cfg.HTTPAddr != ":9090" {
		t.Errorf("store=%s http=%s", cfg.SignalStore, cfg.HTTPAddr)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("level = %v", cfg.LogLevel)
	}
	if cfg.InstanceID == "" {
		t.Error("expected a default instance id")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REDIS_DB", "2")
	t.Setenv("SIGNAL_STORE", "Postgres")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/signals")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("INSTANCE_ID", "worker-a")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisDB != 2 || cfg.SignalStore != StorePostgres || cfg.InstanceID != "worker-a" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("level = %v", cfg.LogLevel)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad redis db", map[string]string{"REDIS_DB": "one"}},
		{"bad level", map[string]string{"LOG_LEVEL": "chatty"}},
		{"unknown store", map[string]string{"SIGNAL_STORE": "mongo"}},
		{"postgres without dsn", map[string]string{"SIGNAL_STORE": "postgres", "POSTGRES_DSN": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadEngine(t *testing.T) {
	t.Setenv("TEST_TELEGRAM_TOKEN", "123:abc")
	cfg, err := LoadEngine("testdata/engine.yaml")
	if err != nil {
		t.Fatalf("LoadEngine: %v", err)
	}

	if cfg.WorkerPoolSize != 8 || cfg.TickTimeout != 20*time.Second || cfg.LeaseTTL != 45*time.Second {
		t.Errorf("scheduler settings: %+v", cfg)
	}
	if cfg.DedupWindow != 12*time.Hour || cfg.DegradedAfter != 4 {
		t.Errorf("dedup_window=%s degraded_after=%d", cfg.DedupWindow, cfg.DegradedAfter)
	}
	// Unset values take defaults.
	if cfg.RepoTimeout != 5*time.Second || cfg.CacheTTL != 7*24*time.Hour {
		t.Errorf("repo_timeout=%s cache_ttl=%s", cfg.RepoTimeout, cfg.CacheTTL)
	}

	if got := cfg.ChannelIDs(); strings.Join(got, ",") != "log,discord,telegram" {
		t.Errorf("channel ids = %v", got)
	}
	discord := cfg.Channels[1].Policy()
	if discord.RateLimit.Tokens != 5 || discord.RateLimit.Window != 2*time.Second || discord.CircuitThreshold != 3 {
		t.Errorf("discord policy = %+v", discord)
	}
	if cfg.Channels[1].Webhook.Format != "discord" {
		t.Errorf("webhook format = %q", cfg.Channels[1].Webhook.Format)
	}
	if tg := cfg.Channels[2].Telegram; tg.Token != "123:abc" || tg.ChatID != -1001234 {
		t.Errorf("telegram = %+v", tg)
	}
}

func TestEngineConfig_Keys(t *testing.T) {
	t.Setenv("TEST_TELEGRAM_TOKEN", "123:abc")
	cfg, err := LoadEngine("testdata/engine.yaml")
	if err != nil {
		t.Fatal(err)
	}
	keys := cfg.Keys()
	if len(keys) != 4 {
		t.Fatalf("expected 4 keys, got %d", len(keys))
	}

	byName := make(map[string]engine.KeyConfig)
	for _, kc := range keys {
		byName[kc.Key.Instrument+":"+string(kc.Key.Timeframe)] = kc
	}

	eur := byName["EUR_USD:H1"]
	if eur.Key.String() != "EUR_USD:H1:10:20" || eur.Indicator.ATR != 14 {
		t.Errorf("EUR_USD:H1 = %+v", eur)
	}
	if !eur.Strategy.SLMultiplier.Equal(decimal.NewFromInt(2)) || !eur.Strategy.MinRR.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("EUR_USD:H1 strategy = %+v", eur.Strategy)
	}

	gbp := byName["GBP_USD:H4"]
	if gbp.Key.Fast != 5 || gbp.Indicator.Fast != 5 || gbp.Key.Slow != 20 {
		t.Errorf("override not applied: %+v", gbp)
	}
	if !gbp.Strategy.MinATR.Equal(decimal.RequireFromString("0.0005")) {
		t.Errorf("override min_atr = %s", gbp.Strategy.MinATR)
	}
	if gbp.Key.Timeframe != model.H4 {
		t.Errorf("timeframe = %s", gbp.Key.Timeframe)
	}
}

const minimal = `
instruments: [EUR_USD]
timeframes: [H1]
strategy: {fast_period: 10, slow_period: 20, atr_period: 14, sl_atr_multiplier: 2, tp_atr_multiplier: 3, min_atr_value: 0.0001, min_rr_ratio: 1.5}
`

func TestParseEngine_Minimal(t *testing.T) {
	cfg, err := ParseEngine(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("ParseEngine: %v", err)
	}
	if cfg.LeaseTTL != 2*cfg.TickTimeout {
		t.Errorf("lease_ttl default = %s", cfg.LeaseTTL)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].Type != ChannelLog {
		t.Errorf("default channels = %+v", cfg.Channels)
	}
}

func TestParseEngine_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{"unknown key", "fast_mode: true\n", "field fast_mode not found"},
		{"lease not above timeout", "tick_timeout: 30s\nlease_ttl: 30s\n", "lease_ttl"},
		{"unknown channel type", "channels: [{id: x, type: pager}]\n", "unknown type"},
		{"webhook without url", "channels: [{id: x, type: webhook}]\n", "webhook.url"},
		{"duplicate channel", "channels: [{id: a, type: log}, {id: a, type: log}]\n", "duplicate id"},
		{"override unknown series", "overrides: {\"USD_JPY:H1\": {fast_period: 5}}\n", "USD_JPY:H1"},
		{"override breaks periods", "overrides: {\"EUR_USD:H1\": {fast_period: 30}}\n", "fast period"},
		{"negative jitter", "max_jitter: -1s\n", "max_jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEngine(strings.NewReader(minimal + tt.extra))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, engine.ErrConfiguration) {
				t.Errorf("error does not wrap ErrConfiguration: %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseEngine_BadTimeframe(t *testing.T) {
	_, err := ParseEngine(strings.NewReader(strings.Replace(minimal, "[H1]", "[H2]", 1)))
	if err == nil || !strings.Contains(err.Error(), "H2") {
		t.Errorf("expected unsupported timeframe error, got %v", err)
	}
}
