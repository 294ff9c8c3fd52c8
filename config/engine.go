package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tadams95/4ex.ninja-sub000/internal/engine"
	"github.com/tadams95/4ex.ninja-sub000/internal/indicator"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	"github.com/tadams95/4ex.ninja-sub000/internal/notify"
	"github.com/tadams95/4ex.ninja-sub000/internal/strategy"
)

// Channel types.
const (
	ChannelLog       = "log"
	ChannelWebhook   = "webhook"
	ChannelTelegram  = "telegram"
	ChannelEmail     = "email"
	ChannelKafka     = "kafka"
	ChannelRedis     = "redis"
	ChannelWebsocket = "websocket"
)

var instrumentPattern = regexp.MustCompile(`^[A-Z0-9]{3,6}_[A-Z0-9]{3,6}$`)

// StrategyConfig holds the indicator periods and risk parameters of the
// MA crossover.
type StrategyConfig struct {
	FastPeriod   int             `yaml:"fast_period"`
	SlowPeriod   int             `yaml:"slow_period"`
	ATRPeriod    int             `yaml:"atr_period"`
	SLMultiplier decimal.Decimal `yaml:"sl_atr_multiplier"`
	TPMultiplier decimal.Decimal `yaml:"tp_atr_multiplier"`
	MinATR       decimal.Decimal `yaml:"min_atr_value"`
	MinRR        decimal.Decimal `yaml:"min_rr_ratio"`
}

// StrategyOverride replaces individual strategy settings for one
// INSTRUMENT:TF series. Unset fields inherit the defaults.
type StrategyOverride struct {
	FastPeriod   *int             `yaml:"fast_period"`
	SlowPeriod   *int             `yaml:"slow_period"`
	ATRPeriod    *int             `yaml:"atr_period"`
	SLMultiplier *decimal.Decimal `yaml:"sl_atr_multiplier"`
	TPMultiplier *decimal.Decimal `yaml:"tp_atr_multiplier"`
	MinATR       *decimal.Decimal `yaml:"min_atr_value"`
	MinRR        *decimal.Decimal `yaml:"min_rr_ratio"`
}

func (s StrategyConfig) apply(o StrategyOverride) StrategyConfig {
	if o.FastPeriod != nil {
		s.FastPeriod = *o.FastPeriod
	}
	if o.SlowPeriod != nil {
		s.SlowPeriod = *o.SlowPeriod
	}
	if o.ATRPeriod != nil {
		s.ATRPeriod = *o.ATRPeriod
	}
	if o.SLMultiplier != nil {
		s.SLMultiplier = *o.SLMultiplier
	}
	if o.TPMultiplier != nil {
		s.TPMultiplier = *o.TPMultiplier
	}
	if o.MinATR != nil {
		s.MinATR = *o.MinATR
	}
	if o.MinRR != nil {
		s.MinRR = *o.MinRR
	}
	return s
}

func (s StrategyConfig) indicatorParams() indicator.Params {
	return indicator.Params{Fast: s.FastPeriod, Slow: s.SlowPeriod, ATR: s.ATRPeriod}
}

func (s StrategyConfig) strategyParams() strategy.Params {
	return strategy.Params{
		SLMultiplier: s.SLMultiplier,
		TPMultiplier: s.TPMultiplier,
		MinATR:       s.MinATR,
		MinRR:        s.MinRR,
	}
}

// WebhookSettings configure a webhook channel.
type WebhookSettings struct {
	URL    string `yaml:"url"`
	Format string `yaml:"format"` // generic | discord | slack
}

// TelegramSettings configure a Telegram channel.
type TelegramSettings struct {
	Token    string `yaml:"token"`
	ChatID   int64  `yaml:"chat_id"`
	Endpoint string `yaml:"endpoint"`
}

// EmailSettings configure an SMTP channel.
type EmailSettings struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// KafkaSettings configure a Kafka channel.
type KafkaSettings struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ChannelConfig is one notification channel: its delivery policy plus the
// settings section matching its type.
type ChannelConfig struct {
	ID               string           `yaml:"id"`
	Type             string           `yaml:"type"`
	RateLimit        notify.RateLimit `yaml:"rate_limit"`
	MaxAttempts      int              `yaml:"max_attempts"`
	BackoffBase      time.Duration    `yaml:"backoff_base"`
	BackoffCap       time.Duration    `yaml:"backoff_cap"`
	CircuitThreshold int              `yaml:"circuit_threshold"`
	CircuitCooldown  time.Duration    `yaml:"circuit_cooldown"`
	QueueSize        int              `yaml:"queue_size"`
	Timeout          time.Duration    `yaml:"timeout"`

	Webhook  *WebhookSettings  `yaml:"webhook"`
	Telegram *TelegramSettings `yaml:"telegram"`
	Email    *EmailSettings    `yaml:"email"`
	Kafka    *KafkaSettings    `yaml:"kafka"`
}

// Policy returns the dispatcher policy of the channel.
func (c ChannelConfig) Policy() notify.ChannelConfig {
	return notify.ChannelConfig{
		ID:               c.ID,
		RateLimit:        c.RateLimit,
		MaxAttempts:      c.MaxAttempts,
		BackoffBase:      c.BackoffBase,
		BackoffCap:       c.BackoffCap,
		CircuitThreshold: c.CircuitThreshold,
		CircuitCooldown:  c.CircuitCooldown,
		QueueSize:        c.QueueSize,
		Timeout:          c.Timeout,
	}
}

func (c ChannelConfig) validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.BackoffCap > 0 && c.BackoffBase > c.BackoffCap {
		return fmt.Errorf("backoff_base %s exceeds backoff_cap %s", c.BackoffBase, c.BackoffCap)
	}
	if c.MaxAttempts < 0 || c.QueueSize < 0 || c.CircuitThreshold < 0 || c.RateLimit.Tokens < 0 {
		return errors.New("max_attempts, queue_size, circuit_threshold and rate_limit.tokens must not be negative")
	}
	switch c.Type {
	case ChannelLog, ChannelRedis, ChannelWebsocket:
	case ChannelWebhook:
		if c.Webhook == nil || c.Webhook.URL == "" {
			return errors.New("webhook.url is required")
		}
	case ChannelTelegram:
		if c.Telegram == nil || c.Telegram.Token == "" || c.Telegram.ChatID == 0 {
			return errors.New("telegram.token and telegram.chat_id are required")
		}
	case ChannelEmail:
		if c.Email == nil || c.Email.Host == "" || c.Email.From == "" || len(c.Email.To) == 0 {
			return errors.New("email.host, email.from and email.to are required")
		}
	case ChannelKafka:
		if c.Kafka == nil || len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return errors.New("kafka.brokers and kafka.topic are required")
		}
	default:
		return fmt.Errorf("unknown type %q", c.Type)
	}
	return nil
}

// EngineConfig is the YAML engine definition.
type EngineConfig struct {
	Instruments []string                    `yaml:"instruments"`
	Timeframes  []model.Timeframe           `yaml:"timeframes"`
	Strategy    StrategyConfig              `yaml:"strategy"`
	Overrides   map[string]StrategyOverride `yaml:"overrides"` // keyed by INSTRUMENT:TF

	WorkerPoolSize int           `yaml:"worker_pool_size"`
	TickTimeout    time.Duration `yaml:"tick_timeout"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	MaxJitter      time.Duration `yaml:"max_jitter"`

	CandleTimeout time.Duration `yaml:"candle_timeout"`
	CacheTimeout  time.Duration `yaml:"cache_timeout"`
	RepoTimeout   time.Duration `yaml:"repo_timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`

	Channels      []ChannelConfig `yaml:"channels"`
	DedupWindow   time.Duration   `yaml:"dedup_window"`
	DrainDeadline time.Duration   `yaml:"drain_deadline"`

	ColdStartWarmupMargin        int `yaml:"cold_start_warmup_margin"`
	IncrementalRecomputeInterval int `yaml:"incremental_recompute_interval"`
	DegradedAfter                int `yaml:"degraded_after"`
}

// LoadEngine reads and validates the engine definition at path.
func LoadEngine(path string) (*EngineConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open engine config: %v", engine.ErrConfiguration, err)
	}
	defer f.Close()
	return ParseEngine(f)
}

// ParseEngine decodes an engine definition. ${VAR} references are expanded
// from the environment so secrets stay out of the file. Unknown keys are
// rejected.
func ParseEngine(r io.Reader) (*EngineConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read engine config: %v", engine.ErrConfiguration, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	dec.KnownFields(true)

	var cfg EngineConfig
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse engine config: %v", engine.ErrConfiguration, err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *EngineConfig) setDefaults() {
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = 4
	}
	if c.TickTimeout == 0 {
		c.TickTimeout = 30 * time.Second
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 2 * c.TickTimeout
	}
	if c.CandleTimeout == 0 {
		c.CandleTimeout = 5 * time.Second
	}
	if c.CacheTimeout == 0 {
		c.CacheTimeout = 2 * time.Second
	}
	if c.RepoTimeout == 0 {
		c.RepoTimeout = 5 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 7 * 24 * time.Hour
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 24 * time.Hour
	}
	if c.DrainDeadline == 0 {
		c.DrainDeadline = 10 * time.Second
	}
	if c.ColdStartWarmupMargin == 0 {
		c.ColdStartWarmupMargin = 50
	}
	if c.IncrementalRecomputeInterval == 0 {
		c.IncrementalRecomputeInterval = 100
	}
	if c.DegradedAfter == 0 {
		c.DegradedAfter = 3
	}
	if len(c.Channels) == 0 {
		c.Channels = []ChannelConfig{{ID: "log", Type: ChannelLog}}
	}
}

// Validate checks the definition is internally consistent. Every error
// wraps engine.ErrConfiguration.
func (c *EngineConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Instruments) == 0 {
		add("instruments: at least one instrument is required")
	}
	seen := make(map[string]bool)
	for _, inst := range c.Instruments {
		if !instrumentPattern.MatchString(inst) {
			add("instruments: %q is not of the form BASE_QUOTE", inst)
		}
		if seen[inst] {
			add("instruments: %s listed twice", inst)
		}
		seen[inst] = true
	}
	if len(c.Timeframes) == 0 {
		add("timeframes: at least one timeframe is required")
	}
	for _, tf := range c.Timeframes {
		if err := tf.Validate(); err != nil {
			add("timeframes: %v", err)
		}
	}

	if err := checkStrategy(c.Strategy); err != nil {
		add("strategy: %v", err)
	}
	for series, o := range c.Overrides {
		inst, tf, ok := strings.Cut(series, ":")
		if !ok || !seen[inst] || !containsTF(c.Timeframes, model.Timeframe(tf)) {
			add("overrides: %q does not name a configured INSTRUMENT:TF", series)
			continue
		}
		if err := checkStrategy(c.Strategy.apply(o)); err != nil {
			add("overrides[%s]: %v", series, err)
		}
	}

	if c.WorkerPoolSize < 0 {
		add("worker_pool_size must be positive")
	}
	if c.LeaseTTL <= c.TickTimeout {
		add("lease_ttl %s must exceed tick_timeout %s", c.LeaseTTL, c.TickTimeout)
	}
	if c.SettleDelay < 0 || c.MaxJitter < 0 {
		add("settle_delay and max_jitter must not be negative")
	}
	if c.ColdStartWarmupMargin < 0 || c.IncrementalRecomputeInterval < 0 || c.DegradedAfter < 0 {
		add("cold_start_warmup_margin, incremental_recompute_interval and degraded_after must not be negative")
	}

	ids := make(map[string]bool)
	for i, ch := range c.Channels {
		if err := ch.validate(); err != nil {
			add("channels[%d] %s: %v", i, ch.ID, err)
		}
		if ids[ch.ID] {
			add("channels[%d]: duplicate id %q", i, ch.ID)
		}
		ids[ch.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", engine.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

func checkStrategy(s StrategyConfig) error {
	if err := s.indicatorParams().Validate(); err != nil {
		return err
	}
	return s.strategyParams().Validate()
}

func containsTF(tfs []model.Timeframe, tf model.Timeframe) bool {
	for _, t := range tfs {
		if t == tf {
			return true
		}
	}
	return false
}

// Keys expands instruments × timeframes into per-key tick configuration,
// applying overrides.
func (c *EngineConfig) Keys() []engine.KeyConfig {
	keys := make([]engine.KeyConfig, 0, len(c.Instruments)*len(c.Timeframes))
	for _, inst := range c.Instruments {
		for _, tf := range c.Timeframes {
			s := c.Strategy
			if o, ok := c.Overrides[inst+":"+string(tf)]; ok {
				s = s.apply(o)
			}
			keys = append(keys, engine.KeyConfig{
				Key: model.Key{
					Instrument: inst,
					Timeframe:  tf,
					Fast:       s.FastPeriod,
					Slow:       s.SlowPeriod,
				},
				Indicator: s.indicatorParams(),
				Strategy:  s.strategyParams(),
			})
		}
	}
	return keys
}

// ChannelIDs returns the configured channel ids in file order.
func (c *EngineConfig) ChannelIDs() []string {
	ids := make([]string, len(c.Channels))
	for i, ch := range c.Channels {
		ids[i] = ch.ID
	}
	return ids
}
