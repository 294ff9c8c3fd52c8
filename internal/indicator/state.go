package indicator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	"github.com/tadams95/4ex.ninja-sub000/internal/ringbuf"
)

// SchemaVersion is bumped whenever State's encoding changes. Cached states
// with another schema are treated as stale and rebuilt.
const SchemaVersion = 1

// Params are the indicator periods for one key.
type Params struct {
	Fast int `json:"fast"`
	Slow int `json:"slow"`
	ATR  int `json:"atr"`
}

// Validate checks the periods are usable together.
func (p Params) Validate() error {
	if p.Fast <= 0 || p.Slow <= 0 || p.ATR <= 0 {
		return fmt.Errorf("periods must be positive (fast=%d slow=%d atr=%d)", p.Fast, p.Slow, p.ATR)
	}
	if p.Fast >= p.Slow {
		return fmt.Errorf("fast period %d must be below slow period %d", p.Fast, p.Slow)
	}
	return nil
}

// WindowSize is the number of candles the rolling state retains:
// max(slow, atr)+1.
func (p Params) WindowSize() int {
	n := p.Slow
	if p.ATR > n {
		n = p.ATR
	}
	return n + 1
}

// State is the rolling indicator state of one key. It is owned by the
// holder of the key's lease and persisted to the Indicator Cache at the end
// of every tick.
type State struct {
	Schema  int       `json:"schema"`
	Version int64     `json:"version"` // CAS version, bumped by the cache on every successful write
	Key     model.Key `json:"key"`
	Params  Params    `json:"params"`

	Window *ringbuf.Ring `json:"window"`
	Fast   *SMA          `json:"fast"`
	Slow   *SMA          `json:"slow"`
	ATR    *ATR          `json:"atr"`

	// Previous-candle MAs, needed for crossover detection.
	PrevFast decimal.Decimal `json:"prev_fast"`
	PrevSlow decimal.Decimal `json:"prev_slow"`
	HasPrev  bool            `json:"has_prev"`

	Seen                  int               `json:"seen"` // candles applied since the last cold start
	SinceRecompute        int               `json:"since_recompute"`
	LastProcessedOpenTime time.Time         `json:"last_processed_open_time"`
	LastFingerprint       model.Fingerprint `json:"last_fingerprint"`
	HeartbeatAt           time.Time         `json:"heartbeat_at"`
}

// NewState returns an empty state for key.
func NewState(key model.Key, p Params) *State {
	return &State{
		Schema: SchemaVersion,
		Key:    key,
		Params: p,
		Window: ringbuf.New(p.WindowSize()),
		Fast:   NewSMA(p.Fast),
		Slow:   NewSMA(p.Slow),
		ATR:    NewATR(p.ATR),
	}
}

// Indicators returns the indicators in update order.
func (s *State) Indicators() []Indicator {
	return []Indicator{s.Fast, s.Slow, s.ATR}
}

// Apply folds a complete candle into the state. Candles must arrive in
// strictly increasing OpenTime order.
func (s *State) Apply(c model.Candle) error {
	if !c.Complete {
		return fmt.Errorf("apply %s: candle at %s is not complete", s.Key, c.OpenTime.Format(time.RFC3339))
	}
	if !s.LastProcessedOpenTime.IsZero() && !c.OpenTime.After(s.LastProcessedOpenTime) {
		return fmt.Errorf("apply %s: candle at %s not after %s", s.Key,
			c.OpenTime.Format(time.RFC3339), s.LastProcessedOpenTime.Format(time.RFC3339))
	}

	// Retain previous MAs before overwrite
	if s.Slow.Ready() {
		s.PrevFast = s.Fast.Value()
		s.PrevSlow = s.Slow.Value()
		s.HasPrev = true
	}

	for _, ind := range s.Indicators() {
		ind.Update(s.Window, c)
	}
	s.Window.Push(c)
	s.Seen++
	s.SinceRecompute++
	s.LastProcessedOpenTime = c.OpenTime
	return nil
}

// MAReady reports whether both moving averages have a value.
func (s *State) MAReady() bool {
	return s.Fast.Ready() && s.Slow.Ready()
}

// Values returns the current indicator outputs.
func (s *State) Values() Values {
	return Values{FastMA: s.Fast.Value(), SlowMA: s.Slow.Value(), ATR: s.ATR.Value()}
}

// Recompute rebuilds every running sum from the window and resets the
// recompute counter. It returns the names of indicators whose incremental
// sums had drifted.
func (s *State) Recompute() []string {
	var drifted []string
	for _, ind := range s.Indicators() {
		if ind.Recompute(s.Window) {
			drifted = append(drifted, ind.Name())
		}
	}
	s.SinceRecompute = 0
	return drifted
}

// Matches reports whether the state was built for key and p.
func (s *State) Matches(key model.Key, p Params) bool {
	return s.Schema == SchemaVersion && s.Key == key && s.Params == p &&
		s.Window != nil && s.Fast != nil && s.Slow != nil && s.ATR != nil
}

// Stale reports whether the state is too far behind now to be trusted:
// its last processed candle is more than max(slow, atr) periods old.
func (s *State) Stale(now time.Time) bool {
	if s.LastProcessedOpenTime.IsZero() {
		return true
	}
	periods := s.Params.WindowSize() - 1
	horizon := time.Duration(periods) * s.Key.Timeframe.Duration()
	return now.Sub(s.LastProcessedOpenTime) > horizon
}

// Clone returns a deep copy via the JSON encoding.
func (s *State) Clone() (*State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
