package engine

import (
	"sort"
	"sync"
	"time"
)

// KeyState is the lifecycle state of one key.
type KeyState int

const (
	StateUninitialized KeyState = iota
	StateWarming                // cold start: rebuilding from candle history
	StateReady
	StateProcessing // inside a tick
	StateDegraded   // repeated transient errors; clears on the next success
)

func (s KeyState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateWarming:
		return "WARMING"
	case StateReady:
		return "READY"
	case StateProcessing:
		return "PROCESSING"
	case StateDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s KeyState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// KeyStatus is a snapshot of a key's state for the HTTP surface.
type KeyStatus struct {
	Key               string    `json:"key"`
	State             KeyState  `json:"state"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastTickAt        time.Time `json:"last_tick_at,omitempty"`
	LastProcessed     time.Time `json:"last_processed_open_time,omitempty"`
	ColdStarts        int       `json:"cold_starts"`
	SignalsEmitted    int       `json:"signals_emitted"`
}

type keyTable struct {
	mu   sync.Mutex
	keys map[string]*KeyStatus
}

func newKeyTable() *keyTable {
	return &keyTable{keys: make(map[string]*KeyStatus)}
}

func (t *keyTable) update(key string, fn func(*KeyStatus)) KeyStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	ks, ok := t.keys[key]
	if !ok {
		ks = &KeyStatus{Key: key}
		t.keys[key] = ks
	}
	fn(ks)
	return *ks
}

func (t *keyTable) get(key string) KeyStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ks, ok := t.keys[key]; ok {
		return *ks
	}
	return KeyStatus{Key: key}
}

func (t *keyTable) all() []KeyStatus {
	t.mu.Lock()
	out := make([]KeyStatus, 0, len(t.keys))
	for _, ks := range t.keys {
		out = append(out, *ks)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
