// Package ringbuf provides a fixed-capacity sliding window of candles.
// Pushing into a full window evicts the oldest candle, which the caller
// uses to maintain running sums incrementally. The window is owned by a
// single writer (the key's lease holder) and is not safe for concurrent use.
package ringbuf

import (
	"encoding/json"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

// Ring is a sliding window over the most recent candles.
type Ring struct {
	buf   []model.Candle
	head  int // index of the oldest element
	count int
}

// New creates a ring holding at most capacity candles. Minimum capacity is 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]model.Candle, capacity)}
}

// Push appends c. When the ring is full the oldest candle is overwritten and
// returned with evicted=true.
func (r *Ring) Push(c model.Candle) (old model.Candle, evicted bool) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = c
		r.count++
		return model.Candle{}, false
	}
	old = r.buf[r.head]
	r.buf[r.head] = c
	r.head = (r.head + 1) % len(r.buf)
	return old, true
}

// At returns the i-th oldest candle (0 = oldest). Panics when out of range.
func (r *Ring) At(i int) model.Candle {
	if i < 0 || i >= r.count {
		panic("ringbuf: index out of range")
	}
	return r.buf[(r.head+i)%len(r.buf)]
}

// FromEnd returns the i-th newest candle (0 = newest).
func (r *Ring) FromEnd(i int) model.Candle {
	return r.At(r.count - 1 - i)
}

// Last returns the newest candle, if any.
func (r *Ring) Last() (model.Candle, bool) {
	if r.count == 0 {
		return model.Candle{}, false
	}
	return r.FromEnd(0), true
}

// Len returns the number of candles held.
func (r *Ring) Len() int { return r.count }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Full reports whether the ring holds Cap() candles.
func (r *Ring) Full() bool { return r.count == len(r.buf) }

// Slice returns a copy of the contents, oldest first.
func (r *Ring) Slice() []model.Candle {
	out := make([]model.Candle, r.count)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

type ringJSON struct {
	Cap     int            `json:"cap"`
	Candles []model.Candle `json:"candles"`
}

// MarshalJSON encodes the ring as its capacity and contents, oldest first.
func (r *Ring) MarshalJSON() ([]byte, error) {
	return json.Marshal(ringJSON{Cap: len(r.buf), Candles: r.Slice()})
}

// UnmarshalJSON restores a ring. Contents beyond capacity keep the newest.
func (r *Ring) UnmarshalJSON(data []byte) error {
	var rj ringJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return err
	}
	*r = *New(rj.Cap)
	for _, c := range rj.Candles {
		r.Push(c)
	}
	return nil
}
