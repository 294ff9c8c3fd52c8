package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/tadams95/4ex.ninja-sub000/internal/breaker"
	"github.com/tadams95/4ex.ninja-sub000/internal/indicator"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

// ErrCacheMiss is returned by Get when no usable state exists for a key.
var ErrCacheMiss = errors.New("indicator cache miss")

// ErrUnavailable wraps every cache failure that is not a miss: network
// errors, timeouts, and calls rejected by the open breaker.
var ErrUnavailable = errors.New("indicator cache unavailable")

// States live in a hash: version is the CAS counter, data the JSON state.
// An empty data field is the invalidation sentinel.
const (
	fieldVersion = "version"
	fieldData    = "data"
)

// casScript swaps the state only when the stored version matches ARGV[1].
// A missing key counts as version 0.
var casScript = goredis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if v == false then v = '0' end
if v ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// unlockScript deletes the lease only if the caller still holds it.
var unlockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// CacheConfig configures the Indicator Cache.
type CacheConfig struct {
	TTL     time.Duration // state expiry, refreshed on every write
	Timeout time.Duration // per-call deadline
	Breaker *breaker.Breaker
}

// Cache is the Indicator Cache. It is a rebuildable accelerator: any
// failure here degrades to a cold start, never to a lost signal.
type Cache struct {
	client  goredis.UniversalClient
	cfg     CacheConfig
	logger  *slog.Logger
	breaker *breaker.Breaker
}

// NewCache creates a cache over client. A nil breaker disables tripping.
func NewCache(client goredis.UniversalClient, cfg CacheConfig, logger *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	b := cfg.Breaker
	if b == nil {
		b = breaker.New(1<<30, 0)
	}
	return &Cache{client: client, cfg: cfg, logger: logger.With("component", "indicator_cache"), breaker: b}
}

// Breaker returns the breaker guarding Redis calls.
func (c *Cache) Breaker() *breaker.Breaker { return c.breaker }

func stateKey(k model.Key) string { return "ind:state:" + k.String() }
func leaseKey(k model.Key) string { return "ind:lease:" + k.String() }

// do runs fn under the breaker and the per-call timeout. goredis.Nil is a
// normal answer and does not count as a failure.
func (c *Cache) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var nilResult bool
	err := c.breaker.Execute(func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		err := fn(cctx)
		if errors.Is(err, goredis.Nil) {
			nilResult = true
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("cache %s: %w: %w", op, ErrUnavailable, err)
	}
	if nilResult {
		return goredis.Nil
	}
	return nil
}

// Get loads the state for key. Returns ErrCacheMiss when absent or
// invalidated; decode failures are also misses so a bad entry is rebuilt.
func (c *Cache) Get(ctx context.Context, key model.Key) (*indicator.State, error) {
	var vals []interface{}
	err := c.do(ctx, "get", func(ctx context.Context) error {
		var err error
		vals, err = c.client.HMGet(ctx, stateKey(key), fieldVersion, fieldData).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	data, _ := vals[1].(string)
	if data == "" {
		return nil, ErrCacheMiss
	}
	var st indicator.State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		c.logger.Warn("undecodable cached state, treating as miss", "key", key.String(), "error", err)
		return nil, ErrCacheMiss
	}
	if vs, ok := vals[0].(string); ok {
		if v, err := strconv.ParseInt(vs, 10, 64); err == nil {
			st.Version = v
		}
	}
	return &st, nil
}

// Put writes state unconditionally and bumps its version.
func (c *Cache) Put(ctx context.Context, key model.Key, st *indicator.State) error {
	next := st.Version + 1
	data, err := encode(st, next)
	if err != nil {
		return err
	}
	err = c.do(ctx, "put", func(ctx context.Context) error {
		pipe := c.client.TxPipeline()
		pipe.HSet(ctx, stateKey(key), fieldVersion, next, fieldData, data)
		pipe.PExpire(ctx, stateKey(key), c.cfg.TTL)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return err
	}
	st.Version = next
	return nil
}

// CAS writes state only if the stored version still equals expected
// (0 for an absent or invalidated key). On success st.Version is bumped.
func (c *Cache) CAS(ctx context.Context, key model.Key, expected int64, st *indicator.State) (bool, error) {
	next := expected + 1
	data, err := encode(st, next)
	if err != nil {
		return false, err
	}
	var swapped int64
	err = c.do(ctx, "cas", func(ctx context.Context) error {
		var err error
		swapped, err = casScript.Run(ctx, c.client, []string{stateKey(key)},
			strconv.FormatInt(expected, 10), strconv.FormatInt(next, 10), data, c.cfg.TTL.Milliseconds()).Int64()
		return err
	})
	if err != nil {
		return false, err
	}
	if swapped == 1 {
		st.Version = next
		return true, nil
	}
	return false, nil
}

// Invalidate replaces the state with the miss sentinel so the next tick
// cold-starts. The version resets so any holder can write again.
func (c *Cache) Invalidate(ctx context.Context, key model.Key) error {
	return c.do(ctx, "invalidate", func(ctx context.Context) error {
		return c.client.HSet(ctx, stateKey(key), fieldVersion, 0, fieldData, "").Err()
	})
}

// Lock takes the per-key lease (SET NX PX). Returns false when another
// holder has it.
func (c *Cache) Lock(ctx context.Context, key model.Key, holder string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.do(ctx, "lock", func(ctx context.Context) error {
		var err error
		ok, err = c.client.SetNX(ctx, leaseKey(key), holder, ttl).Result()
		return err
	})
	return ok, err
}

// Unlock releases the lease if holder still owns it.
func (c *Cache) Unlock(ctx context.Context, key model.Key, holder string) error {
	return c.do(ctx, "unlock", func(ctx context.Context) error {
		return unlockScript.Run(ctx, c.client, []string{leaseKey(key)}, holder).Err()
	})
}

// Ping checks Redis reachability for health reporting. It bypasses the breaker.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

func encode(st *indicator.State, version int64) (string, error) {
	prev := st.Version
	st.Version = version
	data, err := json.Marshal(st)
	st.Version = prev
	if err != nil {
		return "", fmt.Errorf("encode state %s: %w", st.Key, err)
	}
	return string(data), nil
}
