package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Dedup remembers which (channel, fingerprint) pairs were delivered within
// a window. Redis makes the window shared across processes; when Redis is
// unreachable a process-local map takes over so delivery never blocks on it.
type Dedup struct {
	client  goredis.UniversalClient
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	local map[string]time.Time // key → expiry
}

// NewDedup creates a dedup store. A nil client uses the local map only.
func NewDedup(client goredis.UniversalClient, timeout time.Duration, logger *slog.Logger) *Dedup {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Dedup{
		client:  client,
		timeout: timeout,
		logger:  logger.With("component", "notify_dedup"),
		now:     time.Now,
		local:   make(map[string]time.Time),
	}
}

func dedupKey(channel, fingerprint string) string {
	return "notify:dedup:" + channel + ":" + fingerprint
}

// Claim records the pair and reports whether this caller is the first
// within window. A zero window disables dedup.
func (d *Dedup) Claim(ctx context.Context, channel, fingerprint string, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	key := dedupKey(channel, fingerprint)

	if d.client != nil {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		ok, err := d.client.SetNX(cctx, key, 1, window).Result()
		cancel()
		if err == nil {
			if ok {
				d.claimLocal(key, window)
			}
			return ok
		}
		d.logger.Warn("dedup store unavailable, using local window", "error", err)
	}
	return d.claimLocal(key, window)
}

// Release forgets a claim so a later attempt may deliver again. Used when
// the claimed delivery did not go out.
func (d *Dedup) Release(ctx context.Context, channel, fingerprint string) {
	key := dedupKey(channel, fingerprint)
	d.mu.Lock()
	delete(d.local, key)
	d.mu.Unlock()

	if d.client != nil {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := d.client.Del(cctx, key).Err(); err != nil {
			d.logger.Warn("dedup release failed", "key", key, "error", err)
		}
	}
}

func (d *Dedup) claimLocal(key string, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.local {
		if now.After(exp) {
			delete(d.local, k)
		}
	}
	if exp, ok := d.local[key]; ok && now.Before(exp) {
		return false
	}
	d.local[key] = now.Add(window)
	return true
}
