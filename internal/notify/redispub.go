package notify

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
)

// RedisPublisher publishes signals on pub:signal:{instrument} so other
// services can subscribe with PSUBSCRIBE pub:signal:*.
type RedisPublisher struct {
	id     string
	client goredis.UniversalClient
}

// NewRedisPublisher creates a Redis pub/sub sender.
func NewRedisPublisher(id string, client goredis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{id: id, client: client}
}

// SignalChannel returns the pub/sub channel for an instrument.
func SignalChannel(instrument string) string {
	return "pub:signal:" + instrument
}

func (r *RedisPublisher) ID() string { return r.id }

func (r *RedisPublisher) Send(ctx context.Context, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return Permanent(fmt.Errorf("redis publish: marshal: %w", err))
	}
	instrument := ""
	if p.Signal != nil {
		instrument = p.Signal.Instrument
	}
	if err := r.client.Publish(ctx, SignalChannel(instrument), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
