package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSender publishes signals to a Kafka topic, keyed by fingerprint so
// every event of a series lands on the same partition.
type KafkaSender struct {
	id     string
	writer *kafka.Writer
}

// NewKafkaSender creates a producer for topic. Retries are left to the
// dispatcher, so the writer tries once.
func NewKafkaSender(id string, brokers []string, topic string) (*KafkaSender, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka %s: brokers and topic are required", id)
	}
	return &KafkaSender{
		id: id,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            1,
			BatchTimeout:           10 * time.Millisecond,
		},
	}, nil
}

func (k *KafkaSender) ID() string { return k.id }

func message(p Payload) (kafka.Message, error) {
	value, err := json.Marshal(p.Signal)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(p.Fingerprint),
		Value: value,
		Headers: []kafka.Header{
			{Key: "signal_id", Value: []byte(p.SignalID)},
		},
	}, nil
}

func (k *KafkaSender) Send(ctx context.Context, p Payload) error {
	msg, err := message(p)
	if err != nil {
		return Permanent(fmt.Errorf("kafka: marshal: %w", err))
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSender) Close() error {
	return k.writer.Close()
}
