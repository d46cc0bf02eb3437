package notify

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaPublisher writes each event to "<prefix>.<kind>", keyed by ride id so
// events of one ride stay on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
}

func NewKafkaPublisher(brokers []string, prefix string) *KafkaPublisher {
	if prefix == "" {
		prefix = "ride"
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, prefix: prefix}
}

func Topic(prefix string, kind models.EventKind) string { return prefix + "." + string(kind) }

func (k *KafkaPublisher) Publish(ctx context.Context, ev models.Event) error {
	ev.Ride = ev.Ride.Redacted()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: Topic(k.prefix, ev.Kind),
		Key:   []byte(ev.RideID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
