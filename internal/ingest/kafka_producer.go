package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/urbanflow/internal/models"
)

// Publisher streams location updates and ride lifecycle events.
type Publisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
	PublishRideEvent(ctx context.Context, evt models.RideEvent) error
}

const (
	publishTimeout = 2 * time.Second
	// Writes are synchronous, so the batch window bounds request latency.
	batchTimeout = 10 * time.Millisecond
)

// KafkaProducer writes driver locations keyed by driver id and ride events
// keyed by ride id, so each entity stays on one partition. A nil producer
// is a no-op.
type KafkaProducer struct {
	locations *kafka.Writer
	rides     *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationsTopic, rideEventsTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: newWriter(brokers, locationsTopic),
		rides:     newWriter(brokers, rideEventsTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	if k == nil {
		return nil
	}
	return publish(ctx, k.locations, loc.DriverID, loc)
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, evt models.RideEvent) error {
	if k == nil {
		return nil
	}
	return publish(ctx, k.rides, evt.RideID, evt)
}

func publish(ctx context.Context, w *kafka.Writer, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k == nil {
		return nil
	}
	return errors.Join(k.locations.Close(), k.rides.Close())
}

// Nop discards everything.
type Nop struct{}

func (Nop) PublishLocation(context.Context, models.DriverLocation) error { return nil }
func (Nop) PublishRideEvent(context.Context, models.RideEvent) error     { return nil }
