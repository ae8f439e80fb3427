package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

// KafkaProducer forwards driver pings to the location topic, keyed by driver
// so one driver's pings stay ordered on a single partition. cmd/consumer
// reads them back into the shared geo index.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.LocationPing) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(p.DriverID), Value: payload, Time: p.At}
	if p.VehicleType != "" {
		msg.Headers = []kafka.Header{{Key: "vehicle_type", Value: []byte(p.VehicleType)}}
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
