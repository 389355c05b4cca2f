package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/upb/llm-gateway/models"
)

// MessageWriter is the part of *kafka.Writer the publisher needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes event envelopes to a topic, keyed by provider so
// one provider's events stay ordered within a partition
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaWriter builds the writer used in production
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// NewKafkaPublisher wraps a writer
func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// Publish implements Publisher
func (p *KafkaPublisher) Publish(ctx context.Context, batch []*models.GatewayEvent) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, event := range batch {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
		}

		key := string(event.Type)
		if event.Provider != nil {
			key = *event.Provider
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: value,
			Time:  event.Timestamp,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(event.Type)},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write %d events to kafka: %w", len(msgs), err)
	}
	return nil
}

// Close closes the underlying writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
