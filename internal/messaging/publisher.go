package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/pitabwire/ordersaga/internal/config"
	"github.com/pitabwire/ordersaga/model"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher publishes saga events keyed by workflow id, so every
// event of one saga lands on the same partition in order.
type EventPublisher struct {
	writer MessageWriter
}

// NewWriter creates a writer for the events topic.
func NewWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.EventsTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// NewEventPublisher creates a publisher.
func NewEventPublisher(writer MessageWriter) *EventPublisher {
	return &EventPublisher{writer: writer}
}

// Publish writes one saga event with the caller's trace context in its
// headers.
func (p *EventPublisher) Publish(ctx context.Context, event model.SagaEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal saga event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.WorkflowID),
		Value: value,
		Time:  event.Timestamp,
	}
	injectContext(ctx, &msg)
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish saga event %s/%s: %w", event.WorkflowID, event.Event, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
