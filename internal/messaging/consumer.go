package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/internal/config"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/model"
)

const (
	fetchRetryDelay = time.Second

	// Transient delivery failures back off from signalRetryInitial,
	// doubling up to signalRetryMax, for as long as the consumer runs.
	signalRetryInitial = 500 * time.Millisecond
	signalRetryMax     = 30 * time.Second
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Signaler delivers a signal to a saga instance.
type Signaler interface {
	Signal(ctx context.Context, workflowID string, sig model.Signal) error
}

// signalMessage is the value of a message on the signals topic.
type signalMessage struct {
	WorkflowID string          `json:"workflowId"`
	Signal     string          `json:"signal"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// SignalConsumer reads signals from Kafka and delivers them to sagas. A
// message is committed once it has been handled: delivered, malformed, or
// addressed to an instance that cannot take it. A message whose delivery
// keeps failing transiently holds its partition until it goes through.
type SignalConsumer struct {
	reader   MessageReader
	signaler Signaler
	logger   *zap.Logger
	clock    clockwork.Clock
}

// ConsumerOption configures a SignalConsumer.
type ConsumerOption func(*SignalConsumer)

// WithConsumerClock sets the clock used for retry delays.
func WithConsumerClock(clock clockwork.Clock) ConsumerOption {
	return func(c *SignalConsumer) { c.clock = clock }
}

// NewReader creates a consumer-group reader for the signals topic.
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.SignalsTopic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
}

// NewSignalConsumer creates a consumer.
func NewSignalConsumer(reader MessageReader, signaler Signaler, logger *zap.Logger, opts ...ConsumerOption) *SignalConsumer {
	c := &SignalConsumer{
		reader:   reader,
		signaler: signaler,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Run consumes until ctx is cancelled, then closes the reader.
func (c *SignalConsumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("kafka reader close failed", zap.Error(err))
		}
	}()
	c.logger.Info("signal consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("signal consumer stopped")
				return nil
			}
			c.logger.Error("kafka fetch failed", zap.Error(err))
			if !c.sleep(ctx, fetchRetryDelay) {
				return nil
			}
			continue
		}

		if err := c.Handle(ctx, msg); err != nil {
			c.logger.Info("signal consumer stopped before delivery",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("kafka commit failed",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// Handle delivers one message. It returns nil once the message is settled
// and safe to commit; transient failures are retried until ctx is done, in
// which case ctx's error is returned and the message must not be committed.
func (c *SignalConsumer) Handle(ctx context.Context, msg kafka.Message) error {
	ctx = extractContext(ctx, msg)
	ctx, span := observability.StartSpan(ctx, "kafka.consume",
		observability.AttrMessagingTopic.String(msg.Topic),
	)
	logger := c.logger.With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	var m signalMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil || m.WorkflowID == "" || m.Signal == "" {
		if err == nil {
			err = errors.New("workflowId and signal are required")
		}
		logger.Warn("malformed signal message skipped", zap.Error(err))
		observability.EndSpanWithError(span, err)
		return nil
	}
	span.SetAttributes(
		observability.AttrWorkflowID.String(m.WorkflowID),
		observability.AttrSignal.String(m.Signal),
	)
	logger = logger.With(zap.String("workflow_id", m.WorkflowID), zap.String("signal", m.Signal))

	err := c.deliver(ctx, span, logger, m)
	observability.EndSpanWithError(span, err)
	switch {
	case err == nil:
		logger.Debug("signal message delivered")
	case permanent(err):
		logger.Warn("signal message rejected", zap.Error(err))
		return nil
	}
	return err
}

// deliver signals until it succeeds, fails permanently, or ctx is done.
func (c *SignalConsumer) deliver(ctx context.Context, span trace.Span, logger *zap.Logger, m signalMessage) error {
	sig := model.Signal{Name: m.Signal, Payload: m.Payload}
	delay := signalRetryInitial
	for attempt := 1; ; attempt++ {
		err := c.signaler.Signal(ctx, m.WorkflowID, sig)
		if err == nil || permanent(err) {
			return err
		}
		logger.Warn("signal delivery failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		span.AddEvent(fmt.Sprintf("retry %d", attempt))
		if !c.sleep(ctx, delay) {
			return ctx.Err()
		}
		delay = min(2*delay, signalRetryMax)
	}
}

// permanent reports whether redelivering the same signal cannot succeed.
func permanent(err error) bool {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		return false
	}
	switch env.Code {
	case model.ErrBadRequest, model.ErrNotFound, model.ErrWorkflowNotFound, model.ErrWorkflowNotActive, model.ErrValidationError:
		return true
	}
	return false
}

func (c *SignalConsumer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.clock.After(d):
		return true
	}
}
