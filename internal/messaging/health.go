package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// BrokerCheck reports whether at least one configured Kafka broker answers a
// metadata request.
type BrokerCheck struct {
	brokers []string
}

// NewBrokerCheck probes brokers in order.
func NewBrokerCheck(brokers []string) *BrokerCheck {
	return &BrokerCheck{brokers: brokers}
}

// HealthCheck dials each broker until one returns cluster metadata.
func (c *BrokerCheck) HealthCheck(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	var lastErr error
	for _, addr := range c.brokers {
		if lastErr = probeBroker(ctx, addr); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("kafka: no broker reachable: %w", lastErr)
}

func probeBroker(ctx context.Context, addr string) error {
	conn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	_, err = conn.Brokers()
	return err
}
