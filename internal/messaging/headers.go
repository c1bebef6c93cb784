// Package messaging connects sagas to Kafka: a consumer that turns
// messages from vendor and delivery systems into saga signals, and a
// publisher for saga status events.
package messaging

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/pitabwire/ordersaga/internal/observability"
)

// HeaderCarrier adapts Kafka message headers to an OpenTelemetry
// TextMapCarrier.
type HeaderCarrier []kafka.Header

// Get returns the value of the first header with the given key.
func (c *HeaderCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces the header with the given key, or appends it.
func (c *HeaderCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

// Keys lists the header keys.
func (c *HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, h.Key)
	}
	return keys
}

// extractContext rebuilds the producer's trace context from msg headers.
func extractContext(ctx context.Context, msg kafka.Message) context.Context {
	carrier := HeaderCarrier(msg.Headers)
	return observability.ExtractTraceContext(ctx, &carrier)
}

// injectContext writes the current trace context into msg headers.
func injectContext(ctx context.Context, msg *kafka.Message) {
	carrier := HeaderCarrier(msg.Headers)
	observability.InjectTraceContext(ctx, &carrier)
	msg.Headers = carrier
}
