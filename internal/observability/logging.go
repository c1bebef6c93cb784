package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/ordersaga/internal/config"
)

type loggerKey struct{}

// NewLogger builds the JSON production logger. An unparseable level falls
// back to info.
//
// Levels: error for journal or broker failures and steps that exhausted
// their retries, warn for compensation failures and open breakers, info for
// saga lifecycle events, debug for retry attempts and collaborator payloads.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zc.Build()
}

// WithLogger returns ctx carrying logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the request-scoped logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// SagaLogger returns a logger carrying the identifiers of one saga instance.
func SagaLogger(logger *zap.Logger, workflowID, orderID string) *zap.Logger {
	return logger.With(
		zap.String("workflow_id", workflowID),
		zap.String("order_id", orderID),
	)
}

const redacted = "[REDACTED]"

// Payload keys masked in debug logs regardless of configuration.
var sensitiveKeys = []string{
	"authorization", "token", "access_token", "refresh_token",
	"paymentToken", "paymentIntentId", "password", "secret",
	"api_key", "signature", "accountNumber", "iban", "pin",
}

// RedactBody returns a copy of body with sensitive keys masked, descending
// into nested objects and arrays. extra adds keys to the built-in set.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	mask := make(map[string]struct{}, len(sensitiveKeys)+len(extra))
	for _, k := range sensitiveKeys {
		mask[k] = struct{}{}
	}
	for _, k := range extra {
		mask[k] = struct{}{}
	}
	return redactObject(body, mask)
}

func redactObject(obj map[string]any, mask map[string]struct{}) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if _, hit := mask[k]; hit {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, mask)
	}
	return out
}

func redactValue(v any, mask map[string]struct{}) any {
	switch tv := v.(type) {
	case map[string]any:
		return redactObject(tv, mask)
	case []any:
		items := make([]any, len(tv))
		for i, item := range tv {
			items[i] = redactValue(item, mask)
		}
		return items
	default:
		return v
	}
}
