// Package command runs the start-order command: it de-duplicates requests
// carrying an Idempotency-Key before handing them to the saga engine.
package command

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/model"
)

// StartOperation is the operation name used in idempotency keys.
const StartOperation = "startOrder"

const defaultTTL = 24 * time.Hour

// SagaStarter starts an order saga and returns its workflow id.
type SagaStarter interface {
	Start(ctx context.Context, input model.OrderInput) (string, error)
}

// StartExecutor starts sagas, replaying the first result for a repeated
// Idempotency-Key with the same body.
type StartExecutor struct {
	engine      SagaStarter
	idempotency IdempotencyStore
	ttl         time.Duration
	logger      *zap.Logger
}

// StartExecutorOption configures a StartExecutor.
type StartExecutorOption func(*StartExecutor)

// WithIdempotencyStore sets the idempotency store. Without one every
// request starts a new saga.
func WithIdempotencyStore(store IdempotencyStore) StartExecutorOption {
	return func(e *StartExecutor) { e.idempotency = store }
}

// WithTTL sets how long a key is remembered.
func WithTTL(ttl time.Duration) StartExecutorOption {
	return func(e *StartExecutor) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// NewStartExecutor creates a StartExecutor.
func NewStartExecutor(engine SagaStarter, logger *zap.Logger, opts ...StartExecutorOption) *StartExecutor {
	e := &StartExecutor{engine: engine, ttl: defaultTTL, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Start starts a saga for input. replayed is true when the result comes
// from an earlier request with the same key.
func (e *StartExecutor) Start(ctx context.Context, idempotencyKey string, input model.OrderInput) (result StartResult, replayed bool, err error) {
	dedupe := idempotencyKey != "" && e.idempotency != nil
	idemKey := FormatIdempotencyKey(StartOperation, idempotencyKey)
	hash := hashInput(input)

	// Step 1: Return the cached result, or CONFLICT for a reused key.
	if dedupe {
		cached, found, err := e.idempotency.Check(ctx, idemKey, hash)
		if err != nil {
			return StartResult{}, false, err
		}
		if found && cached != nil {
			return *cached, true, nil
		}
	}

	// Step 2: Start the saga.
	workflowID, err := e.engine.Start(ctx, input)
	if err != nil {
		return StartResult{}, false, err
	}
	result = StartResult{WorkflowID: workflowID, OrderID: input.OrderID}

	// Step 3: Remember the result. Best-effort.
	if dedupe {
		if err := e.idempotency.Store(ctx, idemKey, hash, result, e.ttl); err != nil {
			e.logger.Warn("failed to store idempotency result",
				zap.String("workflow_id", workflowID),
				zap.Error(err),
			)
		}
	}
	return result, false, nil
}

// hashInput produces a deterministic hash of the start input for
// idempotency comparison.
func hashInput(input model.OrderInput) string {
	data, _ := json.Marshal(input)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
