// Package invoker runs saga activities against collaborator services. The
// Gateway applies a per-class timeout and retry policy to every call, and the
// HTTP activities talk to the collaborators through per-service circuit
// breakers.
package invoker

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/internal/observability"
)

// Invocation describes one logical activity call.
type Invocation struct {
	// Name is the activity name used in logs, spans and metrics.
	Name string
	// Class selects the timeout and retry policy.
	Class Class
	// PriorAttempts is the number of attempts already made before a restart.
	PriorAttempts int
	// OnAttempt, when set, is called after every failed attempt with the
	// attempt number and its error, before any backoff.
	OnAttempt func(attempt int, err error)
}

// Gateway executes activities with bounded attempts and backoff.
type Gateway struct {
	policies map[Class]Policy
	clock    clockwork.Clock
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithPolicies replaces the policy table.
func WithPolicies(policies map[Class]Policy) GatewayOption {
	return func(g *Gateway) { g.policies = policies }
}

// WithClock sets the clock used for backoff sleeps.
func WithClock(clock clockwork.Clock) GatewayOption {
	return func(g *Gateway) { g.clock = clock }
}

// WithMetrics records attempt and retry metrics.
func WithMetrics(m *observability.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a gateway with the default policies and a real clock.
func NewGateway(logger *zap.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		policies: DefaultPolicies(),
		clock:    clockwork.NewRealClock(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	return g
}

// Policy returns the policy of the given class, falling back to standard.
func (g *Gateway) Policy(class Class) Policy {
	if p, ok := g.policies[class]; ok {
		return p
	}
	return g.policies[ClassStandard]
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or
// exhausts the class's attempts. Each attempt runs under the class timeout.
// It returns the total number of attempts made, including PriorAttempts.
//
// A cancelled parent context stops the loop and is returned as is; it is not
// a step failure.
func (g *Gateway) Execute(ctx context.Context, inv Invocation, fn func(ctx context.Context) error) (int, error) {
	policy := g.Policy(inv.Class)
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := inv.PriorAttempts
	if attempt >= maxAttempts {
		return attempt, &StepError{
			Activity:  inv.Name,
			Attempts:  attempt,
			Exhausted: true,
			Err:       errors.New("attempts exhausted before restart"),
		}
	}

	for {
		if attempt > 0 {
			if delay := policy.Backoff(attempt); delay > 0 {
				select {
				case <-ctx.Done():
					return attempt, ctx.Err()
				case <-g.clock.After(delay):
				}
			}
		}

		attempt++
		err := g.attempt(ctx, inv, policy, attempt, fn)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		retry := IsRetryable(err)
		if inv.OnAttempt != nil {
			inv.OnAttempt(attempt, err)
		}
		if !retry {
			return attempt, &StepError{Activity: inv.Name, Attempts: attempt, Err: err}
		}
		if attempt >= maxAttempts {
			return attempt, &StepError{Activity: inv.Name, Attempts: attempt, Exhausted: true, Err: err}
		}

		g.metrics.RecordActivityRetry(inv.Name)
		g.logger.Debug("retrying activity",
			zap.String("activity", inv.Name),
			zap.Int("attempt", attempt),
			zap.Int("max", maxAttempts),
			zap.Error(err),
		)
	}
}

// attempt performs a single call under the policy timeout.
func (g *Gateway) attempt(ctx context.Context, inv Invocation, policy Policy, n int, fn func(ctx context.Context) error) (err error) {
	ctx, span := observability.StartSpan(ctx, "activity.attempt",
		observability.AttrActivity.String(inv.Name),
		observability.AttrAttempt.Int(n),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	start := g.clock.Now()
	err = fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("attempt timed out after %s: %w", policy.Timeout, err)
	}

	outcome := "success"
	switch {
	case err == nil:
	case IsRetryable(err):
		outcome = "retryable"
	default:
		outcome = "fatal"
	}
	g.metrics.RecordActivityAttempt(inv.Name, outcome, g.clock.Since(start))
	return err
}
