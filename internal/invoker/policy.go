package invoker

import (
	"time"

	"github.com/pitabwire/ordersaga/internal/config"
)

// Class names an activity policy.
type Class string

// Activity classes.
const (
	ClassStandard           Class = "standard"
	ClassPayment            Class = "payment"
	ClassDeliveryAssignment Class = "delivery_assignment"
	ClassTracking           Class = "tracking"
	ClassNotification       Class = "notification"
	ClassPayout             Class = "payout"
)

// Policy bounds one activity invocation: a per-attempt timeout and a retry
// schedule.
type Policy struct {
	Timeout           time.Duration
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

// DefaultPolicies returns the built-in policy of every activity class.
func DefaultPolicies() map[Class]Policy {
	exponential := func(timeout time.Duration) Policy {
		return Policy{
			Timeout:           timeout,
			MaxAttempts:       3,
			BackoffInitial:    time.Second,
			BackoffMultiplier: 2,
			BackoffMax:        30 * time.Second,
		}
	}
	return map[Class]Policy{
		ClassStandard:           exponential(30 * time.Second),
		ClassPayment:            exponential(60 * time.Second),
		ClassDeliveryAssignment: exponential(60 * time.Second),
		ClassTracking:           exponential(300 * time.Second),
		ClassNotification: {
			Timeout:           30 * time.Second,
			MaxAttempts:       5,
			BackoffInitial:    5 * time.Second,
			BackoffMultiplier: 1,
			BackoffMax:        5 * time.Second,
		},
		ClassPayout: {
			Timeout:           60 * time.Second,
			MaxAttempts:       3,
			BackoffInitial:    time.Second,
			BackoffMultiplier: 2,
			BackoffMax:        30 * time.Second,
		},
	}
}

// Policies merges configured overrides into the defaults. Zero override
// fields keep the default value.
func Policies(overrides map[string]config.ActivityPolicyConfig) map[Class]Policy {
	policies := DefaultPolicies()
	for name, o := range overrides {
		class := Class(name)
		p, ok := policies[class]
		if !ok {
			continue
		}
		if o.Timeout > 0 {
			p.Timeout = o.Timeout
		}
		if o.MaxAttempts > 0 {
			p.MaxAttempts = o.MaxAttempts
		}
		if o.BackoffInitial > 0 {
			p.BackoffInitial = o.BackoffInitial
		}
		if o.BackoffMultiplier > 0 {
			p.BackoffMultiplier = o.BackoffMultiplier
		}
		if o.BackoffMax > 0 {
			p.BackoffMax = o.BackoffMax
		}
		policies[class] = p
	}
	return policies
}

// Backoff returns the delay before the attempt that follows the given number
// of failed attempts. The first retry waits BackoffInitial; each later one
// multiplies the delay, capped at BackoffMax.
func (p Policy) Backoff(failed int) time.Duration {
	if failed < 1 || p.BackoffInitial <= 0 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := p.BackoffInitial
	for i := 1; i < failed; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if p.BackoffMax > 0 && delay > p.BackoffMax {
			break
		}
	}
	if p.BackoffMax > 0 && delay > p.BackoffMax {
		delay = p.BackoffMax
	}
	return delay
}
