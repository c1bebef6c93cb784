package invoker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pitabwire/ordersaga/internal/config"
	"github.com/pitabwire/ordersaga/model"
)

// BreakerState is the position of a collaborator's circuit breaker. Its
// numeric value is exported as the circuit_breaker_state gauge.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

var breakerStateNames = [...]string{
	BreakerClosed:   "closed",
	BreakerOpen:     "open",
	BreakerHalfOpen: "half-open",
}

func (s BreakerState) String() string {
	if s < 0 || int(s) >= len(breakerStateNames) {
		return "unknown"
	}
	return breakerStateNames[s]
}

// The error rate is only judged once a window holds this many calls.
const minErrorRateSamples = 10

// rateWindow counts calls in a tumbling window. A zero span disables it.
type rateWindow struct {
	span     time.Duration
	start    time.Time
	calls    int
	failures int
}

func (w *rateWindow) reset(now time.Time) {
	w.start, w.calls, w.failures = now, 0, 0
}

func (w *rateWindow) roll(now time.Time) {
	if w.span > 0 && now.Sub(w.start) > w.span {
		w.reset(now)
	}
}

func (w *rateWindow) add(now time.Time, failed bool) {
	if w.span <= 0 {
		return
	}
	w.roll(now)
	w.calls++
	if failed {
		w.failures++
	}
}

func (w *rateWindow) rate() float64 {
	if w.calls == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.calls)
}

// CircuitBreaker guards one collaborator service. Closed, it opens after
// failureThreshold consecutive failures or once the windowed error rate
// reaches errorRateThreshold. Open, it rejects calls until openTimeout has
// passed and then lets probes through half-open; successThreshold probe
// successes close it and any probe failure reopens it.
type CircuitBreaker struct {
	name          string
	clock         clockwork.Clock
	onStateChange func(name string, state BreakerState)

	failureThreshold   int
	successThreshold   int
	openTimeout        time.Duration
	errorRateThreshold float64

	mu           sync.Mutex
	state        BreakerState
	consecutive  int
	probeSuccess int
	openedAt     time.Time
	window       rateWindow
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock replaces the wall clock.
func WithBreakerClock(clock clockwork.Clock) BreakerOption {
	return func(cb *CircuitBreaker) { cb.clock = clock }
}

// WithStateChange registers fn, called outside the lock after every
// transition.
func WithStateChange(fn func(name string, state BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// NewCircuitBreaker creates a closed breaker for the named service. Unset
// thresholds default to 5 failures, 2 probe successes and a 30s open timeout.
func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:               name,
		clock:              clockwork.NewRealClock(),
		failureThreshold:   cmpDefault(cfg.FailureThreshold, 5),
		successThreshold:   cmpDefault(cfg.SuccessThreshold, 2),
		openTimeout:        cfg.Timeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		window:             rateWindow{span: cfg.ErrorRateWindow},
	}
	if cb.openTimeout <= 0 {
		cb.openTimeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.window.reset(cb.clock.Now())
	return cb
}

func cmpDefault(v, def int) int {
	if v < 1 {
		return def
	}
	return v
}

// Name is the guarded service id.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow admits a call unless the breaker is open, in which case it returns
// a BACKEND_UNAVAILABLE error.
func (cb *CircuitBreaker) Allow() error {
	if cb.State() == BreakerOpen {
		return model.NewBackendUnavailableError()
	}
	return nil
}

// State returns the current state, moving an expired open breaker to
// half-open first.
func (cb *CircuitBreaker) State() BreakerState {
	return cb.update(func(BreakerState) BreakerState { return cb.state })
}

// RecordSuccess reports a call that reached the service and succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.update(func(s BreakerState) BreakerState {
		switch s {
		case BreakerClosed:
			cb.consecutive = 0
			cb.window.add(cb.clock.Now(), false)
		case BreakerHalfOpen:
			cb.probeSuccess++
			if cb.probeSuccess >= cb.successThreshold {
				return BreakerClosed
			}
		}
		return s
	})
}

// RecordFailure reports an infrastructure failure of a call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.update(func(s BreakerState) BreakerState {
		switch s {
		case BreakerClosed:
			cb.consecutive++
			cb.window.add(cb.clock.Now(), true)
			if cb.consecutive >= cb.failureThreshold || cb.rateTripped() {
				return BreakerOpen
			}
		case BreakerHalfOpen:
			return BreakerOpen
		}
		return s
	})
}

// recordOutcome counts a finished round trip. Transport failures and 5xx
// responses count against the service; 4xx responses count for nothing.
func (cb *CircuitBreaker) recordOutcome(status int, err error) {
	switch {
	case err != nil, status >= 500:
		cb.RecordFailure()
	case status < 400:
		cb.RecordSuccess()
	}
}

// Counts returns the consecutive failure count and, when half-open, the
// number of successful probes.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutive, cb.probeSuccess
}

// ErrorRate returns the failure ratio and call count of the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.window.roll(cb.clock.Now())
	return cb.window.rate(), cb.window.calls
}

// update runs step under the lock with the (possibly half-opened) current
// state and applies the state it returns, notifying on any change.
func (cb *CircuitBreaker) update(step func(BreakerState) BreakerState) BreakerState {
	cb.mu.Lock()
	before := cb.state
	if cb.state == BreakerOpen && cb.clock.Since(cb.openedAt) > cb.openTimeout {
		cb.enter(BreakerHalfOpen)
	}
	var transitions []BreakerState
	if cb.state != before {
		transitions = append(transitions, cb.state)
	}
	if next := step(cb.state); next != cb.state {
		cb.enter(next)
		transitions = append(transitions, next)
	}
	state := cb.state
	cb.mu.Unlock()

	if cb.onStateChange != nil {
		for _, s := range transitions {
			cb.onStateChange(cb.name, s)
		}
	}
	return state
}

// enter switches to s and resets the counters s starts from. Lock held.
func (cb *CircuitBreaker) enter(s BreakerState) {
	now := cb.clock.Now()
	cb.state = s
	cb.probeSuccess = 0
	switch s {
	case BreakerOpen:
		cb.openedAt = now
		cb.window.reset(now)
	case BreakerClosed:
		cb.consecutive = 0
		cb.window.reset(now)
	}
}

func (cb *CircuitBreaker) rateTripped() bool {
	if cb.errorRateThreshold <= 0 || cb.window.span <= 0 || cb.window.calls < minErrorRateSamples {
		return false
	}
	return cb.window.rate() >= cb.errorRateThreshold
}
