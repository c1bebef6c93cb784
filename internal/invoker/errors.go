package invoker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// retryable is implemented by errors that classify themselves.
type retryable interface {
	Retryable() bool
}

type permanentError struct {
	err error
}

// Permanent marks err as non-retryable. The gateway surfaces it after the
// attempt that produced it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// IsRetryable classifies an activity failure. Errors that implement
// Retryable() decide for themselves; context cancellation is never retried;
// everything else is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// ServiceError is a non-2xx response from a collaborator service.
type ServiceError struct {
	Service    string
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("%s %s %s: status %d", e.Service, e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Retryable reports whether the status is worth another attempt: server
// errors, request timeouts and rate limiting.
func (e *ServiceError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// StepError is returned by the gateway when an activity fails for good,
// either on a non-retryable error or after its attempts are exhausted.
type StepError struct {
	Activity  string
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *StepError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%s: failed after %d attempts: %v", e.Activity, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Activity, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Retryable is always false: the step has given up.
func (e *StepError) Retryable() bool { return false }
