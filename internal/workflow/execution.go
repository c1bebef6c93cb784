package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/internal/invoker"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/model"
)

// errParked ends a drive that is waiting on a signal or a deadline.
var errParked = errors.New("saga parked")

// recordedFailure replays a step failure from the journal.
type recordedFailure struct {
	step string
	msg  string
}

func (e *recordedFailure) Error() string {
	return fmt.Sprintf("%s: %s", e.step, e.msg)
}

// run is one drive of one saga instance. Every decision it takes is either
// read back from the journal or appended to it before taking effect.
type run struct {
	e      *Engine
	p      *Process
	logger *zap.Logger
	// wakeAt is the deadline of the wait the drive parked on.
	wakeAt *time.Time
}

func (r *run) now() time.Time {
	return r.e.clock.Now().UTC()
}

// record appends a journal record and folds it into the process.
func (r *run) record(ctx context.Context, kind, step string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s record: %w", kind, err)
		}
		raw = b
	}
	rec, err := r.e.store.Append(ctx, model.JournalRecord{
		ID:         uuid.NewString(),
		WorkflowID: r.p.ID,
		Kind:       kind,
		Step:       step,
		Data:       raw,
		Timestamp:  r.now(),
	})
	if err != nil {
		return &journalError{fmt.Errorf("append %s record: %w", kind, err)}
	}
	if err := r.p.apply(rec); err != nil {
		return &journalError{fmt.Errorf("apply %s record: %w", kind, err)}
	}
	return nil
}

// transition moves the saga to a new status through the transition guard.
func (r *run) transition(ctx context.Context, to model.OrderStatus) error {
	from := r.p.Status
	if from == to {
		return nil
	}
	if err := CheckTransition(from, to); err != nil {
		return err
	}
	if err := r.record(ctx, model.RecordStatus, "", statusData{From: from, To: to}); err != nil {
		return err
	}
	r.e.metrics.RecordTransition(string(to))
	r.logger.Info("saga status changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	r.e.publish(ctx, r.p, "STATUS_CHANGED")
	return nil
}

// timeline appends a timeline event once per saga.
func (r *run) timeline(ctx context.Context, event, outcome, detail string) error {
	key := "timeline:" + event
	if r.p.marked(key) {
		return nil
	}
	return r.record(ctx, model.RecordTimeline, key, model.TimelineEvent{
		Event:     event,
		Outcome:   outcome,
		Timestamp: r.now(),
		Detail:    detail,
	})
}

// issue appends a non-fatal issue once per key.
func (r *run) issue(ctx context.Context, key, msg string) error {
	key = "issue:" + key
	if r.p.marked(key) {
		return nil
	}
	r.logger.Warn("saga issue recorded", zap.String("issue", msg))
	return r.record(ctx, model.RecordIssue, key, issueData{Message: msg})
}

// step runs an activity through the gateway unless the journal already
// holds its outcome, in which case the recorded result or failure is
// returned without calling the activity again.
func (r *run) step(
	ctx context.Context,
	key, activity string,
	class invoker.Class,
	input any,
	fn func(context.Context) (any, error),
) (json.RawMessage, error) {
	if rec, ok := r.p.Steps[key]; ok {
		if rec.Completed {
			return rec.Result, nil
		}
		return nil, &recordedFailure{step: key, msg: rec.Error}
	}

	ctx, span := observability.StartSpan(ctx, "saga.step",
		observability.AttrStep.String(key),
		observability.AttrActivity.String(activity),
	)

	var result any
	attempts, err := r.e.gateway.Execute(ctx, invoker.Invocation{
		Name:          activity,
		Class:         class,
		PriorAttempts: r.p.Attempts[key],
		OnAttempt: func(attempt int, err error) {
			if rerr := r.record(ctx, model.RecordAttempt, key, attemptData{Attempt: attempt, Error: err.Error()}); rerr != nil {
				r.logger.Error("failed to record attempt", zap.String("step", key), zap.Error(rerr))
			}
		},
	}, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	span.SetAttributes(observability.AttrAttempt.Int(attempts))

	if err != nil {
		observability.EndSpanWithError(span, err)
		if ctx.Err() != nil {
			// Interrupted, not failed. The next drive resumes the retry loop.
			return nil, ctx.Err()
		}
		r.logger.Error("saga step failed",
			zap.String("step", key),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if rerr := r.record(ctx, model.RecordStepFailed, key, stepFailedData{
			Attempts:  attempts,
			Error:     err.Error(),
			Retryable: invoker.IsRetryable(err),
		}); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}
	span.End()

	var raw json.RawMessage
	if result != nil {
		b, merr := json.Marshal(result)
		if merr != nil {
			return nil, fmt.Errorf("marshal %s result: %w", key, merr)
		}
		raw = b
	}
	if err := r.record(ctx, model.RecordStepCompleted, key, stepCompletedData{
		Attempts:    attempts,
		Fingerprint: fingerprint(key, input),
		Result:      raw,
	}); err != nil {
		return nil, err
	}
	return raw, nil
}

// bestEffort runs a step whose failure is logged and otherwise ignored.
func (r *run) bestEffort(
	ctx context.Context,
	key, activity string,
	class invoker.Class,
	input any,
	fn func(context.Context) error,
) error {
	_, err := r.step(ctx, key, activity, class, input, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || isJournalError(err) {
		return err
	}
	r.logger.Warn("best-effort step failed", zap.String("step", key), zap.Error(err))
	return nil
}

// awaitUntil resolves a wait, or parks the drive until a signal arrives or
// the deadline passes. A resolved wait is read back from the journal, so
// replay sees the same outcome and the same flags.
func (r *run) awaitUntil(ctx context.Context, key string, pred Predicate, timeout time.Duration) (WaitOutcome, model.SignalFlags, error) {
	w, started := r.p.Waits[key]
	if started && w.Outcome != WaitPending {
		return w.Outcome, w.Flags, nil
	}
	if !started {
		var deadline *time.Time
		if timeout > 0 {
			d := r.now().Add(timeout)
			deadline = &d
		}
		if err := r.record(ctx, model.RecordWaitStarted, key, waitStartedData{Deadline: deadline}); err != nil {
			return WaitPending, model.SignalFlags{}, err
		}
		w = r.p.Waits[key]
	}

	outcome := Evaluate(r.p.Signals, pred, w.Deadline, r.now())
	if outcome == WaitPending {
		r.wakeAt = w.Deadline
		r.logger.Debug("saga parked", zap.String("wait", key))
		return WaitPending, model.SignalFlags{}, errParked
	}
	flags := r.p.Signals
	if err := r.record(ctx, model.RecordWaitCompleted, key, waitCompletedData{Outcome: outcome, Flags: &flags}); err != nil {
		return WaitPending, model.SignalFlags{}, err
	}
	r.logger.Info("saga wait resolved", zap.String("wait", key), zap.String("outcome", string(outcome)))
	return outcome, r.p.Waits[key].Flags, nil
}

// abort records the decision to leave the forward path.
func (r *run) abort(ctx context.Context, cause AbortCause, reason string) error {
	if r.p.Abort != nil {
		return nil
	}
	r.logger.Warn("saga aborted", zap.String("cause", string(cause)), zap.String("reason", reason))
	return r.record(ctx, model.RecordAborted, "", abortedData{
		Cause:       cause,
		Reason:      reason,
		FinalStatus: cause.FinalStatus(),
	})
}

// fail aborts the saga because of a step error. Interruptions and journal
// failures end the drive instead, so a later drive can resume.
func (r *run) fail(ctx context.Context, cause AbortCause, err error) error {
	if ctx.Err() != nil || isJournalError(err) {
		return err
	}
	return r.abort(ctx, cause, err.Error())
}

// abortCancelled aborts with the customer's cancellation reason.
func (r *run) abortCancelled(ctx context.Context) error {
	reason := "order cancelled by customer"
	if r.p.Signals.CancelReason != "" {
		reason += ": " + r.p.Signals.CancelReason
	}
	return r.abort(ctx, CauseCancellation, reason)
}

// finish records the saga result.
func (r *run) finish(ctx context.Context, res model.OrderResult) error {
	if err := r.record(ctx, model.RecordFinished, "", res); err != nil {
		return err
	}
	r.e.metrics.RecordSagaCompletion(string(res.FinalStatus))
	r.logger.Info("saga finished",
		zap.String("final_status", string(res.FinalStatus)),
		zap.Strings("issues", res.Issues),
	)
	r.e.publish(ctx, r.p, "FINISHED")
	return nil
}

// journalError marks failures to read or write the journal. They end the
// drive instead of steering the saga.
type journalError struct{ err error }

func (e *journalError) Error() string { return e.err.Error() }
func (e *journalError) Unwrap() error { return e.err }

func isJournalError(err error) bool {
	var je *journalError
	return errors.As(err, &je)
}

// fingerprint identifies the input a step ran with.
func fingerprint(key string, input any) string {
	b, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, append([]byte(key+":"), b...)).String()
}

func spanAttrs(p *Process) []attribute.KeyValue {
	return []attribute.KeyValue{
		observability.AttrWorkflowID.String(p.ID),
		observability.AttrOrderID.String(p.OrderID),
		observability.AttrStatus.String(string(p.Status)),
	}
}
