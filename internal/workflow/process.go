package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/ordersaga/model"
)

// Step keys whose results are projected onto the process.
const (
	stepCreateOrder           = "createOrder"
	stepValidateOrder         = "validateOrder"
	stepProcessPayment        = "processPayment"
	stepReserveInventory      = "reserveInventory"
	stepNotifyVendors         = "notifyVendors"
	stepAssignDeliveryPartner = "assignDeliveryPartner"
	stepCaptureDeliveryProof  = "captureDeliveryProof"
	stepTrackDelivery         = "trackDelivery"
)

// AbortCause says why a saga left the forward path.
type AbortCause string

// Abort causes, each with a fixed final status.
const (
	CauseValidation   AbortCause = "validation"
	CausePayment      AbortCause = "payment"
	CauseStep         AbortCause = "step"
	CauseCancellation AbortCause = "cancellation"
	CauseVendor       AbortCause = "vendor"
)

// FinalStatus returns the terminal status an abort with this cause ends in.
func (c AbortCause) FinalStatus() model.OrderStatus {
	switch c {
	case CausePayment:
		return model.StatusPaymentFailed
	case CauseCancellation, CauseVendor:
		return model.StatusCancelled
	default:
		return model.StatusFailed
	}
}

// compensates reports whether the cause unwinds registered compensations.
func (c AbortCause) compensates() bool {
	return c != CauseValidation && c != CausePayment
}

// Journal record payloads.
type (
	startedData struct {
		Input model.OrderInput `json:"input"`
	}
	statusData struct {
		From model.OrderStatus `json:"from"`
		To   model.OrderStatus `json:"to"`
	}
	attemptData struct {
		Attempt int    `json:"attempt"`
		Error   string `json:"error"`
	}
	stepCompletedData struct {
		Attempts    int             `json:"attempts"`
		Fingerprint string          `json:"fingerprint,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	stepFailedData struct {
		Attempts  int    `json:"attempts"`
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
	}
	compensationExecutedData struct {
		Error string `json:"error,omitempty"`
	}
	waitStartedData struct {
		Deadline *time.Time `json:"deadline,omitempty"`
	}
	waitCompletedData struct {
		Outcome WaitOutcome `json:"outcome"`
		// Flags the wait was resolved against. Absent in journals written
		// before they were recorded.
		Flags *model.SignalFlags `json:"flags,omitempty"`
	}
	issueData struct {
		Message string `json:"message"`
	}
	etaData struct {
		ETA time.Time `json:"eta"`
	}
	abortedData struct {
		Cause       AbortCause        `json:"cause"`
		Reason      string            `json:"reason"`
		FinalStatus model.OrderStatus `json:"finalStatus"`
	}
)

// StepRecord is the recorded outcome of one activity step.
type StepRecord struct {
	Completed bool
	Attempts  int
	Result    json.RawMessage
	Error     string
}

// Wait is the recorded state of one awaitUntil call.
type Wait struct {
	Deadline *time.Time
	Outcome  WaitOutcome
	// Flags are the signal flags as they stood when the wait resolved.
	Flags model.SignalFlags
}

// Abort is the recorded decision to leave the forward path.
type Abort struct {
	Cause       AbortCause
	Reason      string
	FinalStatus model.OrderStatus
}

// Process is the state of one order saga, rebuilt by folding its journal.
// It is never persisted directly.
type Process struct {
	ID            string
	Input         model.OrderInput
	OrderID       string
	Status        model.OrderStatus
	Timeline      []model.TimelineEvent
	Signals       model.SignalFlags
	ETA           *time.Time
	PaymentID     string
	TransactionID string
	PartnerID     string
	ProofURL      string
	Issues        []string
	Steps         map[string]StepRecord
	Attempts      map[string]int
	Waits         map[string]Wait
	Compensation  *CompensationManager
	Abort         *Abort
	Result        *model.OrderResult
	StartedAt     time.Time

	// marks holds the step keys of one-shot records (timeline, issue, eta).
	marks map[string]bool
}

func newProcess() *Process {
	return &Process{
		Status:       model.StatusCreated,
		Timeline:     []model.TimelineEvent{},
		Issues:       []string{},
		Steps:        make(map[string]StepRecord),
		Attempts:     make(map[string]int),
		Waits:        make(map[string]Wait),
		Compensation: NewCompensationManager(),
		marks:        make(map[string]bool),
	}
}

// Fold rebuilds a process from its journal. Folding the same records always
// yields the same process.
func Fold(records []model.JournalRecord) (*Process, error) {
	p := newProcess()
	for _, rec := range records {
		if err := p.apply(rec); err != nil {
			return nil, fmt.Errorf("fold record %d (%s): %w", rec.Seq, rec.Kind, err)
		}
	}
	return p, nil
}

// apply folds one record into the process.
func (p *Process) apply(rec model.JournalRecord) error {
	switch rec.Kind {
	case model.RecordStarted:
		var d startedData
		if err := decode(rec, &d); err != nil {
			return err
		}
		p.ID = rec.WorkflowID
		p.Input = d.Input
		p.OrderID = d.Input.OrderID
		p.StartedAt = rec.Timestamp

	case model.RecordStatus:
		var d statusData
		if err := decode(rec, &d); err != nil {
			return err
		}
		p.Status = d.To

	case model.RecordTimeline:
		var ev model.TimelineEvent
		if err := decode(rec, &ev); err != nil {
			return err
		}
		p.Timeline = append(p.Timeline, ev)
		p.mark(rec.Step)

	case model.RecordAttempt:
		var d attemptData
		if err := decode(rec, &d); err != nil {
			return err
		}
		if d.Attempt > p.Attempts[rec.Step] {
			p.Attempts[rec.Step] = d.Attempt
		}

	case model.RecordStepCompleted:
		var d stepCompletedData
		if err := decode(rec, &d); err != nil {
			return err
		}
		p.Steps[rec.Step] = StepRecord{Completed: true, Attempts: d.Attempts, Result: d.Result}
		return p.project(rec.Step, d.Result)

	case model.RecordStepFailed:
		var d stepFailedData
		if err := decode(rec, &d); err != nil {
			return err
		}
		p.Steps[rec.Step] = StepRecord{Attempts: d.Attempts, Error: d.Error}

	case model.RecordCompensationRegistered:
		var a Action
		if err := decode(rec, &a); err != nil {
			return err
		}
		p.Compensation.Register(a)

	case model.RecordCompensationExecuted:
		p.Compensation.MarkExecuted(rec.Step)

	case model.RecordWaitStarted:
		var d waitStartedData
		if err := decode(rec, &d); err != nil {
			return err
		}
		if _, ok := p.Waits[rec.Step]; !ok {
			p.Waits[rec.Step] = Wait{Deadline: d.Deadline}
		}

	case model.RecordWaitCompleted:
		var d waitCompletedData
		if err := decode(rec, &d); err != nil {
			return err
		}
		w := p.Waits[rec.Step]
		w.Outcome = d.Outcome
		w.Flags = p.Signals
		if d.Flags != nil {
			w.Flags = *d.Flags
		}
		p.Waits[rec.Step] = w

	case model.RecordSignal:
		var sig model.Signal
		if err := decode(rec, &sig); err != nil {
			return err
		}
		eta, err := p.Signals.Apply(sig)
		if err != nil {
			return err
		}
		if eta != nil {
			t := *eta
			p.ETA = &t
		}

	case model.RecordIssue:
		var d issueData
		if err := decode(rec, &d); err != nil {
			return err
		}
		p.Issues = append(p.Issues, d.Message)
		p.mark(rec.Step)

	case model.RecordETA:
		var d etaData
		if err := decode(rec, &d); err != nil {
			return err
		}
		p.ETA = &d.ETA
		p.mark(rec.Step)

	case model.RecordAborted:
		var d abortedData
		if err := decode(rec, &d); err != nil {
			return err
		}
		p.Abort = &Abort{Cause: d.Cause, Reason: d.Reason, FinalStatus: d.FinalStatus}

	case model.RecordFinished:
		var res model.OrderResult
		if err := decode(rec, &res); err != nil {
			return err
		}
		p.Result = &res

	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	return nil
}

// project copies well-known step results onto the process.
func (p *Process) project(step string, result json.RawMessage) error {
	switch step {
	case stepCreateOrder:
		return json.Unmarshal(result, &p.OrderID)
	case stepProcessPayment:
		var res model.PaymentResult
		if err := json.Unmarshal(result, &res); err != nil {
			return err
		}
		p.PaymentID = res.PaymentID
		p.TransactionID = res.TransactionID
	case stepAssignDeliveryPartner:
		return json.Unmarshal(result, &p.PartnerID)
	case stepCaptureDeliveryProof:
		return json.Unmarshal(result, &p.ProofURL)
	}
	return nil
}

func (p *Process) mark(key string) {
	if key != "" {
		p.marks[key] = true
	}
}

func (p *Process) marked(key string) bool {
	return p.marks[key]
}

// done reports whether a step has a recorded outcome.
func (p *Process) done(step string) bool {
	_, ok := p.Steps[step]
	return ok
}

// Finished reports whether the saga has produced its result.
func (p *Process) Finished() bool {
	return p.Result != nil
}

// PendingDeadline returns the deadline of the open wait, if any.
func (p *Process) PendingDeadline() *time.Time {
	var earliest *time.Time
	for _, w := range p.Waits {
		if w.Outcome != WaitPending || w.Deadline == nil {
			continue
		}
		if earliest == nil || w.Deadline.Before(*earliest) {
			earliest = w.Deadline
		}
	}
	return earliest
}

// Order returns the order context passed to activities.
func (p *Process) Order() model.OrderInput {
	in := p.Input
	in.OrderID = p.OrderID
	return in
}

// Snapshot returns the read model of the process.
func (p *Process) Snapshot() model.OrderSnapshot {
	timeline := make([]model.TimelineEvent, len(p.Timeline))
	copy(timeline, p.Timeline)
	issues := make([]string, len(p.Issues))
	copy(issues, p.Issues)
	return model.OrderSnapshot{
		WorkflowID:           p.ID,
		OrderID:              p.OrderID,
		Status:               p.Status,
		Timeline:             timeline,
		ETA:                  p.ETA,
		PaymentTransactionID: p.TransactionID,
		DeliveryPartnerID:    p.PartnerID,
		DeliveryProofURL:     p.ProofURL,
		Issues:               issues,
		Signals:              p.Signals,
		Result:               p.Result,
	}
}

func decode(rec model.JournalRecord, v any) error {
	if len(rec.Data) == 0 {
		return nil
	}
	return json.Unmarshal(rec.Data, v)
}
