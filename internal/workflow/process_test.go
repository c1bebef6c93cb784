package workflow

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/pitabwire/ordersaga/model"
)

func journalRec(kind, step string, data any) model.JournalRecord {
	raw, _ := json.Marshal(data)
	return model.JournalRecord{WorkflowID: "wf-1", Kind: kind, Step: step, Data: raw}
}

func signalRecord(t *testing.T, name string, payload any) model.JournalRecord {
	t.Helper()
	sig, err := model.NewSignal(name, payload)
	if err != nil {
		t.Fatalf("NewSignal() error = %v", err)
	}
	return journalRec(model.RecordSignal, name, sig)
}

func TestFold_unknownKind(t *testing.T) {
	_, err := Fold([]model.JournalRecord{{Kind: "mystery"}})
	if err == nil {
		t.Fatal("Fold() error = nil, want error for unknown kind")
	}
}

func TestFold_projectsStepResults(t *testing.T) {
	payment, _ := json.Marshal(model.PaymentResult{Success: true, PaymentID: "pay-9", TransactionID: "txn-9"})
	partner, _ := json.Marshal("dp-3")

	p, err := Fold([]model.JournalRecord{
		journalRec(model.RecordStarted, "", startedData{Input: model.OrderInput{OrderID: "7", CustomerID: "c-1"}}),
		journalRec(model.RecordStepCompleted, stepProcessPayment, stepCompletedData{Attempts: 1, Result: payment}),
		journalRec(model.RecordStepCompleted, stepAssignDeliveryPartner, stepCompletedData{Attempts: 2, Result: partner}),
	})
	if err != nil {
		t.Fatalf("Fold() error = %v", err)
	}
	if p.ID != "wf-1" || p.OrderID != "7" {
		t.Errorf("ID, OrderID = %q, %q", p.ID, p.OrderID)
	}
	if p.TransactionID != "txn-9" || p.PaymentID != "pay-9" {
		t.Errorf("payment = %q/%q, want pay-9/txn-9", p.PaymentID, p.TransactionID)
	}
	if p.PartnerID != "dp-3" {
		t.Errorf("PartnerID = %q, want dp-3", p.PartnerID)
	}
	if !p.done(stepAssignDeliveryPartner) || p.Steps[stepAssignDeliveryPartner].Attempts != 2 {
		t.Errorf("Steps[assign] = %+v", p.Steps[stepAssignDeliveryPartner])
	}
}

func TestFold_waitKeepsFlagsFromResolution(t *testing.T) {
	p, err := Fold([]model.JournalRecord{
		journalRec(model.RecordStarted, "", startedData{}),
		journalRec(model.RecordWaitStarted, waitVendorConfirmation, waitStartedData{}),
		signalRecord(t, model.SignalVendorConfirmed, model.VendorConfirmation{VendorID: "v1", Confirmed: true}),
		journalRec(model.RecordWaitCompleted, waitVendorConfirmation, waitCompletedData{Outcome: WaitSatisfied}),
		signalRecord(t, model.SignalCancelOrder, model.CancelRequest{Reason: "late"}),
	})
	if err != nil {
		t.Fatalf("Fold() error = %v", err)
	}
	w := p.Waits[waitVendorConfirmation]
	if w.Outcome != WaitSatisfied {
		t.Errorf("Outcome = %q, want satisfied", w.Outcome)
	}
	if w.Flags.CancelRequested {
		t.Error("wait flags picked up a signal that arrived after the wait resolved")
	}
	if !p.Signals.CancelRequested {
		t.Error("process flags missed the cancel signal")
	}
}

func TestFold_waitUsesRecordedFlags(t *testing.T) {
	// The live run resolved the delivery wait as timed out before it saw a
	// proof that landed in the journal just ahead of wait_completed.
	resolved := model.SignalFlags{PickedUp: true}
	p, err := Fold([]model.JournalRecord{
		journalRec(model.RecordStarted, "", startedData{}),
		journalRec(model.RecordWaitStarted, waitDelivery, waitStartedData{}),
		signalRecord(t, model.SignalDeliveryCompleted, model.DeliveryCompletion{ProofURL: "https://proof/1"}),
		journalRec(model.RecordWaitCompleted, waitDelivery, waitCompletedData{Outcome: WaitTimedOut, Flags: &resolved}),
	})
	if err != nil {
		t.Fatalf("Fold() error = %v", err)
	}
	w := p.Waits[waitDelivery]
	if w.Flags.DeliveryCompleted || w.Flags.ProofURL != "" {
		t.Errorf("wait flags = %+v, want the flags recorded at resolution", w.Flags)
	}
	if !w.Flags.PickedUp {
		t.Error("wait flags lost PickedUp")
	}
	if !p.Signals.DeliveryCompleted {
		t.Error("process flags missed the delivery signal")
	}
}

func TestFold_attemptsKeepHighest(t *testing.T) {
	p, err := Fold([]model.JournalRecord{
		journalRec(model.RecordAttempt, stepReserveInventory, attemptData{Attempt: 2, Error: "x"}),
		journalRec(model.RecordAttempt, stepReserveInventory, attemptData{Attempt: 1, Error: "x"}),
	})
	if err != nil {
		t.Fatalf("Fold() error = %v", err)
	}
	if p.Attempts[stepReserveInventory] != 2 {
		t.Errorf("Attempts = %d, want 2", p.Attempts[stepReserveInventory])
	}
}

func TestProcess_PendingDeadline(t *testing.T) {
	d := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
	p, err := Fold([]model.JournalRecord{
		journalRec(model.RecordWaitStarted, waitVendorReady, waitStartedData{}),
		journalRec(model.RecordWaitStarted, waitVendorConfirmation, waitStartedData{Deadline: &d}),
	})
	if err != nil {
		t.Fatalf("Fold() error = %v", err)
	}
	got := p.PendingDeadline()
	if got == nil || !got.Equal(d) {
		t.Errorf("PendingDeadline() = %v, want %v", got, d)
	}
}

// A journal produced by a real run folds to the same process every time,
// and every prefix of it is a consistent process whose status changes
// follow the transition graph.
func TestFold_replayIsDeterministic_property(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)
	env.driveToOutForDelivery(t, id)
	env.signal(t, id, model.SignalCancelOrder, model.CancelRequest{Reason: "late"})

	records, err := env.store.Records(context.Background(), id)
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, len(records)).Draw(rt, "prefix")
		prefix := records[:n]

		a, err := Fold(prefix)
		if err != nil {
			rt.Fatalf("Fold() error = %v", err)
		}
		b, err := Fold(prefix)
		if err != nil {
			rt.Fatalf("second Fold() error = %v", err)
		}
		if !reflect.DeepEqual(a, b) {
			rt.Fatalf("folding %d records twice gave different processes", n)
		}

		status := model.StatusCreated
		for _, r := range prefix {
			if r.Kind != model.RecordStatus {
				continue
			}
			var d statusData
			if err := json.Unmarshal(r.Data, &d); err != nil {
				rt.Fatalf("decode status: %v", err)
			}
			if d.From != status {
				rt.Fatalf("status record from %s, process was %s", d.From, status)
			}
			if err := CheckTransition(d.From, d.To); err != nil {
				rt.Fatalf("journal holds disallowed transition: %v", err)
			}
			status = d.To
		}
		if status != a.Status {
			rt.Fatalf("Status = %s, want %s", a.Status, status)
		}
	})
}
