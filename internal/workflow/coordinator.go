package workflow

import (
	"time"

	"github.com/pitabwire/ordersaga/model"
)

// WaitOutcome is how an awaitUntil call resolved.
type WaitOutcome string

// Wait outcomes. WaitPending means the wait has not resolved yet.
const (
	WaitPending   WaitOutcome = ""
	WaitSatisfied WaitOutcome = "satisfied"
	WaitCancelled WaitOutcome = "cancelled"
	WaitTimedOut  WaitOutcome = "timed_out"
)

// Predicate is a wait condition over the signal flags.
type Predicate func(model.SignalFlags) bool

// Wait conditions used by the order saga.
var (
	vendorResponded = func(f model.SignalFlags) bool { return f.VendorConfirmed || f.VendorRejected }
	vendorReady     = func(f model.SignalFlags) bool { return f.VendorReady }
	pickedUp        = func(f model.SignalFlags) bool { return f.PickedUp }
	delivered       = func(f model.SignalFlags) bool { return f.DeliveryCompleted }
)

// Evaluate resolves a wait against the current flags and clock.
// Cancellation is checked first, so it wins over a business signal that
// arrived at the same time. A nil deadline never expires.
func Evaluate(flags model.SignalFlags, pred Predicate, deadline *time.Time, now time.Time) WaitOutcome {
	if flags.CancelRequested {
		return WaitCancelled
	}
	if pred(flags) {
		return WaitSatisfied
	}
	if deadline != nil && !now.Before(*deadline) {
		return WaitTimedOut
	}
	return WaitPending
}
