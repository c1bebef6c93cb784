package workflow

import (
	"context"
	"encoding/json"
)

// Compensation kinds.
const (
	KindRefundPayment            = "refundPayment"
	KindReleaseInventory         = "releaseInventory"
	KindNotifyVendorCancellation = "notifyVendorCancellation"
	KindCancelDeliveryAssignment = "cancelDeliveryAssignment"
)

// Action is an undo operation bound to the arguments captured when its
// forward step succeeded. Key is unique within one saga.
type Action struct {
	Key  string          `json:"key"`
	Kind string          `json:"kind"`
	Args json.RawMessage `json:"args,omitempty"`
}

// CompensationManager is a LIFO stack of undo actions with an execution
// cursor. Actions run in strict reverse registration order, at most once.
type CompensationManager struct {
	actions []Action
	keys    map[string]bool
	// executed counts actions already run, from the top of the stack.
	executed int
}

// NewCompensationManager creates an empty stack.
func NewCompensationManager() *CompensationManager {
	return &CompensationManager{keys: make(map[string]bool)}
}

// Register pushes an action. It returns false if an action with the same
// key is already registered.
func (m *CompensationManager) Register(a Action) bool {
	if m.keys[a.Key] {
		return false
	}
	m.keys[a.Key] = true
	m.actions = append(m.actions, a)
	return true
}

// Registered reports whether an action with the given key exists.
func (m *CompensationManager) Registered(key string) bool {
	return m.keys[key]
}

// Actions returns the registered actions in registration order.
func (m *CompensationManager) Actions() []Action {
	out := make([]Action, len(m.actions))
	copy(out, m.actions)
	return out
}

// Pending returns the actions not yet executed, in execution order.
func (m *CompensationManager) Pending() []Action {
	var out []Action
	for i := len(m.actions) - 1 - m.executed; i >= 0; i-- {
		out = append(out, m.actions[i])
	}
	return out
}

// next returns the action at the cursor.
func (m *CompensationManager) next() (Action, bool) {
	i := len(m.actions) - 1 - m.executed
	if i < 0 {
		return Action{}, false
	}
	return m.actions[i], true
}

// MarkExecuted advances the cursor past the action with the given key. It
// only moves when key is the action at the cursor, so replaying the same
// mark twice is harmless.
func (m *CompensationManager) MarkExecuted(key string) bool {
	a, ok := m.next()
	if !ok || a.Key != key {
		return false
	}
	m.executed++
	return true
}

// Executed returns how many actions have run.
func (m *CompensationManager) Executed() int {
	return m.executed
}

// Compensate runs pending actions in reverse order. run performs the undo;
// its error is handed to record and never stops the unwind. record makes
// the execution durable; a record error stops the unwind so it can resume
// from the same action later. Calling Compensate again only runs actions
// that have not been recorded.
func (m *CompensationManager) Compensate(
	ctx context.Context,
	run func(context.Context, Action) error,
	record func(context.Context, Action, error) error,
) error {
	for {
		a, ok := m.next()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		runErr := run(ctx, a)
		if err := record(ctx, a, runErr); err != nil {
			return err
		}
		m.MarkExecuted(a.Key)
	}
}
