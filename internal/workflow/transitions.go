package workflow

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/pitabwire/ordersaga/model"
)

// Transitions returns the allowed status graph: each forward status leads
// to the next one, and every non-terminal status can escape to
// PAYMENT_FAILED, CANCELLED or FAILED.
func Transitions() map[model.OrderStatus][]model.OrderStatus {
	graph := make(map[model.OrderStatus][]model.OrderStatus)
	for i, from := range model.ForwardStatuses {
		if from.IsTerminal() {
			continue
		}
		var next []model.OrderStatus
		if i+1 < len(model.ForwardStatuses) {
			next = append(next, model.ForwardStatuses[i+1])
		}
		next = append(next, model.EscapeStatuses...)
		graph[from] = next
	}
	return graph
}

var transitionGraph = Transitions()

// newStatusMachine builds a state machine over an externally held status.
// Triggers are the destination statuses.
func newStatusMachine(status *model.OrderStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return *status, nil
		},
		func(_ context.Context, s stateless.State) error {
			*status = s.(model.OrderStatus)
			return nil
		},
		stateless.FiringImmediate,
	)
	for from, targets := range transitionGraph {
		cfg := sm.Configure(from)
		for _, to := range targets {
			cfg.Permit(to, to)
		}
	}
	return sm
}

// CheckTransition fires from -> to through the status machine and returns
// INVALID_TRANSITION if the graph does not allow it.
func CheckTransition(from, to model.OrderStatus) error {
	status := from
	if err := newStatusMachine(&status).Fire(to); err != nil {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("transition %s -> %s is not allowed", from, to),
		)
	}
	return nil
}
