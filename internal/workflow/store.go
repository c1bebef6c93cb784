package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/ordersaga/model"
)

// Store persists saga instances and their execution journals.
type Store interface {
	// Create persists a new instance together with the first journal
	// record. Both are written or neither is. Returns CONFLICT if the
	// instance already exists.
	Create(ctx context.Context, instance model.SagaInstance, first model.JournalRecord) error

	// Get retrieves an instance projection by ID. Returns NOT_FOUND if the
	// instance doesn't exist.
	Get(ctx context.Context, instanceID string) (model.SagaInstance, error)

	// Update persists an updated projection with optimistic locking. The
	// version must match the current stored version. Returns CONFLICT if
	// the version has changed.
	Update(ctx context.Context, instance model.SagaInstance) error

	// Append adds a record to the instance journal and returns it with its
	// assigned sequence number. Returns NOT_FOUND for an unknown instance.
	Append(ctx context.Context, record model.JournalRecord) (model.JournalRecord, error)

	// Records returns the journal of an instance in sequence order.
	Records(ctx context.Context, instanceID string) ([]model.JournalRecord, error)

	// FindActive returns non-terminal instances, newest first.
	FindActive(ctx context.Context, filters InstanceFilters) ([]model.SagaInstance, error)

	// FindDue returns non-terminal instances whose wake time is at or
	// before the given cutoff, earliest first.
	FindDue(ctx context.Context, cutoff time.Time) ([]model.SagaInstance, error)

	// List returns instances regardless of status, newest first.
	List(ctx context.Context, filters InstanceFilters) ([]model.SagaInstance, error)
}

// InstanceFilters are optional filters for listing instances.
type InstanceFilters struct {
	Status     model.OrderStatus
	CustomerID string
	Limit      int
	Offset     int
}

func (f InstanceFilters) match(inst model.SagaInstance) bool {
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.CustomerID != "" && inst.CustomerID != f.CustomerID {
		return false
	}
	return true
}
