package workflow

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/ordersaga/model"
)

// MemoryStore keeps instances and journals in process. It backs tests and
// single-replica deployments; nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.SagaInstance
	journals  map[string][]model.JournalRecord
	seq       int64
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: map[string]model.SagaInstance{},
		journals:  map[string][]model.JournalRecord{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// nextSeq stamps rec with the store-wide sequence. Lock held.
func (s *MemoryStore) nextSeq(rec model.JournalRecord) model.JournalRecord {
	s.seq++
	rec.Seq = s.seq
	return rec
}

func (s *MemoryStore) Create(_ context.Context, inst model.SagaInstance, first model.JournalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.instances[inst.ID]; taken {
		return model.NewConflictError(fmt.Sprintf("saga instance %q already exists", inst.ID))
	}
	first.WorkflowID = inst.ID
	s.instances[inst.ID] = inst
	s.journals[inst.ID] = []model.JournalRecord{s.nextSeq(first)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, instanceID string) (model.SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inst, ok := s.instances[instanceID]; ok {
		return inst, nil
	}
	return model.SagaInstance{}, notFound(instanceID)
}

// Update replaces inst if its Version still matches the stored one, then
// bumps the version.
func (s *MemoryStore) Update(_ context.Context, inst model.SagaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[inst.ID]
	switch {
	case !ok:
		return notFound(inst.ID)
	case stored.Version != inst.Version:
		return model.NewConflictError(fmt.Sprintf(
			"saga instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, stored.Version))
	}
	inst.Version++
	inst.UpdatedAt = s.now()
	s.instances[inst.ID] = inst
	return nil
}

func (s *MemoryStore) Append(_ context.Context, rec model.JournalRecord) (model.JournalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[rec.WorkflowID]; !ok {
		return model.JournalRecord{}, notFound(rec.WorkflowID)
	}
	rec = s.nextSeq(rec)
	s.journals[rec.WorkflowID] = append(s.journals[rec.WorkflowID], rec)
	return rec, nil
}

// Records returns a copy of the journal in sequence order.
func (s *MemoryStore) Records(_ context.Context, instanceID string) ([]model.JournalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, ok := s.journals[instanceID]
	if !ok {
		return nil, notFound(instanceID)
	}
	return slices.Clone(recs), nil
}

func (s *MemoryStore) FindActive(_ context.Context, filters InstanceFilters) ([]model.SagaInstance, error) {
	return s.find(filters, func(inst model.SagaInstance) bool { return !inst.Status.IsTerminal() }), nil
}

func (s *MemoryStore) List(_ context.Context, filters InstanceFilters) ([]model.SagaInstance, error) {
	return s.find(filters, nil), nil
}

// newestFirst orders by creation time descending with id as tie-breaker.
func newestFirst(a, b model.SagaInstance) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (s *MemoryStore) find(filters InstanceFilters, keep func(model.SagaInstance) bool) []model.SagaInstance {
	s.mu.RLock()
	matched := []model.SagaInstance{}
	for _, inst := range s.instances {
		if (keep == nil || keep(inst)) && filters.match(inst) {
			matched = append(matched, inst)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, newestFirst)
	return page(matched, filters.Offset, filters.Limit)
}

// page applies offset and limit; a zero limit means no limit.
func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// FindDue returns unfinished instances whose WakeAt is at or before cutoff,
// earliest first.
func (s *MemoryStore) FindDue(_ context.Context, cutoff time.Time) ([]model.SagaInstance, error) {
	s.mu.RLock()
	var due []model.SagaInstance
	for _, inst := range s.instances {
		if !inst.Status.IsTerminal() && inst.WakeAt != nil && !inst.WakeAt.After(cutoff) {
			due = append(due, inst)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(due, func(a, b model.SagaInstance) int {
		if c := a.WakeAt.Compare(*b.WakeAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return due, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len counts stored instances.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func notFound(instanceID string) error {
	return model.NewNotFoundError(fmt.Sprintf("saga instance %q not found", instanceID))
}
