package payout

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/ordersaga/model"
)

// Ledger persists payouts.
type Ledger interface {
	Create(ctx context.Context, p *Payout) error
	Update(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	FindUnfinished(ctx context.Context) ([]*Payout, error)
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	payouts map[string]Payout
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{payouts: make(map[string]Payout)}
}

// Create implements Ledger.
func (l *MemoryLedger) Create(_ context.Context, p *Payout) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.payouts[p.ID]; ok {
		return model.NewConflictError(fmt.Sprintf("payout %q already exists", p.ID))
	}
	l.payouts[p.ID] = *p
	return nil
}

// Update implements Ledger.
func (l *MemoryLedger) Update(_ context.Context, p *Payout) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.payouts[p.ID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("payout %q not found", p.ID))
	}
	l.payouts[p.ID] = *p
	return nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, id string) (*Payout, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.payouts[id]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("payout %q not found", id))
	}
	return &p, nil
}

// FindUnfinished implements Ledger, oldest first.
func (l *MemoryLedger) FindUnfinished(_ context.Context) ([]*Payout, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Payout
	for _, p := range l.payouts {
		if !p.Status.IsTerminal() {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// HealthCheck always succeeds.
func (l *MemoryLedger) HealthCheck(context.Context) error {
	return nil
}
