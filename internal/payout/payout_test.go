package payout

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/internal/invoker"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/model"
)

type fakeActivities struct {
	mu          sync.Mutex
	calls       []string
	bankErrs    []error
	transferErr error
	notifyErr   error
	transferred decimal.Decimal
	payoutKey   string
}

func (f *fakeActivities) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeActivities) BankDetails(_ context.Context, vendorID string) (map[string]string, error) {
	f.record("bankDetails:" + vendorID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bankErrs) > 0 {
		err := f.bankErrs[0]
		f.bankErrs = f.bankErrs[1:]
		return nil, err
	}
	return map[string]string{"iban": "DE89370400440532013000"}, nil
}

func (f *fakeActivities) TransferToVendor(_ context.Context, payoutID, vendorID string, amount decimal.Decimal, bank map[string]string) (string, error) {
	f.record("transfer:" + vendorID)
	if f.transferErr != nil {
		return "", f.transferErr
	}
	if bank["iban"] == "" {
		return "", errors.New("no bank details")
	}
	f.payoutKey = payoutID
	f.transferred = amount
	return "txn-9", nil
}

func (f *fakeActivities) NotifyVendorPayout(_ context.Context, vendorID string, _ decimal.Decimal, transactionID string) error {
	f.record("notify:" + vendorID + ":" + transactionID)
	return f.notifyErr
}

// statusLedger remembers every status written to it.
type statusLedger struct {
	*MemoryLedger
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLedger) Update(ctx context.Context, p *Payout) error {
	l.mu.Lock()
	if n := len(l.statuses); n == 0 || l.statuses[n-1] != p.Status {
		l.statuses = append(l.statuses, p.Status)
	}
	l.mu.Unlock()
	return l.MemoryLedger.Update(ctx, p)
}

func instantGateway() *invoker.Gateway {
	policies := invoker.DefaultPolicies()
	for class, p := range policies {
		p.BackoffInitial = 0
		policies[class] = p
	}
	return invoker.NewGateway(zap.NewNop(), invoker.WithPolicies(policies))
}

func newTestService(t *testing.T, acts *fakeActivities, opts ...Option) (*Service, *statusLedger, *observability.Metrics) {
	t.Helper()
	ledger := &statusLedger{MemoryLedger: NewMemoryLedger()}
	m := observability.InitMetrics(prometheus.NewRegistry())
	opts = append([]Option{
		WithInlineProcessing(),
		WithMetrics(m),
		WithClock(clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))),
	}, opts...)
	return NewService(ledger, acts, instantGateway(), zap.NewNop(), opts...), ledger, m
}

func testRequest() Request {
	return Request{VendorID: "v1", OrderID: "42", OrderAmount: decimal.RequireFromString("120.00")}
}

func TestService_Start_completes(t *testing.T) {
	acts := &fakeActivities{}
	svc, ledger, m := newTestService(t, acts)

	started, err := svc.Start(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if started.Status != StatusPending {
		t.Errorf("started status = %s, want PENDING", started.Status)
	}

	p, err := svc.Get(context.Background(), started.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (error %q)", p.Status, p.Error)
	}
	if !p.Commission.Equal(decimal.RequireFromString("18")) {
		t.Errorf("commission = %s, want 18", p.Commission)
	}
	if !p.Amount.Equal(decimal.RequireFromString("102")) {
		t.Errorf("amount = %s, want 102", p.Amount)
	}
	if !acts.transferred.Equal(p.Amount) {
		t.Errorf("transferred = %s, want %s", acts.transferred, p.Amount)
	}
	if acts.payoutKey != p.ID {
		t.Errorf("transfer key = %q, want payout id %q", acts.payoutKey, p.ID)
	}
	if p.TransactionID != "txn-9" {
		t.Errorf("transaction id = %q, want txn-9", p.TransactionID)
	}

	wantCalls := []string{"bankDetails:v1", "transfer:v1", "notify:v1:txn-9"}
	if len(acts.calls) != len(wantCalls) {
		t.Fatalf("calls = %v, want %v", acts.calls, wantCalls)
	}
	for i := range wantCalls {
		if acts.calls[i] != wantCalls[i] {
			t.Errorf("calls[%d] = %q, want %q", i, acts.calls[i], wantCalls[i])
		}
	}

	wantStatuses := []Status{
		StatusCalculating, StatusFetchingBankDetails, StatusProcessingPayout,
		StatusRecording, StatusNotifying, StatusCompleted,
	}
	if len(ledger.statuses) != len(wantStatuses) {
		t.Fatalf("statuses = %v, want %v", ledger.statuses, wantStatuses)
	}
	for i := range wantStatuses {
		if ledger.statuses[i] != wantStatuses[i] {
			t.Errorf("statuses[%d] = %s, want %s", i, ledger.statuses[i], wantStatuses[i])
		}
	}

	if got := testutil.ToFloat64(m.PayoutsTotal.WithLabelValues("COMPLETED")); got != 1 {
		t.Errorf("payouts_total{COMPLETED} = %v, want 1", got)
	}
}

func TestService_commissionRate(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeActivities{}, WithCommissionRate(decimal.RequireFromString("0.10")))

	started, err := svc.Start(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p, _ := svc.Get(context.Background(), started.ID)
	if !p.Amount.Equal(decimal.RequireFromString("108")) {
		t.Errorf("amount = %s, want 108", p.Amount)
	}
}

func TestService_transferFailureFailsPayout(t *testing.T) {
	acts := &fakeActivities{transferErr: invoker.Permanent(errors.New("account closed"))}
	svc, _, m := newTestService(t, acts)

	started, err := svc.Start(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p, _ := svc.Get(context.Background(), started.ID)
	if p.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", p.Status)
	}
	if p.Error == "" {
		t.Error("error is empty on a failed payout")
	}
	if len(acts.calls) != 2 {
		t.Errorf("calls = %v, want bank details and one transfer", acts.calls)
	}
	if got := testutil.ToFloat64(m.PayoutsTotal.WithLabelValues("FAILED")); got != 1 {
		t.Errorf("payouts_total{FAILED} = %v, want 1", got)
	}
}

func TestService_transientFailuresAreRetried(t *testing.T) {
	acts := &fakeActivities{bankErrs: []error{errors.New("timeout"), errors.New("timeout")}}
	svc, _, _ := newTestService(t, acts)

	started, err := svc.Start(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p, _ := svc.Get(context.Background(), started.ID)
	if p.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", p.Status)
	}
	if acts.calls[2] != "bankDetails:v1" || acts.calls[3] != "transfer:v1" {
		t.Errorf("calls = %v, want three bank detail attempts then transfer", acts.calls)
	}
}

func TestService_exhaustedRetriesFailPayout(t *testing.T) {
	acts := &fakeActivities{bankErrs: []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")}}
	svc, _, _ := newTestService(t, acts)

	started, err := svc.Start(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p, _ := svc.Get(context.Background(), started.ID)
	if p.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", p.Status)
	}
	if len(acts.calls) != 3 {
		t.Errorf("calls = %v, want 3 bank detail attempts", acts.calls)
	}
}

func TestService_Start_validation(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeActivities{})

	_, err := svc.Start(context.Background(), Request{OrderAmount: decimal.Zero})
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrValidationError {
		t.Fatalf("error = %v, want VALIDATION_ERROR", err)
	}
	if len(env.Details) != 3 {
		t.Errorf("details = %v, want 3", env.Details)
	}
}

func TestService_Get_notFound(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeActivities{})
	if _, err := svc.Get(context.Background(), "payout-missing"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestService_Resume(t *testing.T) {
	acts := &fakeActivities{}
	svc, ledger, _ := newTestService(t, acts)
	ctx := context.Background()

	interrupted := &Payout{
		ID:          "payout-1",
		VendorID:    "v2",
		OrderID:     "7",
		OrderAmount: decimal.RequireFromString("50"),
		Status:      StatusProcessingPayout,
	}
	done := &Payout{ID: "payout-2", VendorID: "v3", Status: StatusCompleted}
	for _, p := range []*Payout{interrupted, done} {
		if err := ledger.Create(ctx, p); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	n, err := svc.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if n != 1 {
		t.Errorf("resumed = %d, want 1", n)
	}
	p, _ := svc.Get(ctx, "payout-1")
	if p.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", p.Status)
	}
	if acts.payoutKey != "payout-1" {
		t.Errorf("transfer key = %q, want payout-1", acts.payoutKey)
	}
}

func TestService_Resume_skipsFinishedSteps(t *testing.T) {
	tests := []struct {
		name  string
		entry Payout
		calls []string
	}{
		{
			name:  "transfer not confirmed",
			entry: Payout{Status: StatusProcessingPayout},
			calls: []string{"bankDetails:v2", "transfer:v2", "notify:v2:txn-9"},
		},
		{
			name:  "transfer recorded",
			entry: Payout{Status: StatusRecording, TransactionID: "txn-1"},
			calls: []string{"notify:v2:txn-1"},
		},
		{
			name:  "transfer id recorded before crash",
			entry: Payout{Status: StatusProcessingPayout, TransactionID: "txn-1"},
			calls: []string{"notify:v2:txn-1"},
		},
		{
			name:  "notification pending",
			entry: Payout{Status: StatusNotifying, TransactionID: "txn-1"},
			calls: []string{"notify:v2:txn-1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acts := &fakeActivities{}
			svc, ledger, _ := newTestService(t, acts)
			ctx := context.Background()

			entry := tt.entry
			entry.ID = "payout-1"
			entry.VendorID = "v2"
			entry.OrderID = "7"
			entry.OrderAmount = decimal.RequireFromString("50")
			entry.Commission = decimal.RequireFromString("7.5")
			entry.Amount = decimal.RequireFromString("42.5")
			if err := ledger.Create(ctx, &entry); err != nil {
				t.Fatalf("Create() error = %v", err)
			}

			if _, err := svc.Resume(ctx); err != nil {
				t.Fatalf("Resume() error = %v", err)
			}
			p, err := svc.Get(ctx, "payout-1")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if p.Status != StatusCompleted {
				t.Errorf("status = %s, want COMPLETED", p.Status)
			}
			if !p.Amount.Equal(decimal.RequireFromString("42.5")) {
				t.Errorf("amount = %s, want 42.5", p.Amount)
			}
			if !slices.Equal(acts.calls, tt.calls) {
				t.Errorf("calls = %v, want %v", acts.calls, tt.calls)
			}
		})
	}
}

func TestService_Close_waitsForBackgroundPayouts(t *testing.T) {
	acts := &fakeActivities{}
	ledger := NewMemoryLedger()
	svc := NewService(ledger, acts, instantGateway(), zap.NewNop())

	started, err := svc.Start(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := svc.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	p, _ := ledger.Get(context.Background(), started.ID)
	if p.Status != StatusCompleted {
		t.Errorf("status after Close = %s, want COMPLETED", p.Status)
	}
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	p := &Payout{ID: "payout-1", Status: StatusPending}

	if err := l.Create(ctx, p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := l.Create(ctx, p); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("duplicate Create() error = %v, want CONFLICT", err)
	}
	if err := l.Update(ctx, &Payout{ID: "payout-2"}); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want NOT_FOUND", err)
	}

	p.Status = StatusFailed
	if err := l.Update(ctx, p); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	unfinished, _ := l.FindUnfinished(ctx)
	if len(unfinished) != 0 {
		t.Errorf("FindUnfinished() = %d payouts, want 0", len(unfinished))
	}
}
