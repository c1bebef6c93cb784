// Package payout pays vendors their share of a completed order. A payout
// runs its steps once, in order, through the activity gateway and records
// every status change in a ledger. It never compensates: a failed payout is
// left FAILED for an operator to settle.
package payout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/internal/invoker"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/model"
)

// Status is the stage a payout has reached.
type Status string

// Payout statuses, in the order a successful payout visits them.
const (
	StatusPending             Status = "PENDING"
	StatusCalculating         Status = "CALCULATING"
	StatusFetchingBankDetails Status = "FETCHING_BANK_DETAILS"
	StatusProcessingPayout    Status = "PROCESSING_PAYOUT"
	StatusRecording           Status = "RECORDING"
	StatusNotifying           Status = "NOTIFYING"
	StatusCompleted           Status = "COMPLETED"
	StatusFailed              Status = "FAILED"
)

// IsTerminal reports whether the payout has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultCommissionRate is the platform's share of an order.
var DefaultCommissionRate = decimal.RequireFromString("0.15")

// Request asks for one vendor to be paid for one order.
type Request struct {
	VendorID    string          `json:"vendorId"`
	OrderID     string          `json:"orderId"`
	OrderAmount decimal.Decimal `json:"orderAmount"`
}

// Payout is the ledger entry of one payout.
type Payout struct {
	ID            string          `json:"id"`
	VendorID      string          `json:"vendorId"`
	OrderID       string          `json:"orderId"`
	OrderAmount   decimal.Decimal `json:"orderAmount"`
	Commission    decimal.Decimal `json:"commission"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transactionId,omitempty"`
	Status        Status          `json:"status"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Activities are the collaborator calls a payout makes.
type Activities interface {
	BankDetails(ctx context.Context, vendorID string) (map[string]string, error)
	TransferToVendor(ctx context.Context, payoutID, vendorID string, amount decimal.Decimal, bankDetails map[string]string) (string, error)
	NotifyVendorPayout(ctx context.Context, vendorID string, amount decimal.Decimal, transactionID string) error
}

// Service starts payouts and answers status queries.
type Service struct {
	ledger  Ledger
	acts    Activities
	gateway *invoker.Gateway
	logger  *zap.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
	rate    decimal.Decimal
	inline  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithCommissionRate overrides DefaultCommissionRate.
func WithCommissionRate(rate decimal.Decimal) Option {
	return func(s *Service) { s.rate = rate }
}

// WithClock sets the clock used for ledger timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithMetrics records payout outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithInlineProcessing runs payouts on the caller's goroutine.
func WithInlineProcessing() Option {
	return func(s *Service) { s.inline = true }
}

// NewService creates a payout service.
func NewService(ledger Ledger, acts Activities, gateway *invoker.Gateway, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		ledger:  ledger,
		acts:    acts,
		gateway: gateway,
		logger:  logger,
		clock:   clockwork.NewRealClock(),
		rate:    DefaultCommissionRate,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// ValidateRequest checks the shape of a payout request.
func ValidateRequest(req Request) error {
	var details []model.FieldError
	if req.VendorID == "" {
		details = append(details, model.FieldError{Field: "vendorId", Code: "required", Message: "vendorId is required"})
	}
	if req.OrderID == "" {
		details = append(details, model.FieldError{Field: "orderId", Code: "required", Message: "orderId is required"})
	}
	if !req.OrderAmount.IsPositive() {
		details = append(details, model.FieldError{Field: "orderAmount", Code: "positive", Message: "orderAmount must be greater than zero"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Start records a PENDING payout and processes it in the background.
func (s *Service) Start(ctx context.Context, req Request) (*Payout, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	p := &Payout{
		ID:          "payout-" + uuid.NewString(),
		VendorID:    req.VendorID,
		OrderID:     req.OrderID,
		OrderAmount: req.OrderAmount,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.ledger.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}
	s.logger.Info("payout started",
		zap.String("payout_id", p.ID),
		zap.String("vendor_id", p.VendorID),
		zap.String("order_id", p.OrderID),
	)
	started := *p
	s.dispatch(p)
	return &started, nil
}

// Get returns a payout by id.
func (s *Service) Get(ctx context.Context, id string) (*Payout, error) {
	return s.ledger.Get(ctx, id)
}

// Resume restarts payouts a previous process left unfinished. Steps the
// ledger entry shows as done are skipped; a transfer cut off before its
// transaction id was recorded is retried under the same payout id, which the
// payment service uses as its idempotency key.
func (s *Service) Resume(ctx context.Context) (int, error) {
	unfinished, err := s.ledger.FindUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("find unfinished payouts: %w", err)
	}
	for _, p := range unfinished {
		s.dispatch(p)
	}
	return len(unfinished), nil
}

// Close waits for in-flight payouts, interrupting them when ctx expires.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Service) dispatch(p *Payout) {
	s.wg.Add(1)
	if s.inline {
		s.process(s.baseCtx, p)
		return
	}
	go s.process(s.baseCtx, p)
}

// process runs the payout steps. A step failure leaves the payout FAILED.
func (s *Service) process(ctx context.Context, p *Payout) {
	defer s.wg.Done()

	logger := s.logger.With(zap.String("payout_id", p.ID), zap.String("vendor_id", p.VendorID))
	ctx, span := observability.StartSpan(ctx, "payout.process")
	err := s.run(ctx, p, logger)
	observability.EndSpanWithError(span, err)

	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("payout interrupted", zap.String("status", string(p.Status)))
			return
		}
		p.Error = err.Error()
		if uerr := s.setStatus(ctx, p, StatusFailed); uerr != nil {
			logger.Error("recording payout failure failed", zap.Error(uerr))
		}
		s.metrics.RecordPayout(string(StatusFailed))
		logger.Error("payout failed", zap.Error(err))
		return
	}
	s.metrics.RecordPayout(string(StatusCompleted))
	logger.Info("payout completed",
		zap.String("transaction_id", p.TransactionID),
		zap.String("amount", p.Amount.String()),
	)
}

// resumePoint is the first status whose step has not finished for an entry
// read back from the ledger. A recorded transaction id means the money has
// moved; NOTIFYING is only written after the ledger holds the transfer.
func resumePoint(p *Payout) Status {
	switch {
	case p.Status == StatusNotifying:
		return StatusNotifying
	case p.TransactionID != "":
		return StatusRecording
	default:
		return StatusCalculating
	}
}

func (s *Service) run(ctx context.Context, p *Payout, logger *zap.Logger) error {
	from := resumePoint(p)
	if from != StatusCalculating {
		logger.Info("payout resumed after transfer",
			zap.String("from", string(from)),
			zap.String("transaction_id", p.TransactionID),
		)
	} else if err := s.transfer(ctx, p, logger); err != nil {
		return err
	}

	// Record amounts and the transaction in the ledger.
	if from != StatusNotifying {
		if err := s.setStatus(ctx, p, StatusRecording); err != nil {
			return err
		}
		if err := s.execute(ctx, "recordPayout", func(ctx context.Context) error {
			return s.ledger.Update(ctx, p)
		}); err != nil {
			return err
		}
	}

	// Tell the vendor.
	if err := s.setStatus(ctx, p, StatusNotifying); err != nil {
		return err
	}
	if err := s.execute(ctx, "notifyVendorPayout", func(ctx context.Context) error {
		return s.acts.NotifyVendorPayout(ctx, p.VendorID, p.Amount, p.TransactionID)
	}); err != nil {
		return err
	}

	return s.setStatus(ctx, p, StatusCompleted)
}

// transfer calculates the vendor's share, fetches bank details and moves
// the money.
func (s *Service) transfer(ctx context.Context, p *Payout, logger *zap.Logger) error {
	if err := s.setStatus(ctx, p, StatusCalculating); err != nil {
		return err
	}
	p.Commission = p.OrderAmount.Mul(s.rate)
	p.Amount = p.OrderAmount.Sub(p.Commission)
	logger.Info("payout calculated",
		zap.String("order_amount", p.OrderAmount.String()),
		zap.String("commission", p.Commission.String()),
		zap.String("amount", p.Amount.String()),
	)

	if err := s.setStatus(ctx, p, StatusFetchingBankDetails); err != nil {
		return err
	}
	var bank map[string]string
	if err := s.execute(ctx, "getVendorBankDetails", func(ctx context.Context) error {
		var err error
		bank, err = s.acts.BankDetails(ctx, p.VendorID)
		return err
	}); err != nil {
		return err
	}

	if err := s.setStatus(ctx, p, StatusProcessingPayout); err != nil {
		return err
	}
	return s.execute(ctx, "transferToVendor", func(ctx context.Context) error {
		var err error
		p.TransactionID, err = s.acts.TransferToVendor(ctx, p.ID, p.VendorID, p.Amount, bank)
		return err
	})
}

func (s *Service) execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	_, err := s.gateway.Execute(ctx, invoker.Invocation{Name: name, Class: invoker.ClassPayout}, fn)
	return err
}

func (s *Service) setStatus(ctx context.Context, p *Payout, status Status) error {
	p.Status = status
	p.UpdatedAt = s.clock.Now().UTC()
	if err := s.ledger.Update(ctx, p); err != nil {
		return fmt.Errorf("record payout status %s: %w", status, err)
	}
	return nil
}
