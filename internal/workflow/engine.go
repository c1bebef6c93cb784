// Package workflow runs order sagas. Each saga is an event-sourced state
// machine: its journal is the only source of truth, and every drive folds
// the journal into a Process before taking the next step.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/internal/config"
	"github.com/pitabwire/ordersaga/internal/invoker"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/model"
)

const (
	// driveRetryDelay is how long a drive that ended in an error waits
	// before the timer sweep picks it up again.
	driveRetryDelay = 5 * time.Second
	// leaseRetryDelay is how long to wait before retrying an instance
	// owned by another replica.
	leaseRetryDelay = time.Second
	// projectionAttempts bounds optimistic-lock retries on the projection.
	projectionAttempts = 3
)

// errLeaseLost interrupts a drive whose lease could not be renewed.
var errLeaseLost = errors.New("saga lease lost")

// Lease grants exclusive ownership of an instance across replicas.
type Lease interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// EventPublisher receives saga status changes. Publishing is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, event model.SagaEvent) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, model.SagaEvent) error { return nil }

// Engine starts, signals, queries and drives order sagas.
type Engine struct {
	store   Store
	acts    Activities
	gateway *invoker.Gateway
	logger  *zap.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
	cfg     config.SagaConfig
	events  EventPublisher

	lease    Lease
	owner    string
	leaseTTL time.Duration

	inline bool

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	runners map[string]*runner
	closed  bool
	wg      sync.WaitGroup

	recovered atomic.Bool
}

// runner serializes drives of one instance within the process. again is
// set when the instance was scheduled while a drive was in flight.
type runner struct {
	again bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock sets the clock used for deadlines and timestamps.
func WithEngineClock(clock clockwork.Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithEngineMetrics records saga metrics.
func WithEngineMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithSagaConfig sets wait deadlines and the ETA buffer.
func WithSagaConfig(cfg config.SagaConfig) EngineOption {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLease makes every drive hold an ownership lease on its instance.
func WithLease(lease Lease, owner string, ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.lease = lease
		e.owner = owner
		e.leaseTTL = ttl
	}
}

// WithEventPublisher publishes status changes and results.
func WithEventPublisher(p EventPublisher) EngineOption {
	return func(e *Engine) { e.events = p }
}

// WithInlineDispatch runs drives on the scheduling goroutine instead of in
// the background. Start and Signal then return after the saga has parked
// or finished.
func WithInlineDispatch() EngineOption {
	return func(e *Engine) { e.inline = true }
}

// NewEngine creates a saga engine.
func NewEngine(store Store, acts Activities, gateway *invoker.Gateway, logger *zap.Logger, opts ...EngineOption) *Engine {
	defaults := config.Defaults().Saga
	e := &Engine{
		store:   store,
		acts:    acts,
		gateway: gateway,
		logger:  logger,
		clock:   clockwork.NewRealClock(),
		cfg:     defaults,
		events:  noopPublisher{},
		owner:   uuid.NewString(),
		runners: make(map[string]*runner),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.cfg.VendorConfirmationTimeout <= 0 {
		e.cfg.VendorConfirmationTimeout = defaults.VendorConfirmationTimeout
	}
	if e.cfg.DeliveryCompletionTimeout <= 0 {
		e.cfg.DeliveryCompletionTimeout = defaults.DeliveryCompletionTimeout
	}
	if e.cfg.DeliveryBuffer <= 0 {
		e.cfg.DeliveryBuffer = defaults.DeliveryBuffer
	}
	if e.cfg.TimerCheckInterval <= 0 {
		e.cfg.TimerCheckInterval = defaults.TimerCheckInterval
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = config.Defaults().Lease.TTL
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Start creates a saga for the order and schedules it. It returns as soon
// as the instance is durable.
func (e *Engine) Start(ctx context.Context, input model.OrderInput) (string, error) {
	// 1. Validate the shape of the input.
	if err := ValidateInput(input); err != nil {
		return "", err
	}

	// 2. Build the instance and its first record.
	now := e.clock.Now().UTC()
	id := "order-" + uuid.NewString()
	data, err := json.Marshal(startedData{Input: input})
	if err != nil {
		return "", fmt.Errorf("marshal saga input: %w", err)
	}
	inst := model.SagaInstance{
		ID:         id,
		OrderID:    input.OrderID,
		CustomerID: input.CustomerID,
		Status:     model.StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	first := model.JournalRecord{
		ID:         uuid.NewString(),
		WorkflowID: id,
		Kind:       model.RecordStarted,
		Data:       data,
		Timestamp:  now,
	}

	// 3. Persist both atomically.
	if err := e.store.Create(ctx, inst, first); err != nil {
		return "", fmt.Errorf("create saga instance: %w", err)
	}
	e.metrics.RecordSagaStart()
	observability.SagaLogger(e.logger, id, input.OrderID).Info("saga started",
		zap.String("customer_id", input.CustomerID),
		zap.Int("vendors", len(input.VendorIDs)),
	)

	// 4. Run it.
	e.schedule(id)
	return id, nil
}

// ValidateInput checks the fields every saga needs.
func ValidateInput(in model.OrderInput) error {
	var details []model.FieldError
	if in.CustomerID == "" {
		details = append(details, model.FieldError{Field: "customerId", Code: "required", Message: "customerId is required"})
	}
	if len(in.VendorIDs) == 0 {
		details = append(details, model.FieldError{Field: "vendorIds", Code: "required", Message: "at least one vendor is required"})
	}
	for i, vid := range in.VendorIDs {
		if vid == "" {
			details = append(details, model.FieldError{
				Field: fmt.Sprintf("vendorIds[%d]", i), Code: "required", Message: "vendor id must not be empty",
			})
		}
	}
	if in.TotalAmount.IsNegative() {
		details = append(details, model.FieldError{Field: "totalAmount", Code: "min", Message: "totalAmount must not be negative"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Signal durably records a signal for an instance and schedules it. The
// signal is observed even if the instance is not currently running.
func (e *Engine) Signal(ctx context.Context, workflowID string, sig model.Signal) error {
	// 1. Reject unknown signals and undecodable payloads.
	if err := model.ValidateSignal(sig); err != nil {
		return model.NewBadRequestError(err.Error())
	}

	// 2. Load the instance.
	p, err := e.load(ctx, workflowID)
	if err != nil {
		return err
	}
	if p.Finished() || p.Status.IsTerminal() {
		return model.NewWorkflowNotActiveError(
			fmt.Sprintf("saga %q is %s", workflowID, p.Status),
		)
	}

	// 3. Append and schedule.
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if _, err := e.store.Append(ctx, model.JournalRecord{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Kind:       model.RecordSignal,
		Step:       sig.Name,
		Data:       data,
		Timestamp:  e.clock.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("append signal: %w", err)
	}
	e.metrics.RecordSignal(sig.Name)
	observability.SagaLogger(e.logger, workflowID, p.OrderID).Info("signal received",
		zap.String("signal", sig.Name),
	)
	e.schedule(workflowID)
	return nil
}

// Status returns the current status of an instance.
func (e *Engine) Status(ctx context.Context, workflowID string) (model.OrderStatus, error) {
	p, err := e.load(ctx, workflowID)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// Timeline returns the timeline of an instance in order.
func (e *Engine) Timeline(ctx context.Context, workflowID string) ([]model.TimelineEvent, error) {
	p, err := e.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return p.Snapshot().Timeline, nil
}

// ETA returns the estimated delivery time, if one is known.
func (e *Engine) ETA(ctx context.Context, workflowID string) (*time.Time, error) {
	p, err := e.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return p.ETA, nil
}

// Describe returns the full read model of an instance.
func (e *Engine) Describe(ctx context.Context, workflowID string) (model.OrderSnapshot, error) {
	p, err := e.load(ctx, workflowID)
	if err != nil {
		return model.OrderSnapshot{}, err
	}
	return p.Snapshot(), nil
}

// List returns instance projections.
func (e *Engine) List(ctx context.Context, filters InstanceFilters) ([]model.SagaInstance, error) {
	return e.store.List(ctx, filters)
}

// load folds the journal of an instance. An unknown id is reported as
// WORKFLOW_NOT_FOUND.
func (e *Engine) load(ctx context.Context, workflowID string) (*Process, error) {
	records, err := e.store.Records(ctx, workflowID)
	if model.IsCode(err, model.ErrNotFound) {
		return nil, model.NewWorkflowNotFoundError(fmt.Sprintf("saga %q not found", workflowID))
	}
	if err != nil {
		return nil, err
	}
	p, err := Fold(records)
	if err != nil {
		return nil, fmt.Errorf("replay saga %q: %w", workflowID, err)
	}
	return p, nil
}

// ProcessTimers schedules every instance whose wait deadline has passed.
// Intended to be called periodically.
func (e *Engine) ProcessTimers(ctx context.Context) (int, error) {
	due, err := e.store.FindDue(ctx, e.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("find due sagas: %w", err)
	}
	for _, inst := range due {
		e.metrics.RecordTimerWakeup()
		e.logger.Debug("saga timer fired", zap.String("workflow_id", inst.ID))
		e.schedule(inst.ID)
	}
	return len(due), nil
}

// RunTimers calls ProcessTimers every TimerCheckInterval until ctx is done.
func (e *Engine) RunTimers(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.TimerCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if _, err := e.ProcessTimers(ctx); err != nil {
				e.logger.Error("timer sweep failed", zap.Error(err))
			}
		}
	}
}

// Recover schedules every non-terminal instance. Called once at startup.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	active, err := e.store.FindActive(ctx, InstanceFilters{})
	if err != nil {
		return 0, fmt.Errorf("find active sagas: %w", err)
	}
	for _, inst := range active {
		e.schedule(inst.ID)
	}
	e.recovered.Store(true)
	e.logger.Info("saga recovery scheduled", zap.Int("instances", len(active)))
	return len(active), nil
}

// MarkReady reports the engine as running without recovering instances.
func (e *Engine) MarkReady() {
	e.recovered.Store(true)
}

// Running reports whether the engine has recovered and accepts work.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recovered.Load() && !e.closed
}

// Close stops dispatching and waits for in-flight drives. If ctx expires
// first, in-flight activities are interrupted; their sagas resume from the
// journal on the next start.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

// schedule drives an instance, coalescing requests that arrive while a
// drive of the same instance is in flight.
func (e *Engine) schedule(workflowID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if r, ok := e.runners[workflowID]; ok {
		r.again = true
		e.mu.Unlock()
		return
	}
	e.runners[workflowID] = &runner{}
	e.wg.Add(1)
	e.mu.Unlock()

	if e.inline {
		e.loop(workflowID)
		return
	}
	go e.loop(workflowID)
}

func (e *Engine) loop(workflowID string) {
	defer e.wg.Done()
	for {
		e.drive(e.baseCtx, workflowID)

		e.mu.Lock()
		r := e.runners[workflowID]
		if !r.again || e.closed {
			delete(e.runners, workflowID)
			e.mu.Unlock()
			return
		}
		r.again = false
		e.mu.Unlock()
	}
}

// drive folds the journal and runs the saga until it parks or finishes,
// then writes the projection.
func (e *Engine) drive(ctx context.Context, workflowID string) {
	start := e.clock.Now()
	logger := e.logger.With(zap.String("workflow_id", workflowID))

	ctx, span := observability.StartSpan(ctx, "saga.drive", observability.AttrWorkflowID.String(workflowID))
	var driveErr error
	defer func() {
		e.metrics.RecordDrive(e.clock.Since(start))
		observability.EndSpanWithError(span, driveErr)
	}()

	if e.lease != nil {
		ok, err := e.lease.Acquire(ctx, workflowID, e.owner, e.leaseTTL)
		if err != nil || !ok {
			if err != nil {
				logger.Error("lease acquire failed", zap.Error(err))
			} else {
				logger.Debug("saga owned by another replica")
			}
			e.clock.AfterFunc(leaseRetryDelay, func() { e.schedule(workflowID) })
			return
		}
		defer func() {
			if err := e.lease.Release(context.WithoutCancel(ctx), workflowID, e.owner); err != nil {
				logger.Warn("lease release failed", zap.Error(err))
			}
		}()
		var stop func()
		ctx, stop = e.keepLease(ctx, workflowID, logger)
		defer stop()
	}

	p, err := e.load(ctx, workflowID)
	if err != nil {
		driveErr = err
		logger.Error("saga replay failed", zap.Error(err))
		return
	}
	span.SetAttributes(spanAttrs(p)...)
	span.SetAttributes(observability.AttrReplay.Int(len(p.Steps)))

	r := &run{e: e, p: p, logger: observability.SagaLogger(e.logger, p.ID, p.OrderID)}
	var wakeAt *time.Time
	if !p.Finished() {
		err = r.execute(ctx)
		switch {
		case err == nil:
		case errors.Is(err, errParked):
			wakeAt = r.wakeAt
		case errors.Is(context.Cause(ctx), errLeaseLost):
			// The projection belongs to whoever holds the lease now.
			driveErr = errLeaseLost
			r.logger.Warn("saga drive abandoned", zap.Error(err))
			e.clock.AfterFunc(leaseRetryDelay, func() { e.schedule(workflowID) })
			return
		default:
			driveErr = err
			r.logger.Error("saga drive interrupted", zap.Error(err))
			retry := e.clock.Now().UTC().Add(driveRetryDelay)
			wakeAt = &retry
		}
	}

	if err := e.project(ctx, p, wakeAt); err != nil {
		r.logger.Error("saga projection update failed", zap.Error(err))
	}
}

// keepLease renews the drive's lease every third of its TTL. When a renewal
// fails the returned context is cancelled with errLeaseLost, which stops the
// drive before the lease can lapse. stop ends the renewals.
func (e *Engine) keepLease(ctx context.Context, workflowID string, logger *zap.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	ticker := e.clock.NewTicker(max(e.leaseTTL/3, time.Millisecond))
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
			held, err := e.lease.Acquire(ctx, workflowID, e.owner, e.leaseTTL)
			if held && err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("lease renewal failed, interrupting drive",
				zap.Bool("taken_over", err == nil),
				zap.Error(err),
			)
			cancel(errLeaseLost)
			return
		}
	}()
	return ctx, func() {
		cancel(nil)
		<-done
	}
}

// project writes the queryable projection of a process.
func (e *Engine) project(ctx context.Context, p *Process, wakeAt *time.Time) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for i := 0; i < projectionAttempts; i++ {
		var inst model.SagaInstance
		inst, err = e.store.Get(ctx, p.ID)
		if err != nil {
			return err
		}
		inst.OrderID = p.OrderID
		inst.Status = p.Status
		inst.WakeAt = wakeAt
		if p.Result != nil {
			completed := p.Result.CompletedAt
			inst.Status = p.Result.FinalStatus
			inst.CompletedAt = &completed
			inst.WakeAt = nil
		}
		err = e.store.Update(ctx, inst)
		if err == nil || !model.IsCode(err, model.ErrConflict) {
			return err
		}
	}
	return err
}

// publish emits a saga event, logging failures.
func (e *Engine) publish(ctx context.Context, p *Process, event string) {
	ev := model.SagaEvent{
		WorkflowID: p.ID,
		OrderID:    p.OrderID,
		Status:     p.Status,
		Event:      event,
		Timestamp:  e.clock.Now().UTC(),
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("saga event publish failed",
			zap.String("workflow_id", p.ID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
