package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/internal/invoker"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/model"
)

// Activities is the contract the order saga consumes from its
// collaborators.
type Activities interface {
	CreateOrder(ctx context.Context, draft model.OrderDraft) (string, error)
	ValidateOrder(ctx context.Context, order model.OrderInput) error
	ProcessPayment(ctx context.Context, order model.OrderInput) (model.PaymentResult, error)
	RefundPayment(ctx context.Context, req model.RefundRequest) error
	ReserveInventory(ctx context.Context, order model.OrderInput) error
	ReleaseInventory(ctx context.Context, order model.OrderInput) error
	NotifyVendors(ctx context.Context, order model.OrderInput) error
	NotifyVendorCancellation(ctx context.Context, orderID, vendorID, reason string) error
	AssignDeliveryPartner(ctx context.Context, order model.OrderInput) (string, error)
	CancelDeliveryAssignment(ctx context.Context, orderID, partnerID string) error
	TrackDelivery(ctx context.Context, orderID, partnerID string) (string, error)
	CaptureDeliveryProof(ctx context.Context, orderID, proofURL, signature string) error
	SendDeliveryNotification(ctx context.Context, orderID, customerID string, status model.OrderStatus, message string) error
	TriggerReviewRequest(ctx context.Context, orderID, customerID string) error
	UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error
}

// Wait keys.
const (
	waitVendorConfirmation = "vendorConfirmation"
	waitVendorReady        = "vendorReady"
	waitPickup             = "deliveryPickup"
	waitDelivery           = "deliveryCompletion"
)

const vendorCancellationReason = "order cancelled"

// Compensation arguments.
type (
	vendorCancellationArgs struct {
		OrderID  string `json:"orderId"`
		VendorID string `json:"vendorId"`
		Reason   string `json:"reason"`
	}
	deliveryAssignmentArgs struct {
		OrderID   string `json:"orderId"`
		PartnerID string `json:"partnerId"`
	}
)

// execute drives the saga forward from its current status until it parks,
// finishes, or hits an error that ends the drive.
func (r *run) execute(ctx context.Context) error {
	for {
		if r.p.Finished() {
			return nil
		}
		if r.p.Abort != nil {
			return r.unwind(ctx)
		}

		var err error
		switch r.p.Status {
		case model.StatusCreated:
			err = r.created(ctx)
		case model.StatusValidating:
			err = r.validating(ctx)
		case model.StatusPaymentProcessing:
			err = r.paymentProcessing(ctx)
		case model.StatusInventoryReserved:
			err = r.inventoryReserved(ctx)
		case model.StatusAwaitingVendorConfirmation:
			err = r.awaitingVendorConfirmation(ctx)
		case model.StatusVendorPreparing:
			err = r.vendorPreparing(ctx)
		case model.StatusReadyForPickup:
			err = r.readyForPickup(ctx)
		case model.StatusDeliveryAssigned:
			err = r.deliveryAssigned(ctx)
		case model.StatusOutForDelivery:
			err = r.outForDelivery(ctx)
		case model.StatusDelivered:
			err = r.delivered(ctx)
		case model.StatusCompleted:
			err = r.completed(ctx)
		default:
			err = fmt.Errorf("saga in status %s has no result and no abort", r.p.Status)
		}
		if err != nil {
			return err
		}
	}
}

func (r *run) created(ctx context.Context) error {
	if err := r.timeline(ctx, model.EventWorkflowStarted, model.OutcomeCompleted, ""); err != nil {
		return err
	}
	if r.p.OrderID == "" {
		draft := r.p.Input.Draft()
		raw, err := r.step(ctx, stepCreateOrder, "createOrder", invoker.ClassStandard, draft,
			func(ctx context.Context) (any, error) {
				return r.e.acts.CreateOrder(ctx, draft)
			})
		if err != nil {
			return r.fail(ctx, CauseValidation, err)
		}
		var id string
		if err := json.Unmarshal(raw, &id); err != nil || id == "" {
			return r.abort(ctx, CauseValidation, "order service returned no order id")
		}
		r.logger = r.logger.With(zap.String("order_id", id))
		if err := r.timeline(ctx, model.EventOrderCreated, model.OutcomeCompleted, id); err != nil {
			return err
		}
	}
	return r.transition(ctx, model.StatusValidating)
}

// validating checks the order. A failure here is fatal and needs no
// compensation.
func (r *run) validating(ctx context.Context) error {
	order := r.p.Order()
	if _, err := r.step(ctx, stepValidateOrder, "validateOrder", invoker.ClassStandard, order,
		func(ctx context.Context) (any, error) {
			return nil, r.e.acts.ValidateOrder(ctx, order)
		}); err != nil {
		return r.fail(ctx, CauseValidation, err)
	}
	if err := r.timeline(ctx, model.EventOrderValidated, model.OutcomeCompleted, ""); err != nil {
		return err
	}
	if r.p.Signals.CancelRequested {
		return r.abortCancelled(ctx)
	}
	return r.transition(ctx, model.StatusPaymentProcessing)
}

// paymentProcessing charges the customer. A failed charge ends in
// PAYMENT_FAILED with nothing to undo.
func (r *run) paymentProcessing(ctx context.Context) error {
	order := r.p.Order()
	raw, err := r.step(ctx, stepProcessPayment, "processPayment", invoker.ClassPayment, order,
		func(ctx context.Context) (any, error) {
			res, err := r.e.acts.ProcessPayment(ctx, order)
			if err != nil {
				return nil, err
			}
			if err := res.Err(); err != nil {
				return nil, err
			}
			return res, nil
		})
	if err != nil {
		if ctx.Err() != nil || isJournalError(err) {
			return err
		}
		if terr := r.timeline(ctx, model.EventPaymentFailed, model.OutcomeFailed, err.Error()); terr != nil {
			return terr
		}
		return r.abort(ctx, CausePayment, err.Error())
	}

	var res model.PaymentResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return &journalError{fmt.Errorf("decode payment result: %w", err)}
	}
	if err := r.register(ctx, KindRefundPayment, KindRefundPayment, model.RefundRequest{
		OrderID:       r.p.OrderID,
		PaymentID:     res.PaymentID,
		TransactionID: res.TransactionID,
		Gateway:       order.PaymentGateway,
		Amount:        order.TotalAmount,
		Reason:        "order saga compensation",
	}); err != nil {
		return err
	}
	if err := r.timeline(ctx, model.EventPaymentProcessed, model.OutcomeCompleted, res.TransactionID); err != nil {
		return err
	}
	if r.p.Signals.CancelRequested {
		return r.abortCancelled(ctx)
	}
	return r.transition(ctx, model.StatusInventoryReserved)
}

func (r *run) inventoryReserved(ctx context.Context) error {
	order := r.p.Order()
	if _, err := r.step(ctx, stepReserveInventory, "reserveInventory", invoker.ClassStandard, order,
		func(ctx context.Context) (any, error) {
			return nil, r.e.acts.ReserveInventory(ctx, order)
		}); err != nil {
		return r.fail(ctx, CauseStep, err)
	}
	if err := r.register(ctx, KindReleaseInventory, KindReleaseInventory, order); err != nil {
		return err
	}
	if err := r.timeline(ctx, model.EventInventoryReserved, model.OutcomeCompleted, ""); err != nil {
		return err
	}
	if r.p.Signals.CancelRequested {
		return r.abortCancelled(ctx)
	}
	return r.transition(ctx, model.StatusAwaitingVendorConfirmation)
}

// awaitingVendorConfirmation notifies vendors and waits for an answer.
// Silence and rejection both unwind the saga.
func (r *run) awaitingVendorConfirmation(ctx context.Context) error {
	order := r.p.Order()
	if _, err := r.step(ctx, stepNotifyVendors, "notifyVendors", invoker.ClassNotification, order,
		func(ctx context.Context) (any, error) {
			return nil, r.e.acts.NotifyVendors(ctx, order)
		}); err != nil {
		return r.fail(ctx, CauseStep, err)
	}
	for _, vid := range order.VendorIDs {
		if err := r.register(ctx, KindNotifyVendorCancellation+":"+vid, KindNotifyVendorCancellation, vendorCancellationArgs{
			OrderID:  r.p.OrderID,
			VendorID: vid,
			Reason:   vendorCancellationReason,
		}); err != nil {
			return err
		}
	}
	if err := r.timeline(ctx, model.EventVendorsNotified, model.OutcomeCompleted, ""); err != nil {
		return err
	}

	outcome, flags, err := r.awaitUntil(ctx, waitVendorConfirmation, vendorResponded, r.e.cfg.VendorConfirmationTimeout)
	if err != nil {
		return err
	}
	switch {
	case outcome == WaitCancelled:
		return r.abortCancelled(ctx)
	case outcome == WaitTimedOut || flags.VendorRejected:
		detail := "no vendor response before deadline"
		if flags.VendorRejected {
			detail = "vendor rejected the order"
			if flags.VendorNotes != "" {
				detail += ": " + flags.VendorNotes
			}
		}
		if err := r.timeline(ctx, model.EventVendorTimeoutOrRejected, model.OutcomeFailed, detail); err != nil {
			return err
		}
		return r.abort(ctx, CauseVendor, "vendor timeout or rejection")
	}
	return r.transition(ctx, model.StatusVendorPreparing)
}

// vendorPreparing records the ETA (prep time plus the delivery buffer)
// and waits for the order to be ready.
func (r *run) vendorPreparing(ctx context.Context) error {
	flags := r.p.Waits[waitVendorConfirmation].Flags
	if err := r.timeline(ctx, model.EventVendorConfirmed, model.OutcomeCompleted, flags.VendorNotes); err != nil {
		return err
	}
	if flags.PrepTimeMinutes != nil && !r.p.marked("eta:vendor") {
		eta := r.now().Add(time.Duration(*flags.PrepTimeMinutes)*time.Minute + r.e.cfg.DeliveryBuffer)
		if err := r.record(ctx, model.RecordETA, "eta:vendor", etaData{ETA: eta}); err != nil {
			return err
		}
	}

	outcome, _, err := r.awaitUntil(ctx, waitVendorReady, vendorReady, 0)
	if err != nil {
		return err
	}
	if outcome == WaitCancelled {
		return r.abortCancelled(ctx)
	}
	return r.transition(ctx, model.StatusReadyForPickup)
}

func (r *run) readyForPickup(ctx context.Context) error {
	if err := r.timeline(ctx, model.EventOrderReady, model.OutcomeCompleted, ""); err != nil {
		return err
	}
	if r.p.Signals.CancelRequested && !r.p.done(stepAssignDeliveryPartner) {
		return r.abortCancelled(ctx)
	}
	order := r.p.Order()
	raw, err := r.step(ctx, stepAssignDeliveryPartner, "assignDeliveryPartner", invoker.ClassDeliveryAssignment, order,
		func(ctx context.Context) (any, error) {
			return r.e.acts.AssignDeliveryPartner(ctx, order)
		})
	if err != nil {
		return r.fail(ctx, CauseStep, err)
	}
	var partnerID string
	if err := json.Unmarshal(raw, &partnerID); err != nil {
		return &journalError{fmt.Errorf("decode partner id: %w", err)}
	}
	if err := r.register(ctx, KindCancelDeliveryAssignment, KindCancelDeliveryAssignment, deliveryAssignmentArgs{
		OrderID:   r.p.OrderID,
		PartnerID: partnerID,
	}); err != nil {
		return err
	}
	return r.transition(ctx, model.StatusDeliveryAssigned)
}

func (r *run) deliveryAssigned(ctx context.Context) error {
	if err := r.timeline(ctx, model.EventDeliveryAssigned, model.OutcomeCompleted, r.p.PartnerID); err != nil {
		return err
	}
	if err := r.notifyCustomer(ctx, model.StatusDeliveryAssigned, "A delivery partner has been assigned to your order"); err != nil {
		return err
	}

	outcome, _, err := r.awaitUntil(ctx, waitPickup, pickedUp, 0)
	if err != nil {
		return err
	}
	if outcome == WaitCancelled {
		return r.abortCancelled(ctx)
	}
	return r.transition(ctx, model.StatusOutForDelivery)
}

// outForDelivery waits for delivery. An unconfirmed delivery becomes a
// soft issue, never a failure.
func (r *run) outForDelivery(ctx context.Context) error {
	if err := r.timeline(ctx, model.EventDeliveryPickedUp, model.OutcomeCompleted, ""); err != nil {
		return err
	}
	if err := r.updateOrderStatus(ctx, model.StatusShipped); err != nil {
		return r.fail(ctx, CauseStep, err)
	}
	if err := r.notifyCustomer(ctx, model.StatusOutForDelivery, "Your order is on the way!"); err != nil {
		return err
	}

	outcome, _, err := r.awaitUntil(ctx, waitDelivery, delivered, r.e.cfg.DeliveryCompletionTimeout)
	if err != nil {
		return err
	}
	switch outcome {
	case WaitCancelled:
		return r.abortCancelled(ctx)
	case WaitTimedOut:
		if err := r.issue(ctx, "deliveryTimeout", model.DeliveryTimeoutIssue); err != nil {
			return err
		}
		orderID, partnerID := r.p.OrderID, r.p.PartnerID
		carrier := "unknown"
		raw, err := r.step(ctx, stepTrackDelivery, "trackDelivery", invoker.ClassTracking, deliveryAssignmentArgs{OrderID: orderID, PartnerID: partnerID},
			func(ctx context.Context) (any, error) {
				return r.e.acts.TrackDelivery(ctx, orderID, partnerID)
			})
		switch {
		case err == nil:
			_ = json.Unmarshal(raw, &carrier)
		case ctx.Err() != nil || isJournalError(err):
			return err
		}
		if err := r.timeline(ctx, model.EventDeliveryTimeout, model.OutcomeFailed, "carrier status: "+carrier); err != nil {
			return err
		}
	}
	return r.transition(ctx, model.StatusDelivered)
}

// delivered persists the proof. Cancellation is no longer observed.
func (r *run) delivered(ctx context.Context) error {
	if err := r.timeline(ctx, model.EventDelivered, model.OutcomeCompleted, ""); err != nil {
		return err
	}
	flags := r.p.Waits[waitDelivery].Flags
	if flags.ProofURL != "" {
		orderID := r.p.OrderID
		if _, err := r.step(ctx, stepCaptureDeliveryProof, "captureDeliveryProof", invoker.ClassStandard, flags.ProofURL,
			func(ctx context.Context) (any, error) {
				if err := r.e.acts.CaptureDeliveryProof(ctx, orderID, flags.ProofURL, flags.Signature); err != nil {
					return nil, err
				}
				return flags.ProofURL, nil
			}); err != nil {
			return r.fail(ctx, CauseStep, err)
		}
	}
	if err := r.updateOrderStatus(ctx, model.StatusDelivered); err != nil {
		return r.fail(ctx, CauseStep, err)
	}
	if err := r.notifyCustomer(ctx, model.StatusDelivered, "Your order has been delivered. Thank you!"); err != nil {
		return err
	}
	return r.transition(ctx, model.StatusCompleted)
}

func (r *run) completed(ctx context.Context) error {
	if err := r.timeline(ctx, model.EventWorkflowCompleted, model.OutcomeCompleted, ""); err != nil {
		return err
	}
	orderID, customerID := r.p.OrderID, r.p.Input.CustomerID
	if err := r.bestEffort(ctx, "triggerReviewRequest", "triggerReviewRequest", invoker.ClassNotification, orderID,
		func(ctx context.Context) error {
			return r.e.acts.TriggerReviewRequest(ctx, orderID, customerID)
		}); err != nil {
		return err
	}
	return r.finish(ctx, model.OrderResult{
		OrderID:          r.p.OrderID,
		WorkflowID:       r.p.ID,
		FinalStatus:      model.StatusCompleted,
		CompletedAt:      r.now(),
		DeliveryProofURL: r.p.ProofURL,
		FinalAmount:      r.p.Input.TotalAmount,
		Issues:           append([]string{}, r.p.Issues...),
	})
}

// unwind runs the failure path: compensations in reverse order, the final
// status, and best-effort propagation to the order record and customer.
func (r *run) unwind(ctx context.Context) error {
	ab := r.p.Abort
	if ab.Cause.compensates() {
		if err := r.p.Compensation.Compensate(ctx, r.compensate, r.recordCompensation); err != nil {
			return err
		}
	}
	if err := r.transition(ctx, ab.FinalStatus); err != nil {
		return err
	}
	event := model.EventWorkflowFailed
	if ab.FinalStatus == model.StatusCancelled {
		event = model.EventWorkflowCancelled
	}
	if err := r.timeline(ctx, event, model.OutcomeFailed, ab.Reason); err != nil {
		return err
	}
	if r.p.OrderID != "" {
		if err := r.bestEffortStatus(ctx, ab.FinalStatus); err != nil {
			return err
		}
		msg := fmt.Sprintf("Your order has been %s. Reason: %s", strings.ToLower(string(ab.FinalStatus)), ab.Reason)
		if err := r.notifyCustomer(ctx, ab.FinalStatus, msg); err != nil {
			return err
		}
	}
	return r.finish(ctx, model.OrderResult{
		OrderID:          r.p.OrderID,
		WorkflowID:       r.p.ID,
		FinalStatus:      ab.FinalStatus,
		CompletedAt:      r.now(),
		DeliveryProofURL: r.p.ProofURL,
		FinalAmount:      decimal.Zero,
		Issues:           append(append([]string{}, r.p.Issues...), ab.Reason),
	})
}

// register records a compensation bound to its captured arguments.
func (r *run) register(ctx context.Context, key, kind string, args any) error {
	if r.p.Compensation.Registered(key) {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal %s args: %w", kind, err)
	}
	return r.record(ctx, model.RecordCompensationRegistered, key, Action{Key: key, Kind: kind, Args: raw})
}

// compensate performs one undo action through the gateway.
func (r *run) compensate(ctx context.Context, a Action) error {
	var class invoker.Class
	var fn func(context.Context) error

	switch a.Kind {
	case KindRefundPayment:
		var req model.RefundRequest
		if err := json.Unmarshal(a.Args, &req); err != nil {
			return err
		}
		class = invoker.ClassPayment
		fn = func(ctx context.Context) error { return r.e.acts.RefundPayment(ctx, req) }
	case KindReleaseInventory:
		var order model.OrderInput
		if err := json.Unmarshal(a.Args, &order); err != nil {
			return err
		}
		class = invoker.ClassStandard
		fn = func(ctx context.Context) error { return r.e.acts.ReleaseInventory(ctx, order) }
	case KindNotifyVendorCancellation:
		var args vendorCancellationArgs
		if err := json.Unmarshal(a.Args, &args); err != nil {
			return err
		}
		class = invoker.ClassNotification
		fn = func(ctx context.Context) error {
			return r.e.acts.NotifyVendorCancellation(ctx, args.OrderID, args.VendorID, args.Reason)
		}
	case KindCancelDeliveryAssignment:
		var args deliveryAssignmentArgs
		if err := json.Unmarshal(a.Args, &args); err != nil {
			return err
		}
		class = invoker.ClassDeliveryAssignment
		fn = func(ctx context.Context) error {
			return r.e.acts.CancelDeliveryAssignment(ctx, args.OrderID, args.PartnerID)
		}
	default:
		return fmt.Errorf("unknown compensation kind %q", a.Kind)
	}

	ctx, span := observability.StartSpan(ctx, "saga.compensate",
		observability.AttrStep.String(a.Key),
		observability.AttrActivity.String(a.Kind),
	)
	_, err := r.e.gateway.Execute(ctx, invoker.Invocation{Name: a.Kind, Class: class}, fn)
	observability.EndSpanWithError(span, err)
	return err
}

// recordCompensation makes a compensation execution durable. A failed
// action is logged and the unwind goes on.
func (r *run) recordCompensation(ctx context.Context, a Action, runErr error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	data := compensationExecutedData{}
	outcome := "success"
	if runErr != nil {
		data.Error = runErr.Error()
		outcome = "failed"
		r.logger.Warn("compensation failed", zap.String("compensation", a.Key), zap.Error(runErr))
	} else {
		r.logger.Info("compensation executed", zap.String("compensation", a.Key))
	}
	r.e.metrics.RecordCompensation(a.Kind, outcome)
	return r.record(ctx, model.RecordCompensationExecuted, a.Key, data)
}

func (r *run) updateOrderStatus(ctx context.Context, status model.OrderStatus) error {
	orderID := r.p.OrderID
	_, err := r.step(ctx, "updateOrderStatus:"+string(status), "updateOrderStatus", invoker.ClassStandard, status,
		func(ctx context.Context) (any, error) {
			return nil, r.e.acts.UpdateOrderStatus(ctx, orderID, status)
		})
	return err
}

func (r *run) bestEffortStatus(ctx context.Context, status model.OrderStatus) error {
	orderID := r.p.OrderID
	return r.bestEffort(ctx, "updateOrderStatus:"+string(status), "updateOrderStatus", invoker.ClassStandard, status,
		func(ctx context.Context) error {
			return r.e.acts.UpdateOrderStatus(ctx, orderID, status)
		})
}

func (r *run) notifyCustomer(ctx context.Context, status model.OrderStatus, message string) error {
	orderID, customerID := r.p.OrderID, r.p.Input.CustomerID
	return r.bestEffort(ctx, "sendDeliveryNotification:"+string(status), "sendDeliveryNotification", invoker.ClassNotification, message,
		func(ctx context.Context) error {
			return r.e.acts.SendDeliveryNotification(ctx, orderID, customerID, status, message)
		})
}
