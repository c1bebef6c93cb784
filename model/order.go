package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the position of an order saga in its lifecycle.
type OrderStatus string

// Forward statuses, in the order a successful saga visits them.
const (
	StatusCreated                    OrderStatus = "CREATED"
	StatusValidating                 OrderStatus = "VALIDATING"
	StatusPaymentProcessing          OrderStatus = "PAYMENT_PROCESSING"
	StatusInventoryReserved          OrderStatus = "INVENTORY_RESERVED"
	StatusAwaitingVendorConfirmation OrderStatus = "AWAITING_VENDOR_CONFIRMATION"
	StatusVendorPreparing            OrderStatus = "VENDOR_PREPARING"
	StatusReadyForPickup             OrderStatus = "READY_FOR_PICKUP"
	StatusDeliveryAssigned           OrderStatus = "DELIVERY_ASSIGNED"
	StatusOutForDelivery             OrderStatus = "OUT_FOR_DELIVERY"
	StatusDelivered                  OrderStatus = "DELIVERED"
	StatusCompleted                  OrderStatus = "COMPLETED"
)

// Escape statuses. Together with StatusCompleted these are terminal.
const (
	StatusPaymentFailed OrderStatus = "PAYMENT_FAILED"
	StatusCancelled     OrderStatus = "CANCELLED"
	StatusFailed        OrderStatus = "FAILED"
)

// External order statuses pushed to the order service that are not saga
// statuses.
const (
	StatusShipped OrderStatus = "SHIPPED"
)

// ForwardStatuses lists the happy-path statuses in order.
var ForwardStatuses = []OrderStatus{
	StatusCreated,
	StatusValidating,
	StatusPaymentProcessing,
	StatusInventoryReserved,
	StatusAwaitingVendorConfirmation,
	StatusVendorPreparing,
	StatusReadyForPickup,
	StatusDeliveryAssigned,
	StatusOutForDelivery,
	StatusDelivered,
	StatusCompleted,
}

// EscapeStatuses lists the statuses reachable from any non-terminal status
// up to and including DELIVERED.
var EscapeStatuses = []OrderStatus{StatusPaymentFailed, StatusCancelled, StatusFailed}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPaymentFailed, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Timeline outcomes.
const (
	OutcomeInProgress = "IN_PROGRESS"
	OutcomeCompleted  = "COMPLETED"
	OutcomeFailed     = "FAILED"
)

// Timeline event names.
const (
	EventWorkflowStarted         = "WORKFLOW_STARTED"
	EventOrderCreated            = "ORDER_CREATED"
	EventOrderValidated          = "ORDER_VALIDATED"
	EventPaymentFailed           = "PAYMENT_FAILED"
	EventPaymentProcessed        = "PAYMENT_PROCESSED"
	EventInventoryReserved       = "INVENTORY_RESERVED"
	EventVendorsNotified         = "VENDORS_NOTIFIED"
	EventVendorTimeoutOrRejected = "VENDOR_TIMEOUT_OR_REJECTED"
	EventVendorConfirmed         = "VENDOR_CONFIRMED"
	EventOrderReady              = "ORDER_READY"
	EventDeliveryAssigned        = "DELIVERY_ASSIGNED"
	EventDeliveryPickedUp        = "DELIVERY_PICKED_UP"
	EventDeliveryTimeout         = "DELIVERY_TIMEOUT"
	EventDelivered               = "DELIVERED"
	EventWorkflowCompleted       = "WORKFLOW_COMPLETED"
	EventWorkflowCancelled       = "WORKFLOW_CANCELLED"
	EventWorkflowFailed          = "WORKFLOW_FAILED"
)

// DeliveryTimeoutIssue is the soft issue recorded when delivery is never
// confirmed.
const DeliveryTimeoutIssue = "delivery timeout - manual intervention may be required"

// TimelineEvent is an immutable entry in an order's timeline.
type TimelineEvent struct {
	Event     string    `json:"event"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// OrderItem is a single line of an order.
type OrderItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// DeliveryAddress is where the order is delivered.
type DeliveryAddress struct {
	AddressID  string  `json:"addressId,omitempty"`
	Street     string  `json:"street"`
	City       string  `json:"city"`
	PostalCode string  `json:"postalCode,omitempty"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`
}

// TimeSlot is a requested delivery window.
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// OrderInput is the order-placement input that starts a saga. Once the
// order id is known it doubles as the order context passed to activities.
type OrderInput struct {
	OrderID               string           `json:"orderId,omitempty"`
	CustomerID            string           `json:"customerId"`
	VendorIDs             []string         `json:"vendorIds"`
	Items                 []OrderItem      `json:"items,omitempty"`
	TotalAmount           decimal.Decimal  `json:"totalAmount"`
	Currency              string           `json:"currency,omitempty"`
	PaymentMethod         string           `json:"paymentMethod,omitempty"`
	PaymentIntentID       string           `json:"paymentIntentId,omitempty"`
	PaymentGateway        string           `json:"paymentGateway,omitempty"`
	PaymentToken          string           `json:"paymentToken,omitempty"`
	DeliveryAddress       *DeliveryAddress `json:"deliveryAddress,omitempty"`
	RequestedDeliveryDate *time.Time       `json:"requestedDeliveryDate,omitempty"`
	DeliverySlot          *TimeSlot        `json:"deliverySlot,omitempty"`
	Notes                 string           `json:"notes,omitempty"`
}

// Draft returns the part of the input needed to create the order record.
func (in OrderInput) Draft() OrderDraft {
	return OrderDraft{
		CustomerID:      in.CustomerID,
		VendorIDs:       in.VendorIDs,
		Items:           in.Items,
		TotalAmount:     in.TotalAmount,
		Currency:        in.Currency,
		DeliveryAddress: in.DeliveryAddress,
		Notes:           in.Notes,
	}
}

// OrderDraft is the payload for creating an order in the order service.
type OrderDraft struct {
	CustomerID      string           `json:"customerId"`
	VendorIDs       []string         `json:"vendorIds"`
	Items           []OrderItem      `json:"items,omitempty"`
	TotalAmount     decimal.Decimal  `json:"totalAmount"`
	Currency        string           `json:"currency,omitempty"`
	DeliveryAddress *DeliveryAddress `json:"deliveryAddress,omitempty"`
	Notes           string           `json:"notes,omitempty"`
}

// OrderResult is returned when a saga reaches a terminal status.
type OrderResult struct {
	OrderID          string          `json:"orderId"`
	WorkflowID       string          `json:"workflowId"`
	FinalStatus      OrderStatus     `json:"finalStatus"`
	CompletedAt      time.Time       `json:"completedAt"`
	DeliveryProofURL string          `json:"deliveryProofUrl,omitempty"`
	FinalAmount      decimal.Decimal `json:"finalAmount"`
	Issues           []string        `json:"issues"`
}

// OrderSnapshot is the full read model of a saga instance.
type OrderSnapshot struct {
	WorkflowID           string          `json:"workflowId"`
	OrderID              string          `json:"orderId"`
	Status               OrderStatus     `json:"status"`
	Timeline             []TimelineEvent `json:"timeline"`
	ETA                  *time.Time      `json:"eta,omitempty"`
	PaymentTransactionID string          `json:"paymentTransactionId,omitempty"`
	DeliveryPartnerID    string          `json:"deliveryPartnerId,omitempty"`
	DeliveryProofURL     string          `json:"deliveryProofUrl,omitempty"`
	Issues               []string        `json:"issues"`
	Signals              SignalFlags     `json:"signals"`
	Result               *OrderResult    `json:"result,omitempty"`
}

// SagaEvent is published whenever an instance changes status or finishes.
type SagaEvent struct {
	WorkflowID string      `json:"workflowId"`
	OrderID    string      `json:"orderId"`
	Status     OrderStatus `json:"status"`
	Event      string      `json:"event"`
	Timestamp  time.Time   `json:"timestamp"`
}
