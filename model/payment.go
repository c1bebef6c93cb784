package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultPaymentGateway is used when an order names no gateway.
const DefaultPaymentGateway = "STRIPE"

// Payment statuses reported by the payment gateway.
const (
	PaymentSucceeded      = "SUCCEEDED"
	PaymentFailed         = "FAILED"
	PaymentRequiresAction = "REQUIRES_ACTION"
)

// Payment error codes that are worth retrying.
var retryablePaymentCodes = map[string]bool{
	"card_declined":    true,
	"processing_error": true,
	"timeout":          true,
	"GATEWAY_ERROR":    true,
	"STRIPE_ERROR":     true,
}

// Payment error codes that fail immediately.
var fatalPaymentCodes = map[string]bool{
	"invalid_card":   true,
	"expired_card":   true,
	"stolen_card":    true,
	"fraud_detected": true,
}

// IsRetryablePaymentCode classifies a gateway error code. Unknown codes are
// retryable.
func IsRetryablePaymentCode(code string) bool {
	if retryablePaymentCodes[code] {
		return true
	}
	return !fatalPaymentCodes[code]
}

// PaymentResult is the outcome of a charge.
type PaymentResult struct {
	Success       bool   `json:"success"`
	PaymentID     string `json:"paymentId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Status        string `json:"status"`
	ErrorCode     string `json:"errorCode,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	AuthURL       string `json:"authUrl,omitempty"`
}

// Err converts an unsuccessful result into a *PaymentError. It returns nil
// for a successful charge.
func (r PaymentResult) Err() error {
	if r.Success && r.Status != PaymentRequiresAction {
		return nil
	}
	return &PaymentError{
		Code:    r.ErrorCode,
		Message: r.ErrorMessage,
		Status:  r.Status,
		AuthURL: r.AuthURL,
	}
}

// PaymentError is a failed charge.
type PaymentError struct {
	Code    string
	Message string
	Status  string
	AuthURL string
}

func (e *PaymentError) Error() string {
	if e.Status == PaymentRequiresAction {
		return fmt.Sprintf("payment requires action: %s", e.AuthURL)
	}
	if e.Message == "" {
		return fmt.Sprintf("payment failed: %s", e.Code)
	}
	return fmt.Sprintf("payment failed: %s: %s", e.Code, e.Message)
}

// Retryable reports whether charging again could succeed.
func (e *PaymentError) Retryable() bool {
	if e.Status == PaymentRequiresAction {
		return false
	}
	return IsRetryablePaymentCode(e.Code)
}

// RefundRequest identifies a captured charge to reverse.
type RefundRequest struct {
	OrderID       string          `json:"orderId"`
	PaymentID     string          `json:"paymentId"`
	TransactionID string          `json:"transactionId"`
	Gateway       string          `json:"gateway"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason,omitempty"`
}
