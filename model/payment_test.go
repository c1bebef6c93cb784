package model

import "testing"

func TestIsRetryablePaymentCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"card_declined", true},
		{"processing_error", true},
		{"timeout", true},
		{"GATEWAY_ERROR", true},
		{"STRIPE_ERROR", true},
		{"invalid_card", false},
		{"expired_card", false},
		{"stolen_card", false},
		{"fraud_detected", false},
		{"something_new", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := IsRetryablePaymentCode(tt.code); got != tt.want {
				t.Errorf("IsRetryablePaymentCode(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestPaymentResult_Err_success(t *testing.T) {
	r := PaymentResult{Success: true, Status: PaymentSucceeded, TransactionID: "txn-1"}
	if err := r.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestPaymentResult_Err_failure(t *testing.T) {
	r := PaymentResult{Status: PaymentFailed, ErrorCode: "invalid_card", ErrorMessage: "bad number"}
	err := r.Err()
	pe, ok := err.(*PaymentError)
	if !ok {
		t.Fatalf("Err() type = %T, want *PaymentError", err)
	}
	if pe.Retryable() {
		t.Error("invalid_card Retryable() = true, want false")
	}
	if got, want := pe.Error(), "payment failed: invalid_card: bad number"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestPaymentResult_Err_requiresAction(t *testing.T) {
	r := PaymentResult{Success: true, Status: PaymentRequiresAction, AuthURL: "https://pay.example/3ds"}
	pe, ok := r.Err().(*PaymentError)
	if !ok {
		t.Fatal("Err() is not a *PaymentError")
	}
	if pe.Retryable() {
		t.Error("REQUIRES_ACTION Retryable() = true, want false")
	}
	if pe.AuthURL != "https://pay.example/3ds" {
		t.Errorf("AuthURL = %q, want the 3DS url", pe.AuthURL)
	}
}
