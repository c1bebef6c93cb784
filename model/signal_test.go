package model

import (
	"testing"
	"time"
)

func mustSignal(t *testing.T, name string, payload any) Signal {
	t.Helper()
	sig, err := NewSignal(name, payload)
	if err != nil {
		t.Fatalf("NewSignal(%s): %v", name, err)
	}
	return sig
}

func TestSignalFlags_Apply_vendorConfirmation(t *testing.T) {
	prep := 20
	var f SignalFlags
	if _, err := f.Apply(mustSignal(t, SignalVendorConfirmed, VendorConfirmation{VendorID: "v1", Confirmed: true, PrepTimeMinutes: &prep})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !f.VendorConfirmed || f.VendorRejected {
		t.Errorf("confirmed=%v rejected=%v, want true/false", f.VendorConfirmed, f.VendorRejected)
	}
	if f.PrepTimeMinutes == nil || *f.PrepTimeMinutes != 20 {
		t.Errorf("PrepTimeMinutes = %v, want 20", f.PrepTimeMinutes)
	}
}

func TestSignalFlags_Apply_vendorRejection(t *testing.T) {
	var f SignalFlags
	if _, err := f.Apply(mustSignal(t, SignalVendorConfirmed, VendorConfirmation{VendorID: "v1", Confirmed: false})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if f.VendorConfirmed || !f.VendorRejected {
		t.Errorf("confirmed=%v rejected=%v, want false/true", f.VendorConfirmed, f.VendorRejected)
	}
}

func TestSignalFlags_Apply_cancelKeepsFirstReason(t *testing.T) {
	var f SignalFlags
	_, _ = f.Apply(mustSignal(t, SignalCancelOrder, CancelRequest{Reason: "changed mind"}))
	_, _ = f.Apply(mustSignal(t, SignalCancelOrder, CancelRequest{Reason: "second", RefundRequested: true}))
	if !f.CancelRequested {
		t.Fatal("CancelRequested = false, want true")
	}
	if f.CancelReason != "changed mind" {
		t.Errorf("CancelReason = %q, want %q", f.CancelReason, "changed mind")
	}
	if !f.RefundRequested {
		t.Error("RefundRequested = false, want true")
	}
}

func TestSignalFlags_Apply_deliveryUpdateReturnsETA(t *testing.T) {
	eta := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	var f SignalFlags
	got, err := f.Apply(mustSignal(t, SignalDeliveryUpdate, DeliveryUpdate{Status: "EN_ROUTE", Latitude: 1.5, Longitude: 2.5, ETA: &eta}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got == nil || !got.Equal(eta) {
		t.Errorf("eta = %v, want %v", got, eta)
	}
	if f.DeliveryStatus != "EN_ROUTE" {
		t.Errorf("DeliveryStatus = %q, want EN_ROUTE", f.DeliveryStatus)
	}
}

func TestSignalFlags_Apply_emptyPayload(t *testing.T) {
	var f SignalFlags
	if _, err := f.Apply(Signal{Name: SignalVendorReady}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !f.VendorReady {
		t.Error("VendorReady = false, want true")
	}
}

func TestValidateSignal(t *testing.T) {
	if err := ValidateSignal(Signal{Name: "unknown"}); err == nil {
		t.Error("ValidateSignal(unknown) = nil, want error")
	}
	if err := ValidateSignal(Signal{Name: SignalDeliveryCompleted, Payload: []byte(`{"proofUrl":`)}); err == nil {
		t.Error("ValidateSignal(truncated payload) = nil, want error")
	}
	if err := ValidateSignal(Signal{Name: SignalDeliveryCompleted, Payload: []byte(`{"proofUrl":"https://p/1"}`)}); err != nil {
		t.Errorf("ValidateSignal(valid) = %v, want nil", err)
	}
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	terminal := map[OrderStatus]bool{
		StatusCompleted: true, StatusPaymentFailed: true, StatusCancelled: true, StatusFailed: true,
	}
	for _, s := range append(append([]OrderStatus{}, ForwardStatuses...), EscapeStatuses...) {
		if got := s.IsTerminal(); got != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, terminal[s])
		}
	}
}
