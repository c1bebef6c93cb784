package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Signal names accepted by a running order saga.
const (
	SignalVendorConfirmed   = "vendorConfirmed"
	SignalVendorReady       = "vendorReady"
	SignalDeliveryPickedUp  = "deliveryPickedUp"
	SignalDeliveryUpdate    = "deliveryUpdate"
	SignalDeliveryCompleted = "deliveryCompleted"
	SignalCancelOrder       = "cancelOrder"
)

// Signal is an out-of-band message addressed to one saga instance.
type Signal struct {
	Name    string          `json:"signal"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// VendorConfirmation is the payload of vendorConfirmed. Confirmed=false is a
// rejection.
type VendorConfirmation struct {
	VendorID        string `json:"vendorId"`
	Confirmed       bool   `json:"confirmed"`
	PrepTimeMinutes *int   `json:"prepTimeMinutes,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// VendorReady is the payload of vendorReady.
type VendorReady struct {
	VendorID string `json:"vendorId"`
}

// DeliveryPickup is the payload of deliveryPickedUp.
type DeliveryPickup struct {
	PartnerID string    `json:"partnerId"`
	Timestamp time.Time `json:"timestamp"`
}

// DeliveryUpdate is the payload of deliveryUpdate.
type DeliveryUpdate struct {
	Status    string     `json:"status"`
	Latitude  float64    `json:"lat"`
	Longitude float64    `json:"lng"`
	ETA       *time.Time `json:"eta,omitempty"`
}

// DeliveryCompletion is the payload of deliveryCompleted.
type DeliveryCompletion struct {
	ProofURL  string `json:"proofUrl"`
	Signature string `json:"signature,omitempty"`
}

// CancelRequest is the payload of cancelOrder.
type CancelRequest struct {
	Reason          string `json:"reason"`
	RefundRequested bool   `json:"refundRequested"`
}

// NewSignal builds a signal with a JSON-encoded payload.
func NewSignal(name string, payload any) (Signal, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Signal{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Signal{Name: name, Payload: raw}, nil
}

// SignalFlags is the externally mutable state of an order saga. Flags only
// ever move from false to true.
type SignalFlags struct {
	VendorConfirmed   bool       `json:"vendorConfirmed"`
	VendorRejected    bool       `json:"vendorRejected"`
	PrepTimeMinutes   *int       `json:"prepTimeMinutes,omitempty"`
	VendorNotes       string     `json:"vendorNotes,omitempty"`
	VendorReady       bool       `json:"vendorReady"`
	PickedUp          bool       `json:"pickedUp"`
	PickedUpAt        *time.Time `json:"pickedUpAt,omitempty"`
	DeliveryStatus    string     `json:"deliveryStatus,omitempty"`
	Latitude          float64    `json:"lat,omitempty"`
	Longitude         float64    `json:"lng,omitempty"`
	DeliveryCompleted bool       `json:"deliveryCompleted"`
	ProofURL          string     `json:"proofUrl,omitempty"`
	Signature         string     `json:"signature,omitempty"`
	CancelRequested   bool       `json:"cancelRequested"`
	CancelReason      string     `json:"cancelReason,omitempty"`
	RefundRequested   bool       `json:"refundRequested"`
}

// Apply folds a signal into the flags. It returns the carrier ETA when the
// signal is a delivery update carrying one.
func (f *SignalFlags) Apply(sig Signal) (*time.Time, error) {
	switch sig.Name {
	case SignalVendorConfirmed:
		var p VendorConfirmation
		if err := decodePayload(sig, &p); err != nil {
			return nil, err
		}
		if p.Confirmed {
			f.VendorConfirmed = true
		} else {
			f.VendorRejected = true
		}
		if p.PrepTimeMinutes != nil {
			f.PrepTimeMinutes = p.PrepTimeMinutes
		}
		if p.Notes != "" {
			f.VendorNotes = p.Notes
		}
	case SignalVendorReady:
		f.VendorReady = true
	case SignalDeliveryPickedUp:
		var p DeliveryPickup
		if err := decodePayload(sig, &p); err != nil {
			return nil, err
		}
		f.PickedUp = true
		if !p.Timestamp.IsZero() {
			ts := p.Timestamp
			f.PickedUpAt = &ts
		}
	case SignalDeliveryUpdate:
		var p DeliveryUpdate
		if err := decodePayload(sig, &p); err != nil {
			return nil, err
		}
		f.DeliveryStatus = p.Status
		f.Latitude = p.Latitude
		f.Longitude = p.Longitude
		return p.ETA, nil
	case SignalDeliveryCompleted:
		var p DeliveryCompletion
		if err := decodePayload(sig, &p); err != nil {
			return nil, err
		}
		f.DeliveryCompleted = true
		f.ProofURL = p.ProofURL
		f.Signature = p.Signature
	case SignalCancelOrder:
		var p CancelRequest
		if err := decodePayload(sig, &p); err != nil {
			return nil, err
		}
		f.CancelRequested = true
		if f.CancelReason == "" {
			f.CancelReason = p.Reason
		}
		f.RefundRequested = f.RefundRequested || p.RefundRequested
	default:
		return nil, fmt.Errorf("unknown signal %q", sig.Name)
	}
	return nil, nil
}

// ValidateSignal checks that the signal is known and its payload decodes.
func ValidateSignal(sig Signal) error {
	var scratch SignalFlags
	_, err := scratch.Apply(sig)
	return err
}

func decodePayload(sig Signal, v any) error {
	if len(sig.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(sig.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", sig.Name, err)
	}
	return nil
}
