package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/ordersaga/internal/config"
)

func statusBodies(reqs []*RecordedRequest) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if s, ok := r.Body["status"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func notificationTitles(reqs []*RecordedRequest) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if s, ok := r.Body["title"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestWorkflow_FullDeliveryLifecycle(t *testing.T) {
	h := NewTestHarness(t)
	customer := h.GenerateToken(CustomerClaims())
	vendor := h.GenerateToken(VendorClaims())
	courier := h.GenerateToken(CourierClaims())

	// Step 1: Place the order. The saga parks waiting for a vendor.
	id := h.StartOrder(t, customer, OrderFixture())
	require.True(t, strings.HasPrefix(id, "order-"), "workflow id = %q", id)

	snap := h.Snapshot(t, customer, id)
	require.Equal(t, "AWAITING_VENDOR_CONFIRMATION", snap.Status)
	require.Equal(t, "1001", snap.OrderID)
	require.Equal(t, "txn-1", snap.PaymentTransactionID)

	// Step 2: Vendor confirms with a preparation time.
	h.Signal(t, vendor, id, "vendor-confirmed", map[string]any{
		"vendorId":        "v1",
		"confirmed":       true,
		"prepTimeMinutes": 20,
	})
	require.Equal(t, "VENDOR_PREPARING", h.Snapshot(t, customer, id).Status)

	var eta struct {
		ETA *time.Time `json:"eta"`
	}
	h.AssertJSON(t, h.GET("/api/workflows/orders/"+id+"/eta", customer), http.StatusOK, &eta)
	require.NotNil(t, eta.ETA)
	require.True(t, eta.ETA.Equal(Epoch.Add(50*time.Minute)), "eta = %v", eta.ETA)

	// Step 3: Vendor is ready and a partner is assigned.
	h.Signal(t, vendor, id, "vendor-ready", map[string]any{"vendorId": "v1"})
	snap = h.Snapshot(t, customer, id)
	require.Equal(t, "DELIVERY_ASSIGNED", snap.Status)
	require.Equal(t, "dp-7", snap.DeliveryPartnerID)

	// Step 4: Pickup and a carrier position update.
	h.Signal(t, courier, id, "delivery-picked-up", map[string]any{
		"partnerId": "dp-7",
		"timestamp": Epoch.Format(time.RFC3339),
	})
	h.Signal(t, courier, id, "delivery-update", map[string]any{
		"status": "NEAR",
		"lat":    33.57,
		"lng":    -7.59,
	})
	require.Equal(t, "OUT_FOR_DELIVERY", h.Snapshot(t, customer, id).Status)

	// Step 5: Delivery completes with proof.
	h.Signal(t, courier, id, "delivery-completed", map[string]any{
		"proofUrl":  "https://proof.example.com/1.jpg",
		"signature": "sig",
	})

	snap = h.Snapshot(t, customer, id)
	require.Equal(t, "COMPLETED", snap.Status)
	require.NotNil(t, snap.Result)
	require.Equal(t, "COMPLETED", snap.Result.FinalStatus)
	require.Empty(t, snap.Result.Issues)
	require.Equal(t, "https://proof.example.com/1.jpg", snap.DeliveryProofURL)
	require.Equal(t, []string{
		"WORKFLOW_STARTED",
		"ORDER_CREATED",
		"ORDER_VALIDATED",
		"PAYMENT_PROCESSED",
		"INVENTORY_RESERVED",
		"VENDORS_NOTIFIED",
		"VENDOR_CONFIRMED",
		"ORDER_READY",
		"DELIVERY_ASSIGNED",
		"DELIVERY_PICKED_UP",
		"DELIVERED",
		"WORKFLOW_COMPLETED",
	}, snap.Events())

	// Collaborators saw each side effect once and no compensation.
	orders := h.MockBackend(config.ServiceOrder)
	orders.AssertCalled(t, OpDeliveryProof, 1)
	require.Equal(t, "https://proof.example.com/1.jpg", orders.LastRequest(OpDeliveryProof).Body["proofUrl"])
	require.Equal(t, []string{"SHIPPED", "DELIVERED"}, statusBodies(orders.AllRequests(OpUpdateOrderStatus)))

	h.MockBackend(config.ServicePayment).AssertCalled(t, OpCharge, 1)
	h.MockBackend(config.ServicePayment).AssertNotCalled(t, OpRefund)
	h.MockBackend(config.ServiceProduct).AssertNotCalled(t, OpReleaseStock)
	h.MockBackend(config.ServiceDelivery).AssertCalled(t, OpAssignDelivery, 1)
	h.MockBackend(config.ServiceDelivery).AssertNotCalled(t, OpCancelAssignment)

	titles := notificationTitles(h.MockBackend(config.ServiceCustomer).AllRequests(OpCustomerNotification))
	require.Equal(t, []string{
		"Order #1001 - DELIVERY_ASSIGNED",
		"Order #1001 - OUT_FOR_DELIVERY",
		"Order #1001 - DELIVERED",
		"Rate your order",
	}, titles)

	// Step 6: A finished saga rejects further signals.
	resp := h.POST("/api/workflows/orders/"+id+"/cancel", customer, map[string]any{"reason": "too late"})
	h.AssertStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestWorkflow_FatalPaymentDecline(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(CustomerClaims())

	payments := h.MockBackend(config.ServicePayment)
	payments.OnOperation(OpCharge).RespondWith(http.StatusOK, ChargeFixture(false, "FAILED", "invalid_card"))

	id := h.StartOrder(t, token, OrderFixture())

	snap := h.Snapshot(t, token, id)
	require.Equal(t, "PAYMENT_FAILED", snap.Status)
	require.NotNil(t, snap.Result)
	require.Len(t, snap.Result.Issues, 1)
	require.Contains(t, snap.Result.Issues[0], "invalid_card")
	require.Contains(t, snap.Events(), "PAYMENT_FAILED")

	payments.AssertCalled(t, OpCharge, 1)
	payments.AssertNotCalled(t, OpRefund)
	h.MockBackend(config.ServiceProduct).AssertNotCalled(t, OpReserveStock)
	require.Contains(t, statusBodies(h.MockBackend(config.ServiceOrder).AllRequests(OpUpdateOrderStatus)), "PAYMENT_FAILED")
}

func TestWorkflow_RetryablePaymentDeclineExhausts(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(CustomerClaims())

	payments := h.MockBackend(config.ServicePayment)
	payments.OnOperation(OpCharge).RespondWith(http.StatusOK, ChargeFixture(false, "FAILED", "card_declined"))

	id := h.StartOrder(t, token, OrderFixture())

	require.Equal(t, "PAYMENT_FAILED", h.Snapshot(t, token, id).Status)
	payments.AssertCalled(t, OpCharge, 3)

	// Every attempt reuses one gateway idempotency key.
	reqs := payments.AllRequests(OpCharge)
	for _, r := range reqs[1:] {
		require.Equal(t, reqs[0].Body["idempotencyKey"], r.Body["idempotencyKey"])
	}
}

func TestWorkflow_VendorRejectionCompensates(t *testing.T) {
	h := NewTestHarness(t)
	customer := h.GenerateToken(CustomerClaims())
	vendor := h.GenerateToken(VendorClaims())

	id := h.StartOrder(t, customer, OrderFixture())
	h.MockBackend(config.ServiceVendor).Reset()

	h.Signal(t, vendor, id, "vendor-confirmed", map[string]any{
		"vendorId":  "v2",
		"confirmed": false,
		"notes":     "out of stock",
	})

	snap := h.Snapshot(t, customer, id)
	require.Equal(t, "CANCELLED", snap.Status)
	require.Contains(t, snap.Events(), "VENDOR_TIMEOUT_OR_REJECTED")

	// Compensation: vendors told in reverse order, stock released, payment refunded.
	cancellations := h.MockBackend(config.ServiceVendor).AllRequests(OpVendorNotification)
	require.Len(t, cancellations, 2)
	require.Equal(t, "/vendors/v2/notifications", cancellations[0].Path)
	require.Equal(t, "/vendors/v1/notifications", cancellations[1].Path)
	for _, c := range cancellations {
		require.Equal(t, "ORDER_CANCELLED", c.Body["type"])
	}
	h.MockBackend(config.ServiceProduct).AssertCalled(t, OpReleaseStock, 1)

	payments := h.MockBackend(config.ServicePayment)
	payments.AssertCalled(t, OpRefund, 1)
	require.Equal(t, "txn-1", payments.LastRequest(OpRefund).Body["gatewayPaymentId"])
}

func TestWorkflow_VendorConfirmationTimeout(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(CustomerClaims())

	id := h.StartOrder(t, token, OrderFixture())

	require.Zero(t, h.Advance(14*time.Minute))
	require.Equal(t, "AWAITING_VENDOR_CONFIRMATION", h.Snapshot(t, token, id).Status)

	require.Equal(t, 1, h.Advance(time.Minute))

	snap := h.Snapshot(t, token, id)
	require.Equal(t, "CANCELLED", snap.Status)
	require.Contains(t, snap.Result.Issues, "vendor timeout or rejection")
	h.MockBackend(config.ServicePayment).AssertCalled(t, OpRefund, 1)
	h.MockBackend(config.ServiceProduct).AssertCalled(t, OpReleaseStock, 1)
}

func TestWorkflow_CustomerCancelWhileAwaitingVendor(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(CustomerClaims())

	id := h.StartOrder(t, token, OrderFixture())
	h.Signal(t, token, id, "cancel", map[string]any{
		"reason":          "changed my mind",
		"refundRequested": true,
	})

	snap := h.Snapshot(t, token, id)
	require.Equal(t, "CANCELLED", snap.Status)
	require.Equal(t, []string{"order cancelled by customer: changed my mind"}, snap.Result.Issues)
	require.NotContains(t, snap.Events(), "VENDOR_TIMEOUT_OR_REJECTED")
	require.Contains(t, statusBodies(h.MockBackend(config.ServiceOrder).AllRequests(OpUpdateOrderStatus)), "CANCELLED")
	h.MockBackend(config.ServicePayment).AssertCalled(t, OpRefund, 1)
}

func TestWorkflow_CancelAfterAssignmentReleasesPartner(t *testing.T) {
	h := NewTestHarness(t)
	customer := h.GenerateToken(CustomerClaims())
	vendor := h.GenerateToken(VendorClaims())

	id := h.StartOrder(t, customer, OrderFixture())
	h.Signal(t, vendor, id, "vendor-confirmed", map[string]any{"vendorId": "v1", "confirmed": true})
	h.Signal(t, vendor, id, "vendor-ready", map[string]any{"vendorId": "v1"})
	require.Equal(t, "DELIVERY_ASSIGNED", h.Snapshot(t, customer, id).Status)

	h.Signal(t, customer, id, "cancel", map[string]any{"reason": "no longer needed"})

	require.Equal(t, "CANCELLED", h.Snapshot(t, customer, id).Status)
	deliveries := h.MockBackend(config.ServiceDelivery)
	deliveries.AssertCalled(t, OpCancelAssignment, 1)
	cancel := deliveries.LastRequest(OpCancelAssignment)
	require.Equal(t, "/deliveries/assignments/1001", cancel.Path)
	require.Equal(t, "dp-7", cancel.QueryParams["partnerId"])
}

func TestWorkflow_DeliveryTimeoutIsSoft(t *testing.T) {
	h := NewTestHarness(t)
	customer := h.GenerateToken(CustomerClaims())
	vendor := h.GenerateToken(VendorClaims())
	courier := h.GenerateToken(CourierClaims())

	id := h.StartOrder(t, customer, OrderFixture())
	h.Signal(t, vendor, id, "vendor-confirmed", map[string]any{"vendorId": "v1", "confirmed": true})
	h.Signal(t, vendor, id, "vendor-ready", map[string]any{"vendorId": "v1"})
	h.Signal(t, courier, id, "delivery-picked-up", map[string]any{"partnerId": "dp-7"})
	require.Equal(t, "OUT_FOR_DELIVERY", h.Snapshot(t, customer, id).Status)

	require.Equal(t, 1, h.Advance(4*time.Hour))

	snap := h.Snapshot(t, customer, id)
	require.Equal(t, "COMPLETED", snap.Status)
	require.Equal(t, []string{"delivery timeout - manual intervention may be required"}, snap.Result.Issues)
	require.Contains(t, snap.Events(), "DELIVERY_TIMEOUT")

	h.MockBackend(config.ServiceDelivery).AssertCalled(t, OpTrackDelivery, 1)
	h.MockBackend(config.ServiceOrder).AssertNotCalled(t, OpDeliveryProof)
	h.MockBackend(config.ServicePayment).AssertNotCalled(t, OpRefund)
}

func TestWorkflow_MissingDeliveryAddressFails(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(CustomerClaims())

	order := OrderFixture()
	delete(order, "deliveryAddress")
	id := h.StartOrder(t, token, order)

	snap := h.Snapshot(t, token, id)
	require.Equal(t, "FAILED", snap.Status)
	require.Equal(t, "WORKFLOW_FAILED", snap.Events()[len(snap.Events())-1])
	h.MockBackend(config.ServicePayment).AssertNotCalled(t, OpCharge)
}

func TestWorkflow_ListAndTimeline(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(CustomerClaims())

	first := h.StartOrder(t, token, OrderFixture())

	other := OrderFixture()
	other["customerId"] = "cust-2"
	h.StartOrder(t, token, other)

	h.Signal(t, token, first, "cancel", map[string]any{"reason": "duplicate"})

	var list struct {
		Data []struct {
			ID         string `json:"id"`
			CustomerID string `json:"customerId"`
			Status     string `json:"status"`
		} `json:"data"`
		Limit int `json:"limit"`
	}
	h.AssertJSON(t, h.GET("/api/workflows/orders?customer_id=cust-2", token), http.StatusOK, &list)
	require.Len(t, list.Data, 1)
	require.Equal(t, "cust-2", list.Data[0].CustomerID)
	require.Equal(t, 50, list.Limit)

	list.Data = nil
	h.AssertJSON(t, h.GET("/api/workflows/orders?status=CANCELLED", token), http.StatusOK, &list)
	require.Len(t, list.Data, 1)
	require.Equal(t, first, list.Data[0].ID)

	var timeline struct {
		WorkflowID string `json:"workflowId"`
		Timeline   []struct {
			Event string `json:"event"`
		} `json:"timeline"`
	}
	h.AssertJSON(t, h.GET("/api/workflows/orders/"+first+"/timeline", token), http.StatusOK, &timeline)
	require.Equal(t, first, timeline.WorkflowID)
	require.Equal(t, "WORKFLOW_CANCELLED", timeline.Timeline[len(timeline.Timeline)-1].Event)
}
