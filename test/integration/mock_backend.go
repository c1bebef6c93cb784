package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/ordersaga/internal/config"
)

// MockBackend fakes one collaborator service. Each operation answers from a
// script of canned replies, the last of which repeats, and every request it
// receives is recorded.
type MockBackend struct {
	serviceID string
	routes    map[string]operationRoute
	server    *httptest.Server

	mu       sync.Mutex
	scripts  map[string]*replyScript
	received map[string][]*RecordedRequest
}

// RecordedRequest is one call a MockBackend received.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Body        map[string]any
}

type operationRoute struct {
	method      string
	pathPattern string
	defaultBody any
}

type reply struct {
	status   int
	body     any
	delay    time.Duration
	dropConn bool
}

type replyScript struct {
	replies []reply
	next    int
}

// pop returns the next scripted reply, repeating the last one once the
// script is exhausted.
func (s *replyScript) pop() reply {
	r := s.replies[min(s.next, len(s.replies)-1)]
	if s.next < len(s.replies) {
		s.next++
	}
	return r
}

func newMockBackend(t *testing.T, serviceID string, routes map[string]operationRoute) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		serviceID: serviceID,
		routes:    routes,
		scripts:   map[string]*replyScript{},
		received:  map[string][]*RecordedRequest{},
	}

	r := chi.NewRouter()
	for op, route := range routes {
		r.MethodFunc(route.method, route.pathPattern, mb.serve(op))
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeMockJSON(w, http.StatusNotFound, map[string]string{
			"error": "mock " + serviceID + ": no operation for " + req.Method + " " + req.URL.Path,
		})
	})

	mb.server = httptest.NewServer(r)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL is the base URL the saga engine should call.
func (mb *MockBackend) URL() string { return mb.server.URL }

// OperationMock scripts the replies of one operation.
type OperationMock struct {
	backend *MockBackend
	op      string
}

// OnOperation starts scripting replies for op.
func (mb *MockBackend) OnOperation(op string) *OperationMock {
	return &OperationMock{backend: mb, op: op}
}

// RespondWith appends a JSON reply.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	return om.then(reply{status: status, body: body})
}

// RespondWithError appends an error envelope reply.
func (om *OperationMock) RespondWithError(status int, code, message string) *OperationMock {
	return om.then(reply{status: status, body: map[string]any{"code": code, "message": message}})
}

// RespondWithDelay appends a reply sent after delay.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	return om.then(reply{status: status, body: body, delay: delay})
}

// RespondWithConnectionError appends a reply that drops the connection
// without answering.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	return om.then(reply{dropConn: true})
}

func (om *OperationMock) then(r reply) *OperationMock {
	mb := om.backend
	mb.mu.Lock()
	defer mb.mu.Unlock()
	s, ok := mb.scripts[om.op]
	if !ok {
		s = &replyScript{}
		mb.scripts[om.op] = s
	}
	s.replies = append(s.replies, r)
	return om
}

func (mb *MockBackend) serve(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rec := &RecordedRequest{
			Method:      req.Method,
			Path:        req.URL.Path,
			QueryParams: map[string]string{},
		}
		for k := range req.URL.Query() {
			rec.QueryParams[k] = req.URL.Query().Get(k)
		}
		_ = json.NewDecoder(req.Body).Decode(&rec.Body)

		mb.mu.Lock()
		mb.received[op] = append(mb.received[op], rec)
		script, scripted := mb.scripts[op]
		var r reply
		if scripted {
			r = script.pop()
		}
		mb.mu.Unlock()

		if !scripted {
			body := mb.routes[op].defaultBody
			if body == nil {
				body = map[string]string{"status": "ok"}
			}
			writeMockJSON(w, http.StatusOK, body)
			return
		}

		if r.dropConn {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
			return
		}
		if r.delay > 0 {
			time.Sleep(r.delay)
		}
		writeMockJSON(w, r.status, r.body)
	}
}

func writeMockJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// CallCount reports how often op was called.
func (mb *MockBackend) CallCount(op string) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.received[op])
}

// AssertCalled fails t unless op was called exactly want times.
func (mb *MockBackend) AssertCalled(t *testing.T, op string, want int) {
	t.Helper()
	if got := mb.CallCount(op); got != want {
		t.Errorf("mock %s: %s called %d times, want %d", mb.serviceID, op, got, want)
	}
}

// AssertNotCalled fails t if op was called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, op string) {
	t.Helper()
	mb.AssertCalled(t, op, 0)
}

// LastRequest returns the most recent call to op, or nil.
func (mb *MockBackend) LastRequest(op string) *RecordedRequest {
	reqs := mb.AllRequests(op)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns every call to op in arrival order.
func (mb *MockBackend) AllRequests(op string) []*RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]*RecordedRequest(nil), mb.received[op]...)
}

// Reset forgets every script and recorded call.
func (mb *MockBackend) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	clear(mb.scripts)
	clear(mb.received)
}

// ResetOperation forgets the script and recorded calls of op.
func (mb *MockBackend) ResetOperation(op string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.scripts, op)
	delete(mb.received, op)
}

// Collaborator operations, by service.
const (
	OpCreateOrder          = "createOrder"
	OpGetOrder             = "getOrder"
	OpUpdateOrderStatus    = "updateOrderStatus"
	OpDeliveryProof        = "deliveryProof"
	OpReserveStock         = "reserveStock"
	OpReleaseStock         = "releaseStock"
	OpVendorNotification   = "vendorNotification"
	OpBankDetails          = "bankDetails"
	OpCharge               = "charge"
	OpRefund               = "refund"
	OpPayout               = "payout"
	OpCustomerNotification = "customerNotification"
	OpAssignDelivery       = "assignDelivery"
	OpCancelAssignment     = "cancelAssignment"
	OpTrackDelivery        = "trackDelivery"
)

// serviceRoutes returns the operations each collaborator service serves,
// with bodies that let a saga run to completion by default.
func serviceRoutes() map[string]map[string]operationRoute {
	return map[string]map[string]operationRoute{
		config.ServiceOrder: {
			OpCreateOrder:       {method: "POST", pathPattern: "/orders", defaultBody: map[string]any{"id": "1001"}},
			OpGetOrder:          {method: "GET", pathPattern: "/orders/{id}", defaultBody: map[string]any{"id": "1001"}},
			OpUpdateOrderStatus: {method: "PATCH", pathPattern: "/orders/{id}/status"},
			OpDeliveryProof:     {method: "POST", pathPattern: "/orders/{id}/delivery-proof"},
		},
		config.ServiceProduct: {
			OpReserveStock: {method: "POST", pathPattern: "/products/{id}/reserve"},
			OpReleaseStock: {method: "POST", pathPattern: "/products/{id}/release"},
		},
		config.ServiceVendor: {
			OpVendorNotification: {method: "POST", pathPattern: "/vendors/{id}/notifications"},
			OpBankDetails: {method: "GET", pathPattern: "/vendors/{id}/bank-details", defaultBody: map[string]any{
				"accountNumber": "MA64011519000001205000534921",
				"bankName":      "Test Bank",
			}},
		},
		config.ServicePayment: {
			OpCharge: {method: "POST", pathPattern: "/v1/gateway/{gateway}/charge", defaultBody: ChargeFixture(true, "SUCCEEDED", "")},
			OpRefund: {method: "POST", pathPattern: "/v1/gateway/{gateway}/refund", defaultBody: map[string]any{"success": true}},
			OpPayout: {method: "POST", pathPattern: "/v1/payouts", defaultBody: map[string]any{"transactionId": "payout-txn-1"}},
		},
		config.ServiceCustomer: {
			OpCustomerNotification: {method: "POST", pathPattern: "/customers/{id}/notifications"},
		},
		config.ServiceDelivery: {
			OpAssignDelivery:   {method: "POST", pathPattern: "/deliveries/assignments", defaultBody: map[string]any{"partnerId": "dp-7"}},
			OpCancelAssignment: {method: "DELETE", pathPattern: "/deliveries/assignments/{orderId}"},
			OpTrackDelivery:    {method: "GET", pathPattern: "/deliveries/{orderId}/tracking", defaultBody: map[string]any{"status": "IN_TRANSIT"}},
		},
	}
}

// ChargeFixture returns a payment gateway charge response.
func ChargeFixture(success bool, status, errorCode string) map[string]any {
	return map[string]any{
		"success":          success,
		"status":           status,
		"paymentId":        "pay-1",
		"gatewayPaymentId": "txn-1",
		"errorCode":        errorCode,
	}
}
