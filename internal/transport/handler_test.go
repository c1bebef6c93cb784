package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/ordersaga/internal/command"
	"github.com/pitabwire/ordersaga/internal/notify"
	"github.com/pitabwire/ordersaga/internal/payout"
	"github.com/pitabwire/ordersaga/internal/workflow"
	"github.com/pitabwire/ordersaga/model"
)

// --- fakes ---

type fakeSagas struct {
	mu        sync.Mutex
	signals   []model.Signal
	signalIDs []string
	signalErr error
	status    model.OrderStatus
	timeline  []model.TimelineEvent
	eta       *time.Time
	snapshot  model.OrderSnapshot
	instances []model.SagaInstance
	filters   workflow.InstanceFilters
	readErr   error
}

func (f *fakeSagas) Signal(_ context.Context, id string, sig model.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signalIDs = append(f.signalIDs, id)
	f.signals = append(f.signals, sig)
	return f.signalErr
}

func (f *fakeSagas) Status(context.Context, string) (model.OrderStatus, error) {
	return f.status, f.readErr
}

func (f *fakeSagas) Timeline(context.Context, string) ([]model.TimelineEvent, error) {
	return f.timeline, f.readErr
}

func (f *fakeSagas) ETA(context.Context, string) (*time.Time, error) {
	return f.eta, f.readErr
}

func (f *fakeSagas) Describe(context.Context, string) (model.OrderSnapshot, error) {
	return f.snapshot, f.readErr
}

func (f *fakeSagas) List(_ context.Context, filters workflow.InstanceFilters) ([]model.SagaInstance, error) {
	f.filters = filters
	return f.instances, f.readErr
}

type fakeStarter struct {
	key      string
	input    model.OrderInput
	result   command.StartResult
	replayed bool
	err      error
}

func (f *fakeStarter) Start(_ context.Context, key string, input model.OrderInput) (command.StartResult, bool, error) {
	f.key = key
	f.input = input
	return f.result, f.replayed, f.err
}

type fakePayouts struct {
	started payout.Request
	payout  *payout.Payout
	err     error
}

func (f *fakePayouts) Start(_ context.Context, req payout.Request) (*payout.Payout, error) {
	f.started = req
	return f.payout, f.err
}

func (f *fakePayouts) Get(context.Context, string) (*payout.Payout, error) {
	return f.payout, f.err
}

type fakeNotifications struct {
	req notify.Request
	id  string
	err error
}

func (f *fakeNotifications) Dispatch(req notify.Request) (string, error) {
	f.req = req
	return f.id, f.err
}

// --- helpers ---

type apiFixture struct {
	router        chi.Router
	sagas         *fakeSagas
	starter       *fakeStarter
	payouts       *fakePayouts
	notifications *fakeNotifications
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	doc, err := LoadOpenAPI(context.Background())
	require.NoError(t, err)

	f := &apiFixture{
		sagas:         &fakeSagas{},
		starter:       &fakeStarter{},
		payouts:       &fakePayouts{},
		notifications: &fakeNotifications{},
	}
	deps := testDeps()
	deps.OpenAPI = doc
	deps.Sagas = f.sagas
	deps.Starter = f.starter
	deps.Payouts = f.payouts
	deps.Notifications = f.notifications
	f.router = NewRouter(deps)
	return f
}

func (f *apiFixture) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	switch b := body.(type) {
	case nil:
		req = httptest.NewRequest(method, path, nil)
	case string:
		req = httptest.NewRequest(method, path, bytes.NewBufferString(b))
		req.Header.Set("Content-Type", "application/json")
	default:
		data, _ := json.Marshal(b)
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, w)
	env, ok := body["error"].(map[string]any)
	require.True(t, ok, "response should carry an error envelope: %v", body)
	code, _ := env["code"].(string)
	return code
}

func validOrderBody() map[string]any {
	return map[string]any{
		"customerId":  "cust-1",
		"vendorIds":   []string{"vendor-1"},
		"totalAmount": "120.00",
	}
}

// --- order start ---

func TestHandleOrderStart_accepted(t *testing.T) {
	f := newAPIFixture(t)
	f.starter.result = command.StartResult{WorkflowID: "order-saga-1", OrderID: "order-1"}

	w := f.do("POST", "/api/workflows/orders/start", validOrderBody(), "Idempotency-Key", "key-1")

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decodeBody(t, w)
	require.Equal(t, "order-saga-1", body["workflowId"])
	require.Equal(t, "key-1", f.starter.key)
	require.Equal(t, "cust-1", f.starter.input.CustomerID)
	require.True(t, f.starter.input.TotalAmount.Equal(decimal.RequireFromString("120")))
	require.Empty(t, w.Header().Get("Idempotency-Replayed"))
}

func TestHandleOrderStart_replayed(t *testing.T) {
	f := newAPIFixture(t)
	f.starter.result = command.StartResult{WorkflowID: "order-saga-1"}
	f.starter.replayed = true

	w := f.do("POST", "/api/workflows/orders/start", validOrderBody(), "Idempotency-Key", "key-1")

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "true", w.Header().Get("Idempotency-Replayed"))
}

func TestHandleOrderStart_schemaViolations(t *testing.T) {
	cases := map[string]map[string]any{
		"missing customer": {"vendorIds": []string{"v"}, "totalAmount": 10},
		"no vendors":       {"customerId": "c", "vendorIds": []string{}, "totalAmount": 10},
		"missing amount":   {"customerId": "c", "vendorIds": []string{"v"}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f := newAPIFixture(t)
			w := f.do("POST", "/api/workflows/orders/start", body)

			require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
			require.Equal(t, model.ErrValidationError, errorCode(t, w))
			require.Empty(t, f.starter.input.CustomerID, "starter should not be called")
		})
	}
}

func TestHandleOrderStart_starterError(t *testing.T) {
	f := newAPIFixture(t)
	f.starter.err = model.NewValidationError([]model.FieldError{{Field: "totalAmount", Code: "invalid", Message: "must be positive"}})

	w := f.do("POST", "/api/workflows/orders/start", validOrderBody())

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, model.ErrValidationError, errorCode(t, w))
}

// --- signals ---

func TestHandleSignal_routesToNamedSignal(t *testing.T) {
	cases := []struct {
		path   string
		body   map[string]any
		signal string
	}{
		{"vendor-confirmed", map[string]any{"vendorId": "v-1", "confirmed": true}, model.SignalVendorConfirmed},
		{"vendor-ready", map[string]any{"vendorId": "v-1"}, model.SignalVendorReady},
		{"delivery-picked-up", map[string]any{"partnerId": "p-1"}, model.SignalDeliveryPickedUp},
		{"delivery-update", map[string]any{"status": "EN_ROUTE", "lat": 1.5, "lng": 2.5}, model.SignalDeliveryUpdate},
		{"delivery-completed", map[string]any{"proofUrl": "https://proof"}, model.SignalDeliveryCompleted},
		{"cancel", map[string]any{"reason": "changed my mind"}, model.SignalCancelOrder},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			f := newAPIFixture(t)
			w := f.do("POST", "/api/workflows/orders/wf-1/"+tc.path, tc.body)

			require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
			require.Len(t, f.sagas.signals, 1)
			require.Equal(t, tc.signal, f.sagas.signals[0].Name)
			require.Equal(t, "wf-1", f.sagas.signalIDs[0])

			var payload map[string]any
			require.NoError(t, json.Unmarshal(f.sagas.signals[0].Payload, &payload))
			for k := range tc.body {
				require.Contains(t, payload, k)
			}

			body := decodeBody(t, w)
			require.Equal(t, tc.signal, body["signal"])
		})
	}
}

func TestHandleSignal_schemaViolation(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do("POST", "/api/workflows/orders/wf-1/cancel", map[string]any{"refundRequested": true})

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, model.ErrValidationError, errorCode(t, w))
	require.Empty(t, f.sagas.signals)
}

func TestHandleSignal_latitudeOutOfRange(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do("POST", "/api/workflows/orders/wf-1/delivery-update", map[string]any{"status": "EN_ROUTE", "lat": 120})

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Empty(t, f.sagas.signals)
}

func TestHandleSignal_engineErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"unknown workflow": {model.NewWorkflowNotFoundError("no such saga"), http.StatusNotFound},
		"finished":         {model.NewWorkflowNotActiveError("saga finished"), http.StatusConflict},
		"unexpected":       {context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.sagas.signalErr = tc.err
			w := f.do("POST", "/api/workflows/orders/wf-1/vendor-ready", map[string]any{"vendorId": "v-1"})
			require.Equal(t, tc.want, w.Code)
		})
	}
}

func TestHandleSignal_invalidJSON(t *testing.T) {
	// Exercised without the validator, which rejects malformed bodies first.
	sagas := &fakeSagas{}
	r := chi.NewRouter()
	r.Post("/orders/{id}/signal", handleSignal(sagas, model.SignalVendorReady, nil))

	req := httptest.NewRequest("POST", "/orders/wf-1/signal", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(sagas.signals) != 0 {
		t.Errorf("signals = %d, want 0", len(sagas.signals))
	}
}

func TestHandleSignal_emptyBody(t *testing.T) {
	sagas := &fakeSagas{}
	r := chi.NewRouter()
	r.Post("/orders/{id}/signal", handleSignal(sagas, model.SignalDeliveryCompleted, nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/orders/wf-1/signal", nil))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if got := string(sagas.signals[0].Payload); got != "{}" {
		t.Errorf("payload = %s, want {}", got)
	}
}

// --- queries ---

func TestHandleOrderStatus(t *testing.T) {
	f := newAPIFixture(t)
	f.sagas.status = model.StatusVendorPreparing

	w := f.do("GET", "/api/workflows/orders/wf-1/status", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "wf-1", body["workflowId"])
	require.Equal(t, string(model.StatusVendorPreparing), body["status"])
}

func TestHandleOrderStatus_notFound(t *testing.T) {
	f := newAPIFixture(t)
	f.sagas.readErr = model.NewWorkflowNotFoundError("no such saga")

	w := f.do("GET", "/api/workflows/orders/missing/status", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, model.ErrWorkflowNotFound, errorCode(t, w))
}

func TestHandleOrderTimeline_emptyIsArray(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("GET", "/api/workflows/orders/wf-1/timeline", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, []any{}, body["timeline"])
}

func TestHandleOrderTimeline(t *testing.T) {
	f := newAPIFixture(t)
	f.sagas.timeline = []model.TimelineEvent{
		{Event: "PAYMENT", Outcome: "SUCCESS", Timestamp: time.Now()},
		{Event: "INVENTORY", Outcome: "RESERVED", Timestamp: time.Now()},
	}

	w := f.do("GET", "/api/workflows/orders/wf-1/timeline", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Len(t, body["timeline"], 2)
}

func TestHandleOrderETA(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("GET", "/api/workflows/orders/wf-1/eta", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, decodeBody(t, w)["eta"])

	eta := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	f.sagas.eta = &eta
	w = f.do("GET", "/api/workflows/orders/wf-1/eta", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "2026-05-01T12:30:00Z", decodeBody(t, w)["eta"])
}

func TestHandleOrderDescribe(t *testing.T) {
	f := newAPIFixture(t)
	f.sagas.snapshot = model.OrderSnapshot{
		WorkflowID:        "wf-1",
		OrderID:           "order-1",
		Status:            model.StatusOutForDelivery,
		DeliveryPartnerID: "partner-1",
	}

	w := f.do("GET", "/api/workflows/orders/wf-1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "order-1", body["orderId"])
	require.Equal(t, "partner-1", body["deliveryPartnerId"])
}

func TestHandleOrderList_filters(t *testing.T) {
	f := newAPIFixture(t)
	f.sagas.instances = []model.SagaInstance{{ID: "wf-1", CustomerID: "cust-1", Status: model.StatusDelivered}}

	w := f.do("GET", "/api/workflows/orders?status=DELIVERED&customer_id=cust-1&limit=10&offset=5", nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, workflow.InstanceFilters{
		Status:     model.StatusDelivered,
		CustomerID: "cust-1",
		Limit:      10,
		Offset:     5,
	}, f.sagas.filters)
	body := decodeBody(t, w)
	require.Len(t, body["data"], 1)
}

func TestHandleOrderList_defaults(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("GET", "/api/workflows/orders?limit=abc", nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 50, f.sagas.filters.Limit)
	require.Equal(t, 0, f.sagas.filters.Offset)
	require.Equal(t, []any{}, decodeBody(t, w)["data"])
}

// --- payouts and notifications ---

func TestHandlePayoutStart(t *testing.T) {
	f := newAPIFixture(t)
	f.payouts.payout = &payout.Payout{ID: "payout-1", VendorID: "vendor-1", Status: payout.StatusPending}

	w := f.do("POST", "/api/workflows/payouts", map[string]any{
		"vendorId":    "vendor-1",
		"orderId":     "order-1",
		"orderAmount": 120,
	})

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Equal(t, "vendor-1", f.payouts.started.VendorID)
	require.True(t, f.payouts.started.OrderAmount.Equal(decimal.NewFromInt(120)))
	require.Equal(t, "payout-1", decodeBody(t, w)["id"])
}

func TestHandlePayoutStart_missingVendor(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("POST", "/api/workflows/payouts", map[string]any{"orderId": "order-1", "orderAmount": 120})

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Empty(t, f.payouts.started.OrderID)
}

func TestHandlePayoutGet_notFound(t *testing.T) {
	f := newAPIFixture(t)
	f.payouts.err = model.NewNotFoundError("payout not found")

	w := f.do("GET", "/api/workflows/payouts/payout-404", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, model.ErrNotFound, errorCode(t, w))
}

func TestHandleNotificationSend(t *testing.T) {
	f := newAPIFixture(t)
	f.notifications.id = "notification-1"

	w := f.do("POST", "/api/workflows/notifications", map[string]any{
		"recipientType": "CUSTOMER",
		"recipientId":   "cust-1",
		"message":       "Your order is on its way",
	})

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decodeBody(t, w)
	require.Equal(t, "notification-1", body["notificationId"])
	require.Equal(t, []any{notify.ChannelEmail, notify.ChannelPush}, body["channels"])
	require.Equal(t, "cust-1", f.notifications.req.RecipientID)
}

func TestHandleNotificationSend_badRecipientType(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("POST", "/api/workflows/notifications", map[string]any{
		"recipientType": "COURIER",
		"recipientId":   "c-1",
		"message":       "hi",
	})

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Empty(t, f.notifications.req.RecipientID)
}

// --- helpers ---

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 7},
		{"n=3", 3},
		{"n=-1", 7},
		{"n=x", 7},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/?"+tt.query, nil)
		if got := queryInt(req, "n", 7); got != tt.want {
			t.Errorf("queryInt(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
