// Package integration provides a reusable test harness for end-to-end
// integration testing of the order saga server. It starts a full HTTP server
// with mock collaborator services, in-memory stores, a fake clock, and a
// test JWT issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/internal/capability"
	"github.com/pitabwire/ordersaga/internal/command"
	"github.com/pitabwire/ordersaga/internal/config"
	"github.com/pitabwire/ordersaga/internal/invoker"
	"github.com/pitabwire/ordersaga/internal/lease"
	"github.com/pitabwire/ordersaga/internal/notify"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/internal/payout"
	"github.com/pitabwire/ordersaga/internal/transport"
	"github.com/pitabwire/ordersaga/internal/workflow"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// TestHarness encapsulates a fully wired server with mock collaborators
// for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Clock            *clockwork.FakeClock
	Store            *workflow.MemoryStore
	Engine           *workflow.Engine
	IdempotencyStore *command.MemoryIdempotencyStore
	Activities       *invoker.HTTPActivities
	Ledger           *payout.MemoryLedger
	Payouts          *payout.Service
	Notifications    *notify.Service
	Metrics          *observability.Metrics

	backends map[string]*MockBackend
	cfg      *config.Config
}

// HarnessOption tunes the wiring NewTestHarness builds.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout time.Duration
	circuitBreaker config.CircuitBreakerConfig
	serviceTimeout time.Duration
}

// WithHandlerTimeout bounds every API request.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithCircuitBreaker applies cb to every collaborator.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.circuitBreaker = cb }
}

// WithServiceTimeout bounds every collaborator call.
func WithServiceTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.serviceTimeout = d }
}

// NewTestHarness creates and starts a full server instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		serviceTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:        t,
		backends: make(map[string]*MockBackend),
		Clock:    clockwork.NewFakeClockAt(Epoch),
	}
	logger := zap.NewNop()

	// Step 1: Create mock collaborators.
	services := make(map[string]config.ServiceConfig)
	for serviceID, routes := range serviceRoutes() {
		mb := newMockBackend(t, serviceID, routes)
		h.backends[serviceID] = mb
		services[serviceID] = config.ServiceConfig{
			BaseURL:        mb.URL(),
			Timeout:        hc.serviceTimeout,
			CircuitBreaker: hc.circuitBreaker,
		}
	}

	// Step 2: Create JWT issuer and build config.
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Services = services
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.issuer
	h.cfg.Identity.Audience = h.issuer.audience

	// Step 3: Build activities with retries that do not wait.
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Activities = invoker.NewHTTPActivities(services, logger, h.Metrics)

	policies := invoker.DefaultPolicies()
	for class, p := range policies {
		p.BackoffInitial = 0
		policies[class] = p
	}
	gateway := invoker.NewGateway(logger,
		invoker.WithPolicies(policies),
		invoker.WithMetrics(h.Metrics),
	)

	// Step 4: Build the engine over in-memory stores. Drives run inline so
	// every API call returns once the saga has parked or finished.
	h.Store = workflow.NewMemoryStore()
	h.IdempotencyStore = command.NewMemoryIdempotencyStore(command.WithMemoryClock(h.Clock))
	h.Engine = workflow.NewEngine(h.Store, h.Activities, gateway, logger,
		workflow.WithEngineClock(h.Clock),
		workflow.WithEngineMetrics(h.Metrics),
		workflow.WithSagaConfig(h.cfg.Saga),
		workflow.WithLease(lease.NewMemoryLease(h.Clock), "integration", h.cfg.Lease.TTL),
		workflow.WithInlineDispatch(),
	)
	if _, err := h.Engine.Recover(context.Background()); err != nil {
		t.Fatalf("recover engine: %v", err)
	}
	starter := command.NewStartExecutor(h.Engine, logger, command.WithIdempotencyStore(h.IdempotencyStore))

	// Step 5: Build payout and notification services.
	h.Ledger = payout.NewMemoryLedger()
	h.Payouts = payout.NewService(h.Ledger, h.Activities, gateway, logger,
		payout.WithClock(h.Clock),
		payout.WithMetrics(h.Metrics),
		payout.WithInlineProcessing(),
	)
	h.Notifications = notify.NewService(h.Activities, gateway, logger, notify.WithMetrics(h.Metrics))

	// Step 6: Build router with full middleware chain.
	doc, err := transport.LoadOpenAPI(context.Background())
	if err != nil {
		t.Fatalf("load api description: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:        h.cfg,
		Logger:        logger,
		Metrics:       h.Metrics,
		Authenticate:  transport.JWTAuthenticator(h.cfg.Identity, h.issuer.secret),
		Readiness:     observability.ReadinessChecks{EngineRunning: h.Engine.Running, Journal: h.Store, PayoutLedger: h.Ledger},
		OpenAPI:       doc,
		Sagas:         h.Engine,
		Starter:       starter,
		Payouts:       h.Payouts,
		Notifications: h.Notifications,
		Capabilities: capability.NewResolver(
			capability.NewStaticPolicy(h.cfg.Authorization.Roles),
			h.cfg.Authorization.CacheTTL,
			capability.WithClock(h.Clock),
		),
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Notifications.Close(ctx)
		h.Payouts.Close(ctx)
		h.Engine.Close(ctx)
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// MockBackend returns the mock collaborator for the given service ID.
func (h *TestHarness) MockBackend(serviceID string) *MockBackend {
	mb, ok := h.backends[serviceID]
	if !ok {
		h.t.Fatalf("mock backend %q not configured", serviceID)
	}
	return mb
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed with an unknown secret.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// Advance moves the fake clock forward and fires due saga timers. It
// returns how many sagas woke up.
func (h *TestHarness) Advance(d time.Duration) int {
	h.t.Helper()
	h.Clock.Advance(d)
	n, err := h.Engine.ProcessTimers(context.Background())
	if err != nil {
		h.t.Fatalf("process timers: %v", err)
	}
	return n
}

// --- HTTP helpers ---

var apiClient = &http.Client{Timeout: 10 * time.Second}

func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, token, nil, nil)
}

func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, token, nil, headers)
}

func (h *TestHarness) POST(path, token string, body any) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, token, body, nil)
}

func (h *TestHarness) POSTWithHeaders(path, token string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, token, body, headers)
}

// Do calls the API. A non-nil body is sent as JSON and a non-empty token as
// a bearer credential. Transport errors fail the test.
func (h *TestHarness) Do(method, path, token string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			h.t.Fatalf("encode %s %s body: %v", method, path, err)
		}
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, &payload)
	if err != nil {
		h.t.Fatalf("build %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// ParseJSON decodes and closes the response body.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("decode body %s: %v", data, err)
	}
}

// statusMismatch describes an unexpected status, draining the body into the
// message.
func statusMismatch(resp *http.Response, want int) (string, bool) {
	if resp.StatusCode == want {
		return "", false
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return fmt.Sprintf("status = %d, want %d; body: %s", resp.StatusCode, want, data), true
}

// AssertStatus reports an error if resp does not carry want.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if msg, bad := statusMismatch(resp, want); bad {
		t.Error(msg)
	}
}

// AssertJSON requires status want and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, want int, target any) {
	t.Helper()
	if msg, bad := statusMismatch(resp, want); bad {
		t.Fatal(msg)
	}
	h.ParseJSON(resp, target)
}

// --- Saga helpers ---

// StartOrder starts a saga and returns its workflow id.
func (h *TestHarness) StartOrder(t *testing.T, token string, order map[string]any) string {
	t.Helper()
	var body struct {
		WorkflowID string `json:"workflowId"`
	}
	h.AssertJSON(t, h.POST("/api/workflows/orders/start", token, order), http.StatusAccepted, &body)
	if body.WorkflowID == "" {
		t.Fatal("start returned no workflowId")
	}
	return body.WorkflowID
}

// Signal delivers a signal through the API and expects it to be accepted.
func (h *TestHarness) Signal(t *testing.T, token, workflowID, path string, payload map[string]any) {
	t.Helper()
	resp := h.POST(fmt.Sprintf("/api/workflows/orders/%s/%s", workflowID, path), token, payload)
	h.AssertStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
}

// Snapshot fetches the full read model of a saga.
func (h *TestHarness) Snapshot(t *testing.T, token, workflowID string) Snapshot {
	t.Helper()
	var snap Snapshot
	h.AssertJSON(t, h.GET("/api/workflows/orders/"+workflowID, token), http.StatusOK, &snap)
	return snap
}

// Snapshot is the decoded saga read model.
type Snapshot struct {
	WorkflowID           string `json:"workflowId"`
	OrderID              string `json:"orderId"`
	Status               string `json:"status"`
	PaymentTransactionID string `json:"paymentTransactionId"`
	DeliveryPartnerID    string `json:"deliveryPartnerId"`
	DeliveryProofURL     string `json:"deliveryProofUrl"`
	Timeline             []struct {
		Event   string `json:"event"`
		Outcome string `json:"outcome"`
		Detail  string `json:"detail"`
	} `json:"timeline"`
	Result *struct {
		FinalStatus string   `json:"finalStatus"`
		FinalAmount string   `json:"finalAmount"`
		Issues      []string `json:"issues"`
	} `json:"result"`
}

// Events returns the timeline event names in order.
func (s Snapshot) Events() []string {
	names := make([]string, len(s.Timeline))
	for i, ev := range s.Timeline {
		names[i] = ev.Event
	}
	return names
}

// --- Default test claims and fixtures ---

func roleClaims(subject, role string) TestClaims {
	return TestClaims{SubjectID: subject, Roles: []string{role}}
}

func CustomerClaims() TestClaims { return roleClaims("cust-1", "customer") }
func VendorClaims() TestClaims   { return roleClaims("v1", "vendor") }
func CourierClaims() TestClaims  { return roleClaims("dp-7", "delivery_partner") }
func OperatorClaims() TestClaims { return roleClaims("ops-1", "operator") }

// OrderFixture returns an order placement body for two vendors.
func OrderFixture() map[string]any {
	return map[string]any{
		"customerId":  "cust-1",
		"vendorIds":   []string{"v1", "v2"},
		"totalAmount": "120.00",
		"currency":    "MAD",
		"items": []map[string]any{
			{"productId": "p1", "quantity": 2, "unitPrice": "60.00"},
		},
		"deliveryAddress": map[string]any{
			"street": "1 Main St",
			"city":   "Casablanca",
		},
	}
}
