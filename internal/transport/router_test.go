package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/internal/config"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/model"
)

func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	return Dependencies{
		Config: cfg,
		Logger: zap.NewNop(),
		Readiness: observability.ReadinessChecks{
			EngineRunning: func() bool { return true },
		},
	}
}

func rejectAuth(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, model.NewUnauthorizedError("rejected"))
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestNewRouter_operationalEndpoints(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		modify func(*Dependencies)
		want   int
	}{
		{"health", "/health", nil, http.StatusOK},
		{"ready", "/ready", nil, http.StatusOK},
		{"metrics", "/metrics", nil, http.StatusOK},
		{"not ready before recovery", "/ready", func(d *Dependencies) {
			d.Readiness.EngineRunning = func() bool { return false }
		}, http.StatusServiceUnavailable},
		{"health bypasses auth", "/health", func(d *Dependencies) { d.Authenticate = rejectAuth }, http.StatusOK},
		{"ready bypasses auth", "/ready", func(d *Dependencies) { d.Authenticate = rejectAuth }, http.StatusOK},
		{"metrics bypasses auth", "/metrics", func(d *Dependencies) { d.Authenticate = rejectAuth }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps()
			if tt.modify != nil {
				tt.modify(&deps)
			}
			if got := serve(NewRouter(deps), http.MethodGet, tt.path).Code; got != tt.want {
				t.Errorf("GET %s status = %d, want %d", tt.path, got, tt.want)
			}
		})
	}
}

func TestNewRouter_healthBody(t *testing.T) {
	w := serve(NewRouter(testDeps()), http.MethodGet, "/health")

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if w.Header().Get("X-Correlation-Id") == "" {
		t.Error("public endpoints should still get X-Correlation-Id")
	}
}

// With auth rejecting everything, a registered API route answers 401 rather
// than 404 or 405.
func TestNewRouter_apiRoutesRequireAuth(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAuth
	r := NewRouter(deps)

	for _, route := range []string{
		"POST /api/workflows/orders/start",
		"GET /api/workflows/orders",
		"GET /api/workflows/orders/wf-1",
		"GET /api/workflows/orders/wf-1/status",
		"GET /api/workflows/orders/wf-1/timeline",
		"GET /api/workflows/orders/wf-1/eta",
		"POST /api/workflows/orders/wf-1/vendor-confirmed",
		"POST /api/workflows/orders/wf-1/vendor-ready",
		"POST /api/workflows/orders/wf-1/delivery-picked-up",
		"POST /api/workflows/orders/wf-1/delivery-update",
		"POST /api/workflows/orders/wf-1/delivery-completed",
		"POST /api/workflows/orders/wf-1/cancel",
		"POST /api/workflows/payouts",
		"GET /api/workflows/payouts/payout-1",
		"POST /api/workflows/notifications",
	} {
		t.Run(route, func(t *testing.T) {
			method, path, _ := strings.Cut(route, " ")
			if got := serve(r, method, path).Code; got != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", got)
			}
		})
	}
}

func TestNewRouter_capabilitiesGuardRoutes(t *testing.T) {
	deps := testDeps()
	deps.Capabilities = stubResolver{caps: model.CapabilitySet{model.CapOrdersRead: true}}
	r := NewRouter(deps)

	for _, path := range []string{
		"/api/workflows/orders/wf-1/vendor-confirmed",
		"/api/workflows/payouts",
	} {
		if got := serve(r, http.MethodPost, path).Code; got != http.StatusForbidden {
			t.Errorf("POST %s status = %d, want 403", path, got)
		}
	}
}
