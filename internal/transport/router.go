package transport

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/internal/config"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config        *config.Config
	Logger        *zap.Logger
	Metrics       *observability.Metrics
	Authenticate  func(http.Handler) http.Handler
	Readiness     observability.ReadinessChecks
	OpenAPI       *openapi3.T
	Sagas         Sagas
	Starter       OrderStarter
	Payouts       Payouts
	Notifications Notifications

	// Capabilities enables per-route authorization when set.
	Capabilities model.CapabilityResolver
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	r.Get("/metrics", observability.Handler().ServeHTTP)

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)
		if deps.OpenAPI != nil {
			r.Use(ValidateRequest(deps.OpenAPI))
		}

		authz := func(cap string) func(http.Handler) http.Handler {
			if deps.Capabilities == nil {
				return func(next http.Handler) http.Handler { return next }
			}
			return RequireCapability(deps.Capabilities, cap)
		}

		// Paths are registered in full so the route pattern seen by the
		// validator matches the API description.
		r.With(authz(model.CapOrdersStart)).Post("/api/workflows/orders/start", handleOrderStart(deps.Starter, logger))
		r.With(authz(model.CapOrdersRead)).Get("/api/workflows/orders", handleOrderList(deps.Sagas))
		r.With(authz(model.CapOrdersRead)).Get("/api/workflows/orders/{id}", handleOrderDescribe(deps.Sagas))
		r.With(authz(model.CapOrdersRead)).Get("/api/workflows/orders/{id}/status", handleOrderStatus(deps.Sagas))
		r.With(authz(model.CapOrdersRead)).Get("/api/workflows/orders/{id}/timeline", handleOrderTimeline(deps.Sagas))
		r.With(authz(model.CapOrdersRead)).Get("/api/workflows/orders/{id}/eta", handleOrderETA(deps.Sagas))

		for path, route := range signalRoutes {
			r.With(authz(route.capability)).Post("/api/workflows/orders/{id}/"+path, handleSignal(deps.Sagas, route.signal, logger))
		}

		r.With(authz(model.CapPayoutsWrite)).Post("/api/workflows/payouts", handlePayoutStart(deps.Payouts, logger))
		r.With(authz(model.CapPayoutsRead)).Get("/api/workflows/payouts/{id}", handlePayoutGet(deps.Payouts))
		r.With(authz(model.CapNotificationsSend)).Post("/api/workflows/notifications", handleNotificationSend(deps.Notifications, logger))
	})

	return r
}

type signalRoute struct {
	signal     string
	capability string
}

// signalRoutes maps URL path segments to the signals they deliver.
var signalRoutes = map[string]signalRoute{
	"vendor-confirmed":   {model.SignalVendorConfirmed, model.CapVendorSignal},
	"vendor-ready":       {model.SignalVendorReady, model.CapVendorSignal},
	"delivery-picked-up": {model.SignalDeliveryPickedUp, model.CapDeliverySignal},
	"delivery-update":    {model.SignalDeliveryUpdate, model.CapDeliverySignal},
	"delivery-completed": {model.SignalDeliveryCompleted, model.CapDeliverySignal},
	"cancel":             {model.SignalCancelOrder, model.CapOrdersCancel},
}
