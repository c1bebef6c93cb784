package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/ordersaga/internal/config"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/model"
)

// endpoint is one collaborator service and the breaker guarding it.
type endpoint struct {
	service string
	base    string
	http    *http.Client
	breaker *CircuitBreaker
}

const (
	defaultServiceTimeout = 10 * time.Second
	maxResponseBytes      = 10 << 20
)

func newEndpoint(service string, cfg config.ServiceConfig, opts ...BreakerOption) *endpoint {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultServiceTimeout
	}
	return &endpoint{
		service: service,
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout, Transport: pooledTransport()},
		breaker: NewCircuitBreaker(service, cfg.CircuitBreaker, opts...),
	}
}

// pooledTransport caps connections per collaborator host so one slow
// service cannot drain the process of sockets.
func pooledTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxConnsPerHost = 50
	t.MaxIdleConnsPerHost = 16
	return t
}

// HTTPActivities calls the collaborator services over REST. Every call goes
// through the service's circuit breaker; retries belong to the Gateway.
type HTTPActivities struct {
	endpoints map[string]*endpoint
	logger    *zap.Logger
}

// NewHTTPActivities builds one endpoint per configured service. Breaker
// state changes are exported through m when it is non-nil.
func NewHTTPActivities(services map[string]config.ServiceConfig, logger *zap.Logger, m *observability.Metrics) *HTTPActivities {
	if logger == nil {
		logger = zap.NewNop()
	}
	onState := WithStateChange(func(name string, s BreakerState) {
		m.SetCircuitBreakerState(name, float64(s))
		if s == BreakerOpen {
			logger.Warn("circuit breaker open", zap.String("service", name))
		}
	})
	endpoints := make(map[string]*endpoint, len(services))
	for id, svcCfg := range services {
		endpoints[id] = newEndpoint(id, svcCfg, onState)
	}
	return &HTTPActivities{endpoints: endpoints, logger: logger}
}

// Breaker returns the circuit breaker of a service, for diagnostics.
func (a *HTTPActivities) Breaker(service string) (*CircuitBreaker, bool) {
	ep, ok := a.endpoints[service]
	if !ok {
		return nil, false
	}
	return ep.breaker, true
}

// --- order saga activities ---

type createOrderResponse struct {
	ID string `json:"id"`
}

// CreateOrder creates the order record and returns its id.
func (a *HTTPActivities) CreateOrder(ctx context.Context, draft model.OrderDraft) (string, error) {
	var resp createOrderResponse
	if err := a.do(ctx, config.ServiceOrder, http.MethodPost, "/orders", draft, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", Permanent(errors.New("order service returned no order id"))
	}
	return resp.ID, nil
}

// ValidateOrder fails permanently when the order is missing or incomplete.
func (a *HTTPActivities) ValidateOrder(ctx context.Context, order model.OrderInput) error {
	if err := a.do(ctx, config.ServiceOrder, http.MethodGet, "/orders/"+url.PathEscape(order.OrderID), nil, nil); err != nil {
		return err
	}
	switch {
	case order.CustomerID == "":
		return Permanent(errors.New("customer id is required"))
	case len(order.VendorIDs) == 0:
		return Permanent(errors.New("at least one vendor is required"))
	case order.DeliveryAddress == nil:
		return Permanent(errors.New("delivery address is required"))
	}
	return nil
}

type chargeRequest struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	OrderID        string          `json:"orderId"`
	CustomerID     string          `json:"customerId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PaymentMethod  string          `json:"paymentMethod,omitempty"`
	PaymentIntent  string          `json:"paymentIntentId,omitempty"`
	PaymentToken   string          `json:"paymentToken,omitempty"`
	Description    string          `json:"description"`
}

type gatewayResponse struct {
	Success          bool   `json:"success"`
	Status           string `json:"status"`
	PaymentID        string `json:"paymentId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	ErrorCode        string `json:"errorCode"`
	ErrorMessage     string `json:"errorMessage"`
	AuthURL          string `json:"authUrl"`
}

// ProcessPayment charges the order total. A declined charge is a result, not
// an error; the caller classifies it with PaymentResult.Err.
func (a *HTTPActivities) ProcessPayment(ctx context.Context, order model.OrderInput) (model.PaymentResult, error) {
	currency := order.Currency
	if currency == "" {
		currency = "MAD"
	}
	req := chargeRequest{
		// Stable across retries so the gateway charges at most once.
		IdempotencyKey: uuid.NewSHA1(uuid.NameSpaceURL, []byte("charge:"+order.OrderID)).String(),
		OrderID:        order.OrderID,
		CustomerID:     order.CustomerID,
		Amount:         order.TotalAmount,
		Currency:       currency,
		PaymentMethod:  order.PaymentMethod,
		PaymentIntent:  order.PaymentIntentID,
		PaymentToken:   order.PaymentToken,
		Description:    "Order #" + order.OrderID,
	}

	var resp gatewayResponse
	path := "/v1/gateway/" + url.PathEscape(gatewayName(order.PaymentGateway)) + "/charge"
	if err := a.do(ctx, config.ServicePayment, http.MethodPost, path, req, &resp); err != nil {
		return model.PaymentResult{}, err
	}
	return model.PaymentResult{
		Success:       resp.Success,
		PaymentID:     resp.PaymentID,
		TransactionID: resp.GatewayPaymentID,
		Status:        resp.Status,
		ErrorCode:     resp.ErrorCode,
		ErrorMessage:  resp.ErrorMessage,
		AuthURL:       resp.AuthURL,
	}, nil
}

// RefundPayment reverses a captured charge.
func (a *HTTPActivities) RefundPayment(ctx context.Context, refund model.RefundRequest) error {
	body := map[string]any{
		"paymentId":        refund.PaymentID,
		"gatewayPaymentId": refund.TransactionID,
		"orderId":          refund.OrderID,
		"amount":           refund.Amount,
		"reason":           refund.Reason,
	}
	var resp gatewayResponse
	path := "/v1/gateway/" + url.PathEscape(gatewayName(refund.Gateway)) + "/refund"
	if err := a.do(ctx, config.ServicePayment, http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("refund rejected: %s: %s", resp.ErrorCode, resp.ErrorMessage)
	}
	return nil
}

// ReserveInventory reserves stock for every order line.
func (a *HTTPActivities) ReserveInventory(ctx context.Context, order model.OrderInput) error {
	for _, item := range order.Items {
		path := "/products/" + url.PathEscape(item.ProductID) + "/reserve"
		body := map[string]any{"quantity": item.Quantity, "orderId": order.OrderID}
		if err := a.do(ctx, config.ServiceProduct, http.MethodPost, path, body, nil); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseInventory releases stock for every order line. It attempts every
// line and reports all failures together.
func (a *HTTPActivities) ReleaseInventory(ctx context.Context, order model.OrderInput) error {
	var errs []error
	for _, item := range order.Items {
		path := "/products/" + url.PathEscape(item.ProductID) + "/release"
		body := map[string]any{"quantity": item.Quantity, "orderId": order.OrderID}
		if err := a.do(ctx, config.ServiceProduct, http.MethodPost, path, body, nil); err != nil {
			errs = append(errs, fmt.Errorf("product %s: %w", item.ProductID, err))
		}
	}
	return errors.Join(errs...)
}

// NotifyVendors sends the new order to every vendor.
func (a *HTTPActivities) NotifyVendors(ctx context.Context, order model.OrderInput) error {
	var errs []error
	for _, vendorID := range order.VendorIDs {
		body := map[string]any{
			"type":        "NEW_ORDER",
			"orderId":     order.OrderID,
			"totalAmount": order.TotalAmount,
			"itemCount":   len(order.Items),
		}
		if err := a.vendorNotification(ctx, vendorID, body); err != nil {
			errs = append(errs, fmt.Errorf("vendor %s: %w", vendorID, err))
		}
	}
	return errors.Join(errs...)
}

// NotifyVendorCancellation tells one vendor the order was cancelled.
func (a *HTTPActivities) NotifyVendorCancellation(ctx context.Context, orderID, vendorID, reason string) error {
	return a.vendorNotification(ctx, vendorID, map[string]any{
		"type":    "ORDER_CANCELLED",
		"orderId": orderID,
		"reason":  reason,
	})
}

type assignmentResponse struct {
	PartnerID string `json:"partnerId"`
}

// AssignDeliveryPartner books a delivery partner and returns its id.
func (a *HTTPActivities) AssignDeliveryPartner(ctx context.Context, order model.OrderInput) (string, error) {
	body := map[string]any{
		"orderId":         order.OrderID,
		"vendorIds":       order.VendorIDs,
		"deliveryAddress": order.DeliveryAddress,
		"deliverySlot":    order.DeliverySlot,
	}
	var resp assignmentResponse
	if err := a.do(ctx, config.ServiceDelivery, http.MethodPost, "/deliveries/assignments", body, &resp); err != nil {
		return "", err
	}
	if resp.PartnerID == "" {
		return "", errors.New("delivery service returned no partner id")
	}
	return resp.PartnerID, nil
}

// CancelDeliveryAssignment releases the delivery partner.
func (a *HTTPActivities) CancelDeliveryAssignment(ctx context.Context, orderID, partnerID string) error {
	path := "/deliveries/assignments/" + url.PathEscape(orderID) + "?partnerId=" + url.QueryEscape(partnerID)
	return a.do(ctx, config.ServiceDelivery, http.MethodDelete, path, nil, nil)
}

type trackingResponse struct {
	Status string `json:"status"`
}

// TrackDelivery returns the carrier status of the delivery.
func (a *HTTPActivities) TrackDelivery(ctx context.Context, orderID, partnerID string) (string, error) {
	path := "/deliveries/" + url.PathEscape(orderID) + "/tracking?partnerId=" + url.QueryEscape(partnerID)
	var resp trackingResponse
	if err := a.do(ctx, config.ServiceDelivery, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// CaptureDeliveryProof stores the proof of delivery on the order.
func (a *HTTPActivities) CaptureDeliveryProof(ctx context.Context, orderID, proofURL, signature string) error {
	body := map[string]string{"proofUrl": proofURL, "signature": signature}
	return a.do(ctx, config.ServiceOrder, http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/delivery-proof", body, nil)
}

// SendDeliveryNotification notifies the customer about the order.
func (a *HTTPActivities) SendDeliveryNotification(ctx context.Context, orderID, customerID string, status model.OrderStatus, message string) error {
	title := fmt.Sprintf("Order #%s - %s", orderID, status)
	return a.SendNotification(ctx, "CUSTOMER", customerID, "", title, message)
}

// TriggerReviewRequest asks the customer to review the order.
func (a *HTTPActivities) TriggerReviewRequest(ctx context.Context, orderID, customerID string) error {
	msg := fmt.Sprintf("How was your experience with order #%s? Leave a review!", orderID)
	return a.SendNotification(ctx, "CUSTOMER", customerID, "", "Rate your order", msg)
}

// UpdateOrderStatus pushes a status to the order record.
func (a *HTTPActivities) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	body := map[string]string{"status": string(status)}
	return a.do(ctx, config.ServiceOrder, http.MethodPatch, "/orders/"+url.PathEscape(orderID)+"/status", body, nil)
}

// --- payout activities ---

// BankDetails fetches the payout account of a vendor.
func (a *HTTPActivities) BankDetails(ctx context.Context, vendorID string) (map[string]string, error) {
	details := map[string]string{}
	if err := a.do(ctx, config.ServiceVendor, http.MethodGet, "/vendors/"+url.PathEscape(vendorID)+"/bank-details", nil, &details); err != nil {
		return nil, err
	}
	return details, nil
}

type transferResponse struct {
	TransactionID string `json:"transactionId"`
}

// TransferToVendor sends a payout and returns the transfer transaction id.
// The payout id keys the transfer so retries do not pay twice.
func (a *HTTPActivities) TransferToVendor(ctx context.Context, payoutID, vendorID string, amount decimal.Decimal, bankDetails map[string]string) (string, error) {
	body := map[string]any{
		"idempotencyKey": payoutID,
		"vendorId":       vendorID,
		"amount":         amount,
		"bankDetails":    bankDetails,
	}
	var resp transferResponse
	if err := a.do(ctx, config.ServicePayment, http.MethodPost, "/v1/payouts", body, &resp); err != nil {
		return "", err
	}
	return resp.TransactionID, nil
}

// NotifyVendorPayout tells the vendor a payout was sent.
func (a *HTTPActivities) NotifyVendorPayout(ctx context.Context, vendorID string, amount decimal.Decimal, transactionID string) error {
	return a.vendorNotification(ctx, vendorID, map[string]any{
		"type":          "PAYOUT_SENT",
		"amount":        amount,
		"transactionId": transactionID,
	})
}

// --- notifications ---

// SendNotification delivers a message to a customer or vendor. An empty
// channel leaves the choice to the recipient's service.
func (a *HTTPActivities) SendNotification(ctx context.Context, recipientType, recipientID, channel, title, message string) error {
	service, collection := config.ServiceCustomer, "/customers/"
	if strings.EqualFold(recipientType, "VENDOR") {
		service, collection = config.ServiceVendor, "/vendors/"
	}
	body := map[string]string{"title": title, "message": message}
	if channel != "" {
		body["channel"] = channel
	}
	return a.do(ctx, service, http.MethodPost, collection+url.PathEscape(recipientID)+"/notifications", body, nil)
}

func (a *HTTPActivities) vendorNotification(ctx context.Context, vendorID string, body map[string]any) error {
	return a.do(ctx, config.ServiceVendor, http.MethodPost, "/vendors/"+url.PathEscape(vendorID)+"/notifications", body, nil)
}

// do performs a single JSON request with circuit breaker protection. A
// non-2xx response becomes a *ServiceError; out, when non-nil, receives the
// decoded response body.
func (a *HTTPActivities) do(ctx context.Context, service, method, path string, in, out any) (callErr error) {
	ep, ok := a.endpoints[service]
	if !ok {
		return Permanent(fmt.Errorf("invoker: service %q not configured", service))
	}
	call := fmt.Sprintf("%s %s %s", service, method, path)
	if err := ep.breaker.Allow(); err != nil {
		return fmt.Errorf("%s: %w", call, err)
	}

	ctx, span := observability.StartSpan(ctx, "http.client.request",
		observability.AttrServiceID.String(service),
	)
	defer func() { observability.EndSpanWithError(span, callErr) }()

	req, err := a.newRequest(ctx, ep, method, path, in)
	if err != nil {
		return Permanent(err)
	}

	resp, err := ep.http.Do(req)
	if err != nil {
		ep.breaker.recordOutcome(0, err)
		switch {
		case unreachable(err):
			return fmt.Errorf("%s: %w", call, model.NewBackendUnavailableError())
		case ctx.Err() != nil:
			return fmt.Errorf("%s: %w: %w", call, model.NewBackendTimeoutError(), ctx.Err())
		}
		return fmt.Errorf("invoker: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	ep.breaker.recordOutcome(resp.StatusCode, err)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", call, err)
	}

	if resp.StatusCode/100 != 2 {
		return &ServiceError{
			Service:    service,
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), 256),
		}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return Permanent(fmt.Errorf("invoker: decode %s response: %w", service, err))
	}
	return nil
}

// newRequest encodes in as the JSON body, when given, and carries the
// caller's trace context.
func (a *HTTPActivities) newRequest(ctx context.Context, ep *endpoint, method, path string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("invoker: marshal body: %w", err)
		}
		body = bytes.NewReader(raw)
		a.logRequestBody(ep.service, method, path, raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("invoker: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	observability.InjectTraceHeaders(ctx, req.Header)
	return req, nil
}

// logRequestBody emits the outbound payload at debug level with payment
// tokens and other credentials masked.
func (a *HTTPActivities) logRequestBody(service, method, path string, raw []byte) {
	if !a.logger.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return
	}
	a.logger.Debug("collaborator request",
		zap.String("service", service),
		zap.String("method", method),
		zap.String("path", path),
		zap.Any("body", observability.RedactBody(fields, nil)),
	)
}

func gatewayName(name string) string {
	if name == "" {
		return model.DefaultPaymentGateway
	}
	return name
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// unreachable reports dial and name resolution failures.
func unreachable(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	return errors.As(err, &opErr) || errors.As(err, &dnsErr)
}
