// Package notify sends plain notifications to customers and vendors. A
// request names one channel, or fans out to email and push together.
package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/ordersaga/internal/invoker"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/model"
)

// Channels.
const (
	ChannelEmail = "EMAIL"
	ChannelSMS   = "SMS"
	ChannelPush  = "PUSH"
	ChannelAll   = "ALL"
)

// Request is one notification.
type Request struct {
	RecipientType string `json:"recipientType"`
	RecipientID   string `json:"recipientId"`
	Channel       string `json:"channel,omitempty"`
	Title         string `json:"title,omitempty"`
	Message       string `json:"message"`
}

// Sender delivers a message on one channel.
type Sender interface {
	SendNotification(ctx context.Context, recipientType, recipientID, channel, title, message string) error
}

// Service sends notifications through the activity gateway.
type Service struct {
	sender  Sender
	gateway *invoker.Gateway
	logger  *zap.Logger
	metrics *observability.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records sends per channel.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a notification service.
func NewService(sender Sender, gateway *invoker.Gateway, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{sender: sender, gateway: gateway, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Channels resolves the channels a request is sent on. EMAIL, SMS and PUSH
// select that channel alone; anything else means email and push.
func Channels(channel string) []string {
	switch c := strings.ToUpper(strings.TrimSpace(channel)); c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return []string{c}
	default:
		return []string{ChannelEmail, ChannelPush}
	}
}

// ValidateRequest checks the shape of a notification request.
func ValidateRequest(req Request) error {
	var details []model.FieldError
	switch strings.ToUpper(req.RecipientType) {
	case "CUSTOMER", "VENDOR":
	case "":
		details = append(details, model.FieldError{Field: "recipientType", Code: "required", Message: "recipientType is required"})
	default:
		details = append(details, model.FieldError{Field: "recipientType", Code: "enum", Message: "recipientType must be CUSTOMER or VENDOR"})
	}
	if req.RecipientID == "" {
		details = append(details, model.FieldError{Field: "recipientId", Code: "required", Message: "recipientId is required"})
	}
	if req.Message == "" {
		details = append(details, model.FieldError{Field: "message", Code: "required", Message: "message is required"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Dispatch validates req and sends it in the background. It returns an id
// that appears in the service's logs for this notification.
func (s *Service) Dispatch(req Request) (string, error) {
	if err := ValidateRequest(req); err != nil {
		return "", err
	}
	id := "notification-" + uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger := s.logger.With(zap.String("notification_id", id))
		if err := s.Send(s.baseCtx, req); err != nil {
			logger.Warn("notification failed", zap.Error(err))
			return
		}
		logger.Debug("notification sent")
	}()
	return id, nil
}

// Send delivers req on every resolved channel concurrently and returns the
// first failure. A failed channel does not stop the others.
func (s *Service) Send(ctx context.Context, req Request) error {
	channels := Channels(req.Channel)
	ctx, span := observability.StartSpan(ctx, "notification.send")

	logger := s.logger.With(
		zap.String("recipient_type", req.RecipientType),
		zap.String("recipient_id", req.RecipientID),
		zap.Strings("channels", channels),
	)
	logger.Info("sending notification")

	var g errgroup.Group
	for _, ch := range channels {
		g.Go(func() error {
			return s.sendOne(ctx, req, ch)
		})
	}
	err := g.Wait()
	observability.EndSpanWithError(span, err)
	return err
}

func (s *Service) sendOne(ctx context.Context, req Request, channel string) error {
	title := req.Title
	if channel == ChannelSMS {
		title = ""
	}
	inv := invoker.Invocation{Name: "send" + channelName(channel), Class: invoker.ClassNotification}
	_, err := s.gateway.Execute(ctx, inv, func(ctx context.Context) error {
		return s.sender.SendNotification(ctx, req.RecipientType, req.RecipientID, channel, title, req.Message)
	})
	outcome := "success"
	if err != nil {
		outcome = "failure"
		s.logger.Warn("notification channel failed",
			zap.String("channel", channel),
			zap.String("recipient_id", req.RecipientID),
			zap.Error(err),
		)
	}
	s.metrics.RecordNotification(channel, outcome)
	return err
}

// Close waits for background sends, interrupting them when ctx expires.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func channelName(channel string) string {
	switch channel {
	case ChannelEmail:
		return "Email"
	case ChannelSMS:
		return "Sms"
	case ChannelPush:
		return "PushNotification"
	}
	return channel
}
