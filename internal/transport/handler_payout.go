package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/internal/notify"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/internal/payout"
	"github.com/pitabwire/ordersaga/model"
)

// Payouts starts and reads vendor payouts.
type Payouts interface {
	Start(ctx context.Context, req payout.Request) (*payout.Payout, error)
	Get(ctx context.Context, id string) (*payout.Payout, error)
}

// Notifications sends plain notifications in the background.
type Notifications interface {
	Dispatch(req notify.Request) (string, error)
}

func handlePayoutStart(payouts Payouts, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req payout.Request
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		p, err := payouts.Start(r.Context(), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		observability.LoggerFrom(r.Context(), logger).Info("payout accepted",
			zap.String("payout_id", p.ID),
			zap.String("vendor_id", p.VendorID),
		)
		WriteJSON(w, http.StatusAccepted, p)
	}
}

func handlePayoutGet(payouts Payouts) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := payouts.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

func handleNotificationSend(notifications Notifications, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req notify.Request
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		id, err := notifications.Dispatch(req)
		if err != nil {
			WriteError(w, err)
			return
		}
		observability.LoggerFrom(r.Context(), logger).Info("notification accepted",
			zap.String("notification_id", id),
			zap.String("recipient_id", req.RecipientID),
		)
		WriteJSON(w, http.StatusAccepted, map[string]any{
			"notificationId": id,
			"channels":       notify.Channels(req.Channel),
		})
	}
}
