package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/ordersaga/internal/command"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/internal/workflow"
	"github.com/pitabwire/ordersaga/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Sagas is the part of the saga engine the API uses.
type Sagas interface {
	Signal(ctx context.Context, workflowID string, sig model.Signal) error
	Status(ctx context.Context, workflowID string) (model.OrderStatus, error)
	Timeline(ctx context.Context, workflowID string) ([]model.TimelineEvent, error)
	ETA(ctx context.Context, workflowID string) (*time.Time, error)
	Describe(ctx context.Context, workflowID string) (model.OrderSnapshot, error)
	List(ctx context.Context, filters workflow.InstanceFilters) ([]model.SagaInstance, error)
}

// OrderStarter starts sagas, de-duplicating by idempotency key.
type OrderStarter interface {
	Start(ctx context.Context, key string, input model.OrderInput) (command.StartResult, bool, error)
}

func handleOrderStart(starter OrderStarter, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input model.OrderInput
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&input); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		res, replayed, err := starter.Start(r.Context(), r.Header.Get("Idempotency-Key"), input)
		if err != nil {
			WriteError(w, err)
			return
		}
		if replayed {
			w.Header().Set("Idempotency-Replayed", "true")
		}
		observability.LoggerFrom(r.Context(), logger).Info("order saga start accepted",
			zap.String("workflow_id", res.WorkflowID),
			zap.String("customer_id", input.CustomerID),
			zap.Bool("replayed", replayed),
		)
		WriteJSON(w, http.StatusAccepted, res)
	}
}

// handleSignal forwards the request body as the payload of the named signal.
func handleSignal(sagas Sagas, name string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "id")

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			WriteError(w, model.NewBadRequestError("unreadable body"))
			return
		}
		if len(body) == 0 {
			body = []byte("{}")
		}
		if !json.Valid(body) {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		if err := sagas.Signal(r.Context(), workflowID, model.Signal{Name: name, Payload: body}); err != nil {
			WriteError(w, err)
			return
		}
		observability.LoggerFrom(r.Context(), logger).Info("signal accepted",
			zap.String("workflow_id", workflowID),
			zap.String("signal", name),
		)
		WriteJSON(w, http.StatusAccepted, map[string]string{
			"workflowId": workflowID,
			"signal":     name,
		})
	}
}

func handleOrderDescribe(sagas Sagas) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := sagas.Describe(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

func handleOrderStatus(sagas Sagas) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "id")
		status, err := sagas.Status(r.Context(), workflowID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"workflowId": workflowID,
			"status":     status,
		})
	}
}

func handleOrderTimeline(sagas Sagas) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "id")
		timeline, err := sagas.Timeline(r.Context(), workflowID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if timeline == nil {
			timeline = []model.TimelineEvent{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"workflowId": workflowID,
			"timeline":   timeline,
		})
	}
}

func handleOrderETA(sagas Sagas) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "id")
		eta, err := sagas.ETA(r.Context(), workflowID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"workflowId": workflowID,
			"eta":        eta,
		})
	}
}

func handleOrderList(sagas Sagas) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := workflow.InstanceFilters{
			Status:     model.OrderStatus(r.URL.Query().Get("status")),
			CustomerID: r.URL.Query().Get("customer_id"),
			Limit:      queryInt(r, "limit", 50),
			Offset:     queryInt(r, "offset", 0),
		}

		instances, err := sagas.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		if instances == nil {
			instances = []model.SagaInstance{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   instances,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
