// Package transport serves the order saga HTTP API: the chi router, its
// middleware chain, and the workflow, signal, payout and admin handlers.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/ordersaga/model"
)

// statusFor maps an envelope code to its HTTP status. Unknown codes are 500.
func statusFor(code string) int {
	switch code {
	case model.ErrBadRequest:
		return http.StatusBadRequest
	case model.ErrUnauthorized:
		return http.StatusUnauthorized
	case model.ErrForbidden:
		return http.StatusForbidden
	case model.ErrNotFound, model.ErrWorkflowNotFound:
		return http.StatusNotFound
	case model.ErrConflict, model.ErrWorkflowNotActive:
		return http.StatusConflict
	case model.ErrValidationError, model.ErrInvalidTransition:
		return http.StatusUnprocessableEntity
	case model.ErrBackendUnavailable:
		return http.StatusBadGateway
	case model.ErrBackendTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorPayload struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON sends body as JSON with status. A nil body sends headers only.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError sends the envelope wrapped by err. Anything else becomes a
// generic INTERNAL_ERROR so driver and backend messages never reach callers.
func WriteError(w http.ResponseWriter, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		env = model.NewInternalError()
	}
	WriteJSON(w, statusFor(env.Code), errorPayload{Error: env})
}

func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError sends a 422 carrying per-field details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
