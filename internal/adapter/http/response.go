package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/YelzhanWeb/pizzasync/internal/domain"
)

// ErrorResponse is the body of every non-2xx answer. Error holds the
// domain.Kind so clients can rebuild a *domain.Error from it.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	OrderID string              `json:"order_id,omitempty"`
	From    domain.Status       `json:"from,omitempty"`
	To      domain.Status       `json:"to,omitempty"`
	Errors  []domain.FieldError `json:"errors,omitempty"`
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidTransition:
		return http.StatusConflict
	case domain.KindNetwork, domain.KindConnectionLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal",
			Message: "internal server error",
		})
		return
	}

	msg := derr.Message
	if msg == "" {
		msg = string(derr.Kind)
	}
	respondJSON(w, statusFor(derr.Kind), ErrorResponse{
		Error:   string(derr.Kind),
		Message: msg,
		OrderID: derr.OrderID,
		From:    derr.From,
		To:      derr.To,
		Errors:  derr.Fields,
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
