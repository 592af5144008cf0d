// Package ws carries the event channel over websocket. Every message in
// either direction is a Frame; Payload is decoded according to Type.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/YelzhanWeb/pizzasync/internal/domain"
)

type FrameType string

const (
	// client -> server
	FrameJoin              FrameType = "join"
	FrameRequestCreate     FrameType = "request-create"
	FrameRequestTransition FrameType = "request-transition"

	// server -> client
	FrameJoined             FrameType = "joined"
	FrameAck                FrameType = "ack"
	FrameError              FrameType = "error"
	FrameOrderCreated       FrameType = "order-created"
	FrameOrderStatusChanged FrameType = "order-status-changed"
)

type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newFrame(t FrameType, payload interface{}) (Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Frame{Type: t, Payload: body}, nil
}

type JoinedPayload struct {
	SubscriberID string      `json:"subscriberId"`
	Role         domain.Role `json:"role"`
}

type CreatePayload struct {
	RequestID    string      `json:"requestId,omitempty"`
	CustomerName string      `json:"customerName"`
	Pizzas       []PizzaItem `json:"pizzas"`
	TotalPrice   *float64    `json:"totalPrice,omitempty"`
}

type PizzaItem struct {
	PizzaType string `json:"pizzaType"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

type TransitionPayload struct {
	RequestID string `json:"requestId,omitempty"`
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
	From      string `json:"from,omitempty"`
}

type AckPayload struct {
	RequestID string        `json:"requestId,omitempty"`
	Order     *domain.Order `json:"order"`
}

type ErrorPayload struct {
	RequestID string              `json:"requestId,omitempty"`
	Error     domain.Kind         `json:"error"`
	Message   string              `json:"message"`
	OrderID   string              `json:"orderId,omitempty"`
	From      domain.Status       `json:"from,omitempty"`
	To        domain.Status       `json:"to,omitempty"`
	Errors    []domain.FieldError `json:"errors,omitempty"`
}

func errorPayload(requestID string, err error) ErrorPayload {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		return ErrorPayload{RequestID: requestID, Error: "internal", Message: "internal server error"}
	}
	return ErrorPayload{
		RequestID: requestID,
		Error:     derr.Kind,
		Message:   derr.Message,
		OrderID:   derr.OrderID,
		From:      derr.From,
		To:        derr.To,
		Errors:    derr.Fields,
	}
}

// toError rebuilds the domain error the server reported.
func (p ErrorPayload) toError() *domain.Error {
	return &domain.Error{
		Kind:    p.Error,
		Message: p.Message,
		OrderID: p.OrderID,
		From:    p.From,
		To:      p.To,
		Fields:  p.Errors,
	}
}
