package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	maxBodyBytes = 1 << 20

	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderActor names who requested a change; it ends up in the status log.
	HeaderActor = "X-Actor"
)

type OrderHandler struct {
	orders  interfaces.OrderService
	kitchen interfaces.KitchenService
	logger  logger.Logger
}

func NewOrderHandler(orders interfaces.OrderService, kitchen interfaces.KitchenService, logger logger.Logger) *OrderHandler {
	return &OrderHandler{
		orders:  orders,
		kitchen: kitchen,
		logger:  logger,
	}
}

type CreateOrderRequest struct {
	CustomerName string             `json:"customerName"`
	Pizzas       []PizzaItemRequest `json:"pizzas"`
	// TotalPrice is accepted for compatibility and ignored; the server prices the order.
	TotalPrice *float64 `json:"totalPrice,omitempty"`
}

type PizzaItemRequest struct {
	PizzaType string `json:"pizzaType"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

type AdvanceStatusRequest struct {
	Status string `json:"status"`
	From   string `json:"from,omitempty"`
}

// POST /api/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	var req CreateOrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}

	cmd := interfaces.CreateOrderCommand{
		CustomerName:   req.CustomerName,
		Pizzas:         convertItemsToCommand(req.Pizzas),
		ClientTotal:    req.TotalPrice,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
		Actor:          actor(r, string(domain.RoleCustomer)),
	}

	result, err := h.orders.CreateOrder(r.Context(), cmd)
	if err != nil {
		h.logger.Debug("order_creation_failed", "Failed to create order", requestID, map[string]interface{}{"reason": err.Error()})
		respondError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, result.Order)
}

// PATCH /api/orders/{id}/status
func (h *OrderHandler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	var req AdvanceStatusRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}

	order, err := h.kitchen.AdvanceStatus(r.Context(), interfaces.AdvanceStatusCommand{
		OrderID: chi.URLParam(r, "id"),
		Status:  req.Status,
		From:    req.From,
		Actor:   actor(r, string(domain.RoleKitchen)),
	})
	if err != nil {
		h.logger.Debug("status_update_failed", "Failed to advance status", requestID, map[string]interface{}{"reason": err.Error()})
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, order)
}

func convertItemsToCommand(items []PizzaItemRequest) []interfaces.CreateOrderItemCommand {
	result := make([]interfaces.CreateOrderItemCommand, len(items))
	for i, item := range items {
		result[i] = interfaces.CreateOrderItemCommand{
			PizzaType: strings.TrimSpace(item.PizzaType),
			Size:      strings.TrimSpace(item.Size),
			Quantity:  item.Quantity,
		}
	}
	return result
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.NewValidationError(domain.FieldError{Field: "body", Message: "invalid JSON request body"})
	}
	return nil
}

func actor(r *http.Request, fallback string) string {
	if a := strings.TrimSpace(r.Header.Get(HeaderActor)); a != "" {
		return a
	}
	return fallback
}
