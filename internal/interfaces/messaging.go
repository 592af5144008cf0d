package interfaces

import (
	"context"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/domain"
)

type EventType string

const (
	EventOrderCreated       EventType = "order-created"
	EventOrderStatusChanged EventType = "order-status-changed"
)

// OrderEvent is what the broadcaster fans out and what the relays carry
// between service instances.
type OrderEvent struct {
	Type           EventType     `json:"type"`
	Order          domain.Order  `json:"order"`
	PreviousStatus domain.Status `json:"previousStatus,omitempty"`
	ChangedBy      string        `json:"changedBy,omitempty"`
	OccurredAt     time.Time     `json:"occurredAt"`
}

// JoinRequest is the first message on an event channel.
type JoinRequest struct {
	Role     domain.Role `json:"role"`
	Customer string      `json:"customer,omitempty"`
}

// Команды для сервисов
type CreateOrderCommand struct {
	CustomerName   string
	Pizzas         []CreateOrderItemCommand
	ClientTotal    *float64
	IdempotencyKey string
	Actor          string
}

type CreateOrderItemCommand struct {
	PizzaType string
	Size      string
	Quantity  int
}

type AdvanceStatusCommand struct {
	OrderID string
	Status  string
	// From is the status the requester last saw; empty skips the check.
	From  string
	Actor string
}

// Интерфейсы Messaging
type EventPublisher interface {
	Publish(ctx context.Context, event OrderEvent) error
}

type EventConsumer interface {
	ConsumeEvents(ctx context.Context, handler EventHandler) error
}

type EventHandler func(ctx context.Context, body []byte) error

// EventStream is one client-side connection to the event channel.
type EventStream interface {
	// Recv blocks for the next order event; a *domain.Error of kind
	// connection_lost means the channel is gone.
	Recv() (OrderEvent, error)
	Close() error
}

type EventDialer interface {
	Dial(ctx context.Context, join JoinRequest) (EventStream, error)
}
