package interfaces

import (
	"context"

	"github.com/YelzhanWeb/pizzasync/internal/domain"
)

// Интерфейсы Сервисов (Business Logic)
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*CreateOrderResult, error)
}

// CreateOrderResult.Replayed is true when an Idempotency-Key matched an
// order created earlier.
type CreateOrderResult struct {
	Order    *domain.Order
	Replayed bool
}

type KitchenService interface {
	AdvanceStatus(ctx context.Context, cmd AdvanceStatusCommand) (*domain.Order, error)
}

type TrackingService interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, customer string) ([]*domain.Order, error)
	GetOrderHistory(ctx context.Context, id string) ([]*domain.StatusLog, error)
}
