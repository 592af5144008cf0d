package interfaces

import (
	"context"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/domain"
)

// Интерфейсы Репозиториев (Adapter/Postgres, Adapter/Memory)
type OrderStore interface {
	// Create persists an order already validated and priced by domain.NewOrder.
	Create(ctx context.Context, order *domain.Order) error
	Get(ctx context.Context, id string) (*domain.Order, error)
	// List returns every order sorted with domain.NewestFirst.
	List(ctx context.Context) ([]*domain.Order, error)
	// ApplyTransition checks legality against the committed status and
	// persists the change atomically for that order id.
	ApplyTransition(ctx context.Context, id string, t domain.Transition, changedBy string) (*domain.Order, error)
	GetStatusHistory(ctx context.Context, id string) ([]*domain.StatusLog, error)
}

// IdempotencyStore remembers which order an Idempotency-Key produced.
type IdempotencyStore interface {
	// Claim reserves key. When someone else already holds it, claimed is
	// false and orderID is the finished order, or "" while still in flight.
	Claim(ctx context.Context, key string, ttl time.Duration) (orderID string, claimed bool, err error)
	Complete(ctx context.Context, key, orderID string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}
