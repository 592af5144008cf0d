package tracking

import (
	"context"
	"strings"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
)

type Service struct {
	store  interfaces.OrderStore
	logger logger.Logger
}

func NewService(store interfaces.OrderStore, logger logger.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

func (s *Service) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.store.Get(ctx, id)
}

// ListOrders returns the snapshot clients reconcile against. A non-empty
// customer narrows it to that customer's orders; order stays NewestFirst.
func (s *Service) ListOrders(ctx context.Context, customer string) ([]*domain.Order, error) {
	orders, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("list_orders_failed", "Failed to list orders", "", nil, err)
		return nil, err
	}

	customer = strings.TrimSpace(customer)
	if customer == "" {
		return orders, nil
	}

	filtered := orders[:0]
	for _, o := range orders {
		if strings.EqualFold(o.CustomerName, customer) {
			filtered = append(filtered, o)
		}
	}
	return filtered, nil
}

func (s *Service) GetOrderHistory(ctx context.Context, id string) ([]*domain.StatusLog, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetStatusHistory(ctx, id)
}
