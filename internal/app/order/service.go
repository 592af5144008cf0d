package order

import (
	"context"
	"fmt"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/metrics"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/shopspring/decimal"
)

const idempotencyTTL = 24 * time.Hour

type Service struct {
	store       interfaces.OrderStore
	idempotency interfaces.IdempotencyStore
	publisher   interfaces.EventPublisher
	logger      logger.Logger
	metrics     *metrics.Metrics
	ttl         time.Duration
}

func NewService(
	store interfaces.OrderStore,
	idempotency interfaces.IdempotencyStore,
	publisher interfaces.EventPublisher,
	logger logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		store:       store,
		idempotency: idempotency,
		publisher:   publisher,
		logger:      logger,
		metrics:     m,
		ttl:         idempotencyTTL,
	}
}

// WithIdempotencyTTL sets how long an Idempotency-Key is remembered.
func (s *Service) WithIdempotencyTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *Service) CreateOrder(ctx context.Context, cmd interfaces.CreateOrderCommand) (*interfaces.CreateOrderResult, error) {
	// 1. Повторный запрос с тем же ключом возвращает уже созданный заказ
	if cmd.IdempotencyKey != "" && s.idempotency != nil {
		existingID, claimed, err := s.idempotency.Claim(ctx, cmd.IdempotencyKey, s.ttl)
		if err != nil {
			return nil, domain.NewNetworkError("idempotency claim", err)
		}
		if !claimed {
			if existingID == "" {
				return nil, domain.NewNetworkError("order with this idempotency key is still being created", nil)
			}
			s.logger.Debug("order_replayed", "Idempotent create replayed", "", map[string]interface{}{
				"order_id":        existingID,
				"idempotency_key": cmd.IdempotencyKey,
			})
			order, err := s.store.Get(ctx, existingID)
			if err != nil {
				return nil, err
			}
			return &interfaces.CreateOrderResult{Order: order, Replayed: true}, nil
		}
	}

	order, err := s.create(ctx, cmd)
	if err != nil {
		if cmd.IdempotencyKey != "" && s.idempotency != nil {
			if rerr := s.idempotency.Release(context.WithoutCancel(ctx), cmd.IdempotencyKey); rerr != nil {
				s.logger.Error("idempotency_release_failed", "Failed to release idempotency key", "", nil, rerr)
			}
		}
		return nil, err
	}

	// заказ сохранён; отмена запроса не должна обрывать запись ключа и публикацию
	committed := context.WithoutCancel(ctx)

	if cmd.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.Complete(committed, cmd.IdempotencyKey, order.ID, s.ttl); err != nil {
			s.logger.Error("idempotency_complete_failed", "Failed to record idempotency key", "", map[string]interface{}{"order_id": order.ID}, err)
		}
	}

	// 4. Уведомление подписчиков; заказ уже сохранён, поэтому ошибка только логируется
	event := interfaces.OrderEvent{
		Type:       interfaces.EventOrderCreated,
		Order:      *order.Clone(),
		ChangedBy:  cmd.Actor,
		OccurredAt: order.CreatedAt,
	}
	if err := s.publisher.Publish(committed, event); err != nil {
		s.metrics.PublishFailures.WithLabelValues(string(event.Type)).Inc()
		s.logger.Error("event_publish_failed", "Failed to publish order-created", "", map[string]interface{}{"order_id": order.ID}, err)
	}

	return &interfaces.CreateOrderResult{Order: order}, nil
}

func (s *Service) create(ctx context.Context, cmd interfaces.CreateOrderCommand) (*domain.Order, error) {
	// 2. Преобразование команды в доменную модель; цена считается на сервере
	pizzas := make([]domain.PizzaLineItem, len(cmd.Pizzas))
	for i, item := range cmd.Pizzas {
		pizzas[i] = domain.PizzaLineItem{
			PizzaType: domain.ParsePizzaType(item.PizzaType),
			Size:      domain.ParseSize(item.Size),
			Quantity:  item.Quantity,
		}
	}

	order, err := domain.NewOrder(cmd.CustomerName, pizzas)
	if err != nil {
		s.logger.Debug("validation_failed", "Order validation failed", "", map[string]interface{}{
			"customer": cmd.CustomerName,
			"reason":   err.Error(),
		})
		return nil, err
	}

	if cmd.ClientTotal != nil {
		client := decimal.NewFromFloat(*cmd.ClientTotal).Round(2)
		if !client.Equal(order.TotalPrice) {
			s.logger.Debug("client_total_ignored", "Client total differs from catalog price", "", map[string]interface{}{
				"client_total": client.StringFixed(2),
				"total_price":  order.TotalPrice.StringFixed(2),
			})
		}
	}

	// 3. Сохранение
	if err := s.store.Create(ctx, order); err != nil {
		s.logger.Error("db_transaction_failed", "Failed to create order", "", nil, err)
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.metrics.OrdersCreated.Inc()
	s.logger.Info("order_created", "Order created", "", map[string]interface{}{
		"order_id":    order.ID,
		"customer":    order.CustomerName,
		"total_price": order.TotalPrice.StringFixed(2),
	})
	return order, nil
}
