package kitchen

import (
	"context"
	"fmt"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/metrics"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/YelzhanWeb/pizzasync/internal/lock"
)

// Service is the status transition engine. Commits and publishes for the
// same order id happen under one lock so events leave in commit order. The
// lock is per process: run a single writer instance when several share a
// Postgres store and a broker relay.
type Service struct {
	store     interfaces.OrderStore
	publisher interfaces.EventPublisher
	logger    logger.Logger
	metrics   *metrics.Metrics
	locks     *lock.Keyed
}

func NewService(store interfaces.OrderStore, publisher interfaces.EventPublisher, logger logger.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		locks:     lock.NewKeyed(),
	}
}

func (s *Service) AdvanceStatus(ctx context.Context, cmd interfaces.AdvanceStatusCommand) (*domain.Order, error) {
	// 1. Разбор запрошенного статуса
	next, ok := domain.ParseStatus(cmd.Status)
	if !ok {
		return nil, domain.NewValidationError(domain.FieldError{
			Field:   "status",
			Message: fmt.Sprintf("unknown status %q", cmd.Status),
		})
	}

	t := domain.Transition{To: next}
	if cmd.From != "" {
		from, ok := domain.ParseStatus(cmd.From)
		if !ok {
			return nil, domain.NewValidationError(domain.FieldError{
				Field:   "from",
				Message: fmt.Sprintf("unknown status %q", cmd.From),
			})
		}
		t.From = from
	}

	actor := cmd.Actor
	if actor == "" {
		actor = string(domain.RoleKitchen)
	}

	unlock := s.locks.Lock(cmd.OrderID)
	defer unlock()

	// 2. Проверка и сохранение
	order, err := s.store.ApplyTransition(ctx, cmd.OrderID, t, actor)
	if err != nil {
		s.logger.Debug("transition_rejected", "Status transition rejected", "", map[string]interface{}{
			"order_id": cmd.OrderID,
			"to":       next,
			"reason":   err.Error(),
		})
		return nil, err
	}

	previous, _ := domain.PreviousStatus(order.Status)
	s.metrics.Transitions.WithLabelValues(string(order.Status)).Inc()
	s.logger.Info("status_changed", fmt.Sprintf("Order moved to %s", order.Status), "", map[string]interface{}{
		"order_id":   order.ID,
		"from":       previous,
		"to":         order.Status,
		"changed_by": actor,
	})

	// 3. Уведомление; не блокируем ответ из-за ошибки публикации
	event := interfaces.OrderEvent{
		Type:           interfaces.EventOrderStatusChanged,
		Order:          *order.Clone(),
		PreviousStatus: previous,
		ChangedBy:      actor,
		OccurredAt:     time.Now().UTC(),
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.metrics.PublishFailures.WithLabelValues(string(event.Type)).Inc()
		s.logger.Error("event_publish_failed", "Failed to publish status update", "", map[string]interface{}{"order_id": order.ID}, err)
	}

	return order, nil
}
