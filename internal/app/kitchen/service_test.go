package kitchen

import (
	"context"
	"sync"
	"testing"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/memory"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/metrics"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []interfaces.OrderEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event interfaces.OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) snapshot() []interfaces.OrderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]interfaces.OrderEvent(nil), p.events...)
}

func setup(t *testing.T) (*Service, *recordingPublisher, *domain.Order) {
	store := memory.NewOrderStore()
	order, err := domain.NewOrder("Alice", []domain.PizzaLineItem{{PizzaType: domain.PizzaHawaiian, Size: domain.SizeSmall, Quantity: 1}})
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), order))

	pub := &recordingPublisher{}
	return NewService(store, pub, logger.Nop(), metrics.NewUnregistered()), pub, order
}

func TestAdvanceStatus_FullLifecycle(t *testing.T) {
	svc, pub, order := setup(t)

	for _, next := range []string{"Preparing", "ready", "DELIVERED"} {
		_, err := svc.AdvanceStatus(context.Background(), interfaces.AdvanceStatusCommand{OrderID: order.ID, Status: next})
		require.NoError(t, err)
	}

	events := pub.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, domain.StatusPending, events[0].PreviousStatus)
	assert.Equal(t, domain.StatusPreparing, events[0].Order.Status)
	assert.Equal(t, domain.StatusReady, events[1].Order.Status)
	assert.Equal(t, domain.StatusDelivered, events[2].Order.Status)
	assert.Equal(t, "kitchen", events[2].ChangedBy)

	_, err := svc.AdvanceStatus(context.Background(), interfaces.AdvanceStatusCommand{OrderID: order.ID, Status: "Preparing"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAdvanceStatus_Errors(t *testing.T) {
	svc, pub, order := setup(t)

	tests := []struct {
		name string
		cmd  interfaces.AdvanceStatusCommand
		want error
	}{
		{"skip ahead", interfaces.AdvanceStatusCommand{OrderID: order.ID, Status: "Ready"}, domain.ErrInvalidTransition},
		{"same status", interfaces.AdvanceStatusCommand{OrderID: order.ID, Status: "Pending"}, domain.ErrInvalidTransition},
		{"unknown status", interfaces.AdvanceStatusCommand{OrderID: order.ID, Status: "Burnt"}, domain.ErrValidation},
		{"unknown from", interfaces.AdvanceStatusCommand{OrderID: order.ID, Status: "Preparing", From: "Burnt"}, domain.ErrValidation},
		{"stale from", interfaces.AdvanceStatusCommand{OrderID: order.ID, Status: "Ready", From: "Preparing"}, domain.ErrInvalidTransition},
		{"missing order", interfaces.AdvanceStatusCommand{OrderID: "nope", Status: "Preparing"}, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AdvanceStatus(context.Background(), tt.cmd)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, pub.snapshot(), "rejected transitions publish nothing")
}

func TestAdvanceStatus_ConcurrentRequestsPublishInCommitOrder(t *testing.T) {
	svc, pub, order := setup(t)

	var wg sync.WaitGroup
	for _, s := range []string{"Preparing", "Ready", "Delivered", "Preparing", "Ready"} {
		wg.Add(1)
		go func(status string) {
			defer wg.Done()
			_, _ = svc.AdvanceStatus(context.Background(), interfaces.AdvanceStatusCommand{OrderID: order.ID, Status: status})
		}(s)
	}
	wg.Wait()

	events := pub.snapshot()
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i-1].Order.Status.Before(events[i].Order.Status))
	}
}

// cancelingStore cancels the request right after the commit lands.
type cancelingStore struct {
	*memory.OrderStore
	cancel context.CancelFunc
}

func (s *cancelingStore) ApplyTransition(ctx context.Context, id string, t domain.Transition, changedBy string) (*domain.Order, error) {
	order, err := s.OrderStore.ApplyTransition(ctx, id, t, changedBy)
	s.cancel()
	return order, err
}

func TestAdvanceStatus_PublishesAfterRequestCanceled(t *testing.T) {
	store := memory.NewOrderStore()
	order, err := domain.NewOrder("Alice", []domain.PizzaLineItem{{PizzaType: domain.PizzaHawaiian, Size: domain.SizeSmall, Quantity: 1}})
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), order))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &recordingPublisher{}
	svc := NewService(&cancelingStore{OrderStore: store, cancel: cancel}, pub, logger.Nop(), metrics.NewUnregistered())

	updated, err := svc.AdvanceStatus(ctx, interfaces.AdvanceStatusCommand{OrderID: order.ID, Status: "Preparing"})
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	events := pub.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, updated.ID, events[0].Order.ID)
	assert.Equal(t, domain.StatusPreparing, events[0].Order.Status)
}
