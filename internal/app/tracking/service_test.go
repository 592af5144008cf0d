package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/memory"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store *memory.OrderStore, customer string, age time.Duration) *domain.Order {
	order, err := domain.NewOrder(customer, []domain.PizzaLineItem{{PizzaType: domain.PizzaSupreme, Size: domain.SizeLarge, Quantity: 1}})
	require.NoError(t, err)
	order.CreatedAt = order.CreatedAt.Add(-age)
	require.NoError(t, store.Create(context.Background(), order))
	return order
}

func TestListOrders_FilterByCustomer(t *testing.T) {
	store := memory.NewOrderStore()
	svc := NewService(store, logger.Nop())

	old := seed(t, store, "Alice", time.Minute)
	seed(t, store, "Bob", 30*time.Second)
	recent := seed(t, store, "alice", 0)

	all, err := svc.ListOrders(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := svc.ListOrders(context.Background(), " ALICE ")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, recent.ID, mine[0].ID)
	assert.Equal(t, old.ID, mine[1].ID)
}

func TestGetOrderHistory(t *testing.T) {
	store := memory.NewOrderStore()
	svc := NewService(store, logger.Nop())
	order := seed(t, store, "Alice", 0)

	_, err := store.ApplyTransition(context.Background(), order.ID, domain.Transition{To: domain.StatusPreparing}, "kitchen")
	require.NoError(t, err)

	history, err := svc.GetOrderHistory(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StatusPending, history[0].Status)
	assert.Equal(t, domain.StatusPreparing, history[1].Status)
	assert.Equal(t, "kitchen", history[1].ChangedBy)

	_, err = svc.GetOrderHistory(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
