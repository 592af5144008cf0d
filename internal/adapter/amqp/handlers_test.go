package amqp

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	events []interfaces.OrderEvent
}

func (c *capture) Publish(ctx context.Context, event interfaces.OrderEvent) error {
	c.events = append(c.events, event)
	return nil
}

func encode(t *testing.T, event interfaces.OrderEvent) []byte {
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body
}

func TestRelayHandler_ForwardsEvents(t *testing.T) {
	local := &capture{}
	h := NewRelayHandler(local, logger.Nop())

	body := encode(t, interfaces.OrderEvent{
		Type:       interfaces.EventOrderCreated,
		Order:      domain.Order{ID: "o-1", CustomerName: "Alice", Status: domain.StatusPending, TotalPrice: decimal.RequireFromString("26.97")},
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, h.HandleEvent(context.Background(), body))

	require.Len(t, local.events, 1)
	assert.Equal(t, "o-1", local.events[0].Order.ID)
	assert.Equal(t, "26.97", local.events[0].Order.TotalPrice.StringFixed(2))
}

func TestRelayHandler_RejectsMalformed(t *testing.T) {
	local := &capture{}
	h := NewRelayHandler(local, logger.Nop())

	assert.Error(t, h.HandleEvent(context.Background(), []byte("{")))
	assert.Error(t, h.HandleEvent(context.Background(), []byte(`{"type":"order-eaten","order":{"id":"x"}}`)))
	assert.Error(t, h.HandleEvent(context.Background(), []byte(`{"type":"order-created","order":{}}`)))
	assert.Empty(t, local.events)
}

func TestNotificationHandler_PrintsStatusChange(t *testing.T) {
	var out bytes.Buffer
	h := NewNotificationHandler(logger.Nop(), &out)

	body := encode(t, interfaces.OrderEvent{
		Type:           interfaces.EventOrderStatusChanged,
		Order:          domain.Order{ID: "o-1", CustomerName: "Alice", Status: domain.StatusReady},
		PreviousStatus: domain.StatusPreparing,
		ChangedBy:      "kitchen",
	})
	require.NoError(t, h.HandleNotification(context.Background(), body))

	assert.Contains(t, out.String(), "from 'Preparing' to 'Ready' by kitchen")
}
