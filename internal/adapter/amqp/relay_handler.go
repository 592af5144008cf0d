package amqp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
)

// RelayHandler feeds events arriving from the relay (RabbitMQ or Kafka) into
// this instance's broadcaster.
type RelayHandler struct {
	local  interfaces.EventPublisher
	logger logger.Logger
}

func NewRelayHandler(local interfaces.EventPublisher, logger logger.Logger) *RelayHandler {
	return &RelayHandler{
		local:  local,
		logger: logger,
	}
}

func (h *RelayHandler) HandleEvent(ctx context.Context, body []byte) error {
	event, err := decodeEvent(body)
	if err != nil {
		h.logger.Error("message_parse_failed", "Failed to parse relayed event", "", nil, err)
		return err
	}

	return h.local.Publish(ctx, event)
}

func decodeEvent(body []byte) (interfaces.OrderEvent, error) {
	var event interfaces.OrderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, fmt.Errorf("decode order event: %w", err)
	}
	switch event.Type {
	case interfaces.EventOrderCreated, interfaces.EventOrderStatusChanged:
	default:
		return event, fmt.Errorf("unknown event type %q", event.Type)
	}
	if event.Order.ID == "" {
		return event, fmt.Errorf("event %s has no order id", event.Type)
	}
	return event, nil
}
