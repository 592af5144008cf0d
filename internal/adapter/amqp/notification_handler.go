package amqp

import (
	"context"
	"fmt"
	"io"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
)

// NotificationHandler prints every relayed event, for operators watching
// the order flow from a terminal.
type NotificationHandler struct {
	logger logger.Logger
	out    io.Writer
}

func NewNotificationHandler(logger logger.Logger, out io.Writer) *NotificationHandler {
	return &NotificationHandler{
		logger: logger,
		out:    out,
	}
}

func (h *NotificationHandler) HandleNotification(ctx context.Context, body []byte) error {
	event, err := decodeEvent(body)
	if err != nil {
		h.logger.Error("message_parse_failed", "Failed to parse notification", "", nil, err)
		return err
	}

	h.logger.Debug("notification_received", fmt.Sprintf("Received %s for order %s", event.Type, event.Order.ID),
		"", map[string]interface{}{
			"order_id":   event.Order.ID,
			"new_status": event.Order.Status,
		})

	if event.PreviousStatus != "" {
		fmt.Fprintf(h.out, "Notification for order %s (%s): Status changed from '%s' to '%s' by %s\n",
			event.Order.ID, event.Order.CustomerName, event.PreviousStatus, event.Order.Status, event.ChangedBy)
		return nil
	}
	fmt.Fprintf(h.out, "New order %s from %s: %s, status '%s'\n",
		event.Order.ID, event.Order.CustomerName, event.Order.TotalPrice.StringFixed(2), event.Order.Status)
	return nil
}
