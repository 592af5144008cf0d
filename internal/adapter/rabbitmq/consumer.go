package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
)

type consumer struct {
	conn           Connection
	exchange       string
	prefetch       int
	reconnectDelay time.Duration
	logger         logger.Logger
}

func NewConsumer(conn Connection, exchange string, prefetch int, reconnectDelay time.Duration, logger logger.Logger) interfaces.EventConsumer {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &consumer{
		conn:           conn,
		exchange:       exchange,
		prefetch:       prefetch,
		reconnectDelay: reconnectDelay,
		logger:         logger,
	}
}

// ConsumeEvents blocks until ctx is cancelled, re-subscribing after the
// broker drops the channel. Events published while disconnected are lost.
func (c *consumer) ConsumeEvents(ctx context.Context, handler interfaces.EventHandler) error {
	for {
		err := c.consume(ctx, handler)

		// Если контекст отменен - выходим
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			return nil
		}

		c.logger.Warn("relay_disconnected", fmt.Sprintf("Event relay disconnected, reconnecting in %s", c.reconnectDelay), "",
			map[string]interface{}{"error": err.Error()})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *consumer) consume(ctx context.Context, handler interfaces.EventHandler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	// Отслеживаем закрытие канала
	closeChan := ch.NotifyClose()

	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	if err := ch.ExchangeDeclare(c.exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Each instance gets its own temporary queue so every one sees every event
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", c.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("relay_subscribed", "Listening for order events", "", map[string]interface{}{
		"exchange": c.exchange,
		"queue":    q.Name,
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-closeChan:
			if err != nil {
				return fmt.Errorf("channel closed: %w", err)
			}
			return errors.New("channel closed gracefully")

		case msg, ok := <-msgs:
			if !ok {
				return errors.New("messages channel closed")
			}

			// A malformed event is not going to parse on redelivery either
			if err := handler(ctx, msg.Body); err != nil {
				msg.Nack(false, false)
				continue
			}
			msg.Ack(false)
		}
	}
}
