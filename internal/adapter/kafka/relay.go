// Package kafka is the alternative cross-instance relay for order events.
// Messages are keyed by order id, so every event for one order lands on one
// partition and keeps its commit order.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type Publisher struct {
	writer *kafka.Writer
}

var _ interfaces.EventPublisher = (*Publisher)(nil)

func NewPublisher(topic string, brokers ...string) *Publisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &Publisher{writer: w}
}

func (p *Publisher) Publish(ctx context.Context, event interfaces.OrderEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Order.ID),
		Value: body,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

type Consumer struct {
	reader *kafka.Reader
	logger logger.Logger
}

var _ interfaces.EventConsumer = (*Consumer)(nil)

// NewConsumer joins a consumer group unique to this process, so every
// instance sees every event. startOffset is kafka.LastOffset in production.
func NewConsumer(topic string, startOffset int64, logger logger.Logger, brokers ...string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "pizzasync-" + uuid.NewString(),
		StartOffset: startOffset,
		MaxBytes:    10e6, // 10MB
		MaxWait:     250 * time.Millisecond,
	})
	return &Consumer{reader: reader, logger: logger}
}

// ConsumeEvents reads until ctx is cancelled. kafka-go reconnects on its
// own, so read errors are logged and retried.
func (c *Consumer) ConsumeEvents(ctx context.Context, handler interfaces.EventHandler) error {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.Warn("relay_read_failed", "Failed to read event from kafka", "", map[string]interface{}{"error": err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if err := handler(ctx, m.Value); err != nil {
			c.logger.Debug("relay_event_skipped", "Relayed event rejected by handler", "", map[string]interface{}{
				"partition": m.Partition,
				"offset":    m.Offset,
				"error":     err.Error(),
			})
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
