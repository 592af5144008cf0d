package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/config"
	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	heartbeat      = 10 * time.Second
	redialAttempts = 3
	connectionName = "pizzasync"
)

var errConnectionClosed = errors.New("rabbitmq connection is closed")

// Connection hands out channels and redials when the broker drops the
// underlying connection.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel is the part of *amqp.Channel the relay uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
	NotifyClose() <-chan *amqp.Error
}

type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

type brokerConn struct {
	url string

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

func Connect(cfg config.RabbitMQConfig) (Connection, error) {
	c := &brokerConn{url: cfg.URL()}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (c *brokerConn) dial() (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(connectionName)

	var conn *amqp.Connection
	op := func() error {
		var err error
		conn, err = amqp.DialConfig(c.url, amqp.Config{Heartbeat: heartbeat, Properties: props})
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), redialAttempts-1)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

func (c *brokerConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errConnectionClosed
	}
	if c.conn.IsClosed() {
		conn, err := c.dial()
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return channel{ch}, nil
}

func (c *brokerConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// channel adapts *amqp.Channel; everything not redefined here is promoted.
type channel struct {
	*amqp.Channel
}

func (ch channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (Queue, error) {
	q, err := ch.Channel.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
	if err != nil {
		return Queue{}, err
	}
	return Queue{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

func (ch channel) NotifyClose() <-chan *amqp.Error {
	return ch.Channel.NotifyClose(make(chan *amqp.Error, 1))
}
