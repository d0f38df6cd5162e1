package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shopmesh/orderflow/internal/domain"
)

const dialAttempts = 5

// Connection owns one AMQP connection for the lifetime of a process.
// Channel redials when the underlying connection has been closed.
type Connection struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func Dial(ctx context.Context, url string, logger *slog.Logger) (*Connection, error) {
	c := &Connection{url: url, logger: logger}
	if _, err := c.connection(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) connection(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newReconnectBackOff(), dialAttempts-1), ctx)
	var conn *amqp.Connection
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = amqp.Dial(c.url)
		return err
	}, b, func(err error, wait time.Duration) {
		c.logger.Warn("rabbitmq dial failed", "error", err, "retry_in", wait.String())
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w: %w", domain.ErrUnavailable, err)
	}

	c.conn = conn
	c.logger.Info("rabbitmq connected")
	return conn, nil
}

func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

func newReconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type exchangeDeclarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
}

func declareExchange(ch exchangeDeclarer, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}
