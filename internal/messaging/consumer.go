package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var consumerTracer = otel.Tracer("messaging/consumer")

var errDeliveriesClosed = errors.New("delivery channel closed")

type Message struct {
	RoutingKey  string
	MessageID   string
	Body        []byte
	Redelivered bool
}

// Handler processes one message. A nil error acknowledges it, an error
// wrapped with Reject dead-letters it at once, and any other error is
// retried before being dead-lettered.
type Handler func(ctx context.Context, msg Message) error

// Subscription binds a durable queue to routing key patterns on the
// shared exchange.
type Subscription struct {
	Queue    string
	Bindings []string
}

type ConsumerOption func(*Consumer)

func WithHandlerAttempts(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.handlerAttempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelay = d
	}
}

func WithMaxReconnects(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxReconnects = n
		}
	}
}

type Consumer struct {
	conn            *Connection
	exchange        string
	handlerAttempts int
	retryDelay      time.Duration
	maxReconnects   int
	logger          *slog.Logger
	processed       metric.Int64Counter
}

func NewConsumer(conn *Connection, exchange string, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		conn:            conn,
		exchange:        exchange,
		handlerAttempts: 3,
		retryDelay:      200 * time.Millisecond,
		maxReconnects:   10,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	processed, err := meter.Int64Counter("messaging.messages.processed",
		metric.WithDescription("Consumed messages by queue, routing key and outcome"))
	if err != nil {
		logger.Warn("failed to create consumer counter", "error", err)
	}
	c.processed = processed
	return c
}

// Run consumes sub until ctx is cancelled. Lost connections are re-dialled
// and the topology redeclared; Run gives up after maxReconnects consecutive
// sessions fail without delivering.
func (c *Consumer) Run(ctx context.Context, sub Subscription, handler Handler) error {
	b := newReconnectBackOff()
	failures := 0

	for {
		delivered, err := c.session(ctx, sub, handler)
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped", "queue", sub.Queue)
			return nil
		}

		if delivered {
			failures = 0
			b.Reset()
		}
		failures++
		if failures > c.maxReconnects {
			return fmt.Errorf("consume %s: giving up after %d reconnect attempts: %w", sub.Queue, c.maxReconnects, err)
		}

		wait := b.NextBackOff()
		c.logger.Warn("consumer session ended, reconnecting",
			"queue", sub.Queue, "error", err, "attempt", failures, "retry_in", wait.String())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) session(ctx context.Context, sub Subscription, handler Handler) (bool, error) {
	ch, err := c.conn.Channel(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = ch.Close() }()

	if err := c.declare(ch, sub); err != nil {
		return false, err
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return false, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(sub.Queue, "", false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("consume queue %s: %w", sub.Queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.Info("consumer started", "queue", sub.Queue, "bindings", sub.Bindings)

	delivered := false
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				return delivered, amqpErr
			}
			return delivered, errDeliveriesClosed
		case d, ok := <-deliveries:
			if !ok {
				return delivered, errDeliveriesClosed
			}
			delivered = true
			c.Deliver(ctx, sub.Queue, d, handler)
		}
	}
}

func (c *Consumer) declare(ch *amqp.Channel, sub Subscription) error {
	if err := declareExchange(ch, c.exchange); err != nil {
		return err
	}

	dlx := c.exchange + ".dlx"
	dead := sub.Queue + ".dead"
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dead, err)
	}
	if err := ch.QueueBind(dead, dead, dlx, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dead, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": dead,
	}
	if _, err := ch.QueueDeclare(sub.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", sub.Queue, err)
	}
	for _, key := range sub.Bindings {
		if err := ch.QueueBind(sub.Queue, key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", sub.Queue, key, err)
		}
	}
	return nil
}

// Deliver runs handler for d and settles it: ack on success, requeue when
// the consumer is shutting down, and nack without requeue otherwise.
func (c *Consumer) Deliver(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(d.Headers))

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+d.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(queue),
			semconv.MessagingRabbitmqDestinationRoutingKey(d.RoutingKey),
			semconv.MessagingMessageID(d.MessageId),
		),
	)
	defer span.End()

	msg := Message{
		RoutingKey:  d.RoutingKey,
		MessageID:   d.MessageId,
		Body:        d.Body,
		Redelivered: d.Redelivered,
	}

	err := c.handle(spanCtx, msg, handler)

	var outcome string
	var settleErr error
	switch {
	case err == nil:
		outcome = "ack"
		settleErr = d.Ack(false)
	case ctx.Err() != nil:
		outcome = "requeue"
		settleErr = d.Nack(false, true)
	case IsRejected(err):
		outcome = "reject"
		c.logger.Warn("message rejected",
			"queue", queue, "routing_key", d.RoutingKey, "message_id", d.MessageId, "error", err)
		settleErr = d.Nack(false, false)
	default:
		outcome = "dead_letter"
		c.logger.Error("message dead-lettered after retries",
			"queue", queue, "routing_key", d.RoutingKey, "message_id", d.MessageId, "error", err)
		settleErr = d.Nack(false, false)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if settleErr != nil {
		c.logger.Error("failed to settle message", "queue", queue, "outcome", outcome, "error", settleErr)
	}

	if c.processed != nil {
		c.processed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("routing_key", d.RoutingKey),
			attribute.String("outcome", outcome),
		))
	}
}

func (c *Consumer) handle(ctx context.Context, msg Message, handler Handler) error {
	rb := backoff.NewExponentialBackOff()
	rb.InitialInterval = c.retryDelay
	rb.MaxElapsedTime = 0
	rb.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(rb, uint64(c.handlerAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := callHandler(ctx, msg, handler)
		if IsRejected(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		c.logger.Warn("message handler failed, retrying",
			"routing_key", msg.RoutingKey, "message_id", msg.MessageID, "error", err, "retry_in", wait.String())
	})
}

func callHandler(ctx context.Context, msg Message, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Reject(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, msg)
}
