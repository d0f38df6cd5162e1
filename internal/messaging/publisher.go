package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/shopmesh/orderflow/internal/domain"
)

var (
	producerTracer = otel.Tracer("messaging/publisher")
	meter          = otel.Meter("messaging")
)

var errPublishNacked = errors.New("broker did not confirm publish")

type publishChannel interface {
	exchangeDeclarer
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

type PublisherOption func(*Publisher)

func WithPublishAttempts(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.attempts = n
		}
	}
}

func WithPublishDelay(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.delay = d
	}
}

func WithMirror(m *KafkaMirror) PublisherOption {
	return func(p *Publisher) {
		p.mirror = m
	}
}

// Publisher sends persistent JSON events to the shared topic exchange.
// A publish succeeds once the broker confirms it; failures are retried a
// fixed number of times with a constant delay.
type Publisher struct {
	open     func(ctx context.Context) (publishChannel, error)
	exchange string
	attempts int
	delay    time.Duration
	mirror   *KafkaMirror
	logger   *slog.Logger
	counter  metric.Int64Counter

	mu sync.Mutex
	ch publishChannel
}

func NewPublisher(conn *Connection, exchange string, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	open := func(ctx context.Context) (publishChannel, error) {
		ch, err := conn.Channel(ctx)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	return newPublisher(open, exchange, logger, opts...)
}

func newPublisher(open func(ctx context.Context) (publishChannel, error), exchange string, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		open:     open,
		exchange: exchange,
		attempts: 3,
		delay:    2 * time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	counter, err := meter.Int64Counter("messaging.publish.attempts",
		metric.WithDescription("Broker publish attempts by routing key and outcome"))
	if err != nil {
		logger.Warn("failed to create publish counter", "error", err)
	}
	p.counter = counter
	return p
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", routingKey, err)
	}

	msg := amqp.Publishing{
		Headers:      amqp.Table{},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         routingKey,
		Body:         body,
	}

	ctx, span := producerTracer.Start(ctx, "publish "+routingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingOperationName("publish"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(p.exchange),
			semconv.MessagingRabbitmqDestinationRoutingKey(routingKey),
			semconv.MessagingMessageID(msg.MessageId),
		),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(msg.Headers))

	attempt := 0
	op := func() error {
		attempt++
		err := p.publishOnce(ctx, routingKey, msg)
		p.record(ctx, routingKey, err)
		if err != nil {
			p.logger.Warn("publish attempt failed",
				"routing_key", routingKey, "attempt", attempt, "max_attempts", p.attempts, "error", err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.delay), uint64(p.attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish %s after %d attempts: %w: %w", routingKey, attempt, domain.ErrUnavailable, err)
	}

	if p.mirror != nil {
		p.mirror.Send(ctx, routingKey, msg)
	}
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		ch, err := p.open(ctx)
		if err != nil {
			return err
		}
		if err := declareExchange(ch, p.exchange); err != nil {
			_ = ch.Close()
			return err
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("enable publisher confirms: %w", err)
		}
		p.ch = ch
	}

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err != nil {
		p.resetLocked()
		return err
	}
	if dc == nil {
		return nil
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		p.resetLocked()
		return err
	}
	if !acked {
		return errPublishNacked
	}
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

func (p *Publisher) record(ctx context.Context, routingKey string, err error) {
	if p.counter == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("routing_key", routingKey),
		attribute.String("outcome", outcome),
	))
}

// Close drops the channel and closes the mirror, which the publisher owns.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	if p.mirror != nil {
		return p.mirror.Close()
	}
	return nil
}
