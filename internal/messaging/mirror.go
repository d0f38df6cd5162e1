package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var mirrorTracer = otel.Tracer("messaging/mirror")

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultMirrorTimeout bounds a single background write to Kafka.
const DefaultMirrorTimeout = 5 * time.Second

// KafkaMirror copies every published event onto a Kafka topic keyed by
// routing key, for audit and replay tooling outside the broker.
type KafkaMirror struct {
	writer  kafkaWriter
	topic   string
	timeout time.Duration
	logger  *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func NewKafkaMirror(brokers []string, topic string, logger *slog.Logger) *KafkaMirror {
	return &KafkaMirror{
		topic:   topic,
		timeout: DefaultMirrorTimeout,
		logger:  logger,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           100 * time.Millisecond,
		},
	}
}

// Send mirrors the event in the background, detached from the caller's
// cancellation and bounded by the mirror timeout. Failures are logged only.
func (m *KafkaMirror) Send(ctx context.Context, routingKey string, pub amqp.Publishing) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		_ = m.Mirror(ctx, routingKey, pub)
	}()
}

// Mirror writes the event synchronously on ctx.
func (m *KafkaMirror) Mirror(ctx context.Context, routingKey string, pub amqp.Publishing) error {
	msg := kafka.Message{
		Key:   []byte(routingKey),
		Value: pub.Body,
		Time:  pub.Timestamp,
		Headers: []kafka.Header{
			{Key: "routing_key", Value: []byte(routingKey)},
			{Key: "message_id", Value: []byte(pub.MessageId)},
		},
	}

	ctx, span := mirrorTracer.Start(ctx, "send "+m.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("send"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(m.topic),
			semconv.MessagingKafkaMessageKey(routingKey),
		),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, NewKafkaCarrier(&msg))

	if err := m.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("failed to mirror event to kafka", "error", err, "routing_key", routingKey, "topic", m.topic)
		return err
	}

	return nil
}

// Close waits for in-flight sends and closes the writer. Later calls return
// the first result.
func (m *KafkaMirror) Close() error {
	m.closeOnce.Do(func() {
		m.wg.Wait()
		m.closeErr = m.writer.Close()
	})
	return m.closeErr
}
