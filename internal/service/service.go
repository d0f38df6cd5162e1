// Package service holds the process wiring shared by the service mains.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shopmesh/orderflow/internal/config"
	"github.com/shopmesh/orderflow/internal/messaging"
	"github.com/shopmesh/orderflow/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Telemetry installs the tracer and meter providers for name. The returned
// handler serves /metrics.
func Telemetry(ctx context.Context, name string, app config.App, tel config.Telemetry) (http.Handler, func(context.Context), error) {
	shutdownTracer, err := telemetry.InitTracerProvider(ctx, tel.OTLPEndpoint, name, app.ServiceVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("init tracer: %w", err)
	}

	metrics, shutdownMeter, err := telemetry.InitMeterProvider(name, app.ServiceVersion)
	if err != nil {
		_ = shutdownTracer(ctx)
		return nil, nil, fmt.Errorf("init meter: %w", err)
	}

	return metrics, func(ctx context.Context) {
		_ = shutdownMeter(ctx)
		_ = shutdownTracer(ctx)
	}, nil
}

// HTTPClient returns a traced client for calls between services.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func NewServer(port, name string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(handler, name,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Broker dials RabbitMQ and builds the publisher, mirroring every event to
// Kafka when brokers are configured. The publisher owns the mirror.
type Broker struct {
	Conn      *messaging.Connection
	Publisher *messaging.Publisher
}

func NewBroker(ctx context.Context, rabbit config.Rabbit, kafka config.Kafka, logger *slog.Logger) (*Broker, error) {
	conn, err := messaging.Dial(ctx, rabbit.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	b := &Broker{Conn: conn}
	opts := []messaging.PublisherOption{
		messaging.WithPublishAttempts(rabbit.PublishAttempts),
		messaging.WithPublishDelay(rabbit.PublishDelay),
	}
	if len(kafka.Brokers) > 0 {
		opts = append(opts, messaging.WithMirror(messaging.NewKafkaMirror(kafka.Brokers, kafka.AuditTopic, logger)))
	}
	b.Publisher = messaging.NewPublisher(conn, rabbit.Exchange, logger, opts...)
	return b, nil
}

func (b *Broker) Consumer(rabbit config.Rabbit, logger *slog.Logger) *messaging.Consumer {
	return messaging.NewConsumer(b.Conn, rabbit.Exchange, logger,
		messaging.WithHandlerAttempts(rabbit.HandlerAttempts),
		messaging.WithMaxReconnects(rabbit.MaxReconnects),
	)
}

func (b *Broker) Close() {
	_ = b.Publisher.Close()
	_ = b.Conn.Close()
}

// Run serves srv and runs workers until ctx is cancelled or one of them
// fails, then shuts the server down gracefully.
func Run(ctx context.Context, logger *slog.Logger, srv *http.Server, workers ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	for _, work := range workers {
		g.Go(func() error { return work(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
