package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/shopmesh/orderflow/internal/config"
	"github.com/shopmesh/orderflow/internal/ledger"
	"github.com/shopmesh/orderflow/internal/logging"
	"github.com/shopmesh/orderflow/internal/messaging"
	"github.com/shopmesh/orderflow/internal/payments"
	"github.com/shopmesh/orderflow/internal/service"
	"github.com/shopmesh/orderflow/internal/telemetry"
)

const serviceName = "payments"

func main() {
	var cfg config.Payments
	if err := config.Load(&cfg); err != nil {
		logging.New("", "info").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With("service", serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, shutdownTelemetry, err := service.Telemetry(ctx, serviceName, cfg.App, cfg.Telemetry)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	pool, err := telemetry.OpenPool(ctx, cfg.Postgres.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	broker, err := service.NewBroker(ctx, cfg.Rabbit, cfg.Kafka, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	var deduper payments.Deduper
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, webhook dedup relies on upserts only", "error", err)
		} else {
			deduper = payments.NewRedisDeduper(rdb, cfg.WebhookDedupTTL)
		}
	}

	httpClient := service.HTTPClient(cfg.HTTPTimeout)
	settlement := payments.NewSettlement(
		payments.NewPaymentRepository(pool),
		broker.Publisher,
		payments.NewOrdersClient(cfg.OrdersServiceURL, httpClient),
		payments.NewStripeGateway(cfg.StripeAPIKey, payments.CheckoutOptions{
			FrontendURL: cfg.FrontendURL,
			Currency:    cfg.CheckoutCurrency,
		}, nil),
		ledger.NewClient(cfg.LedgerServiceURL, httpClient),
		logger,
	)
	webhook := payments.NewWebhookHandler(settlement, cfg.WebhookSecret, deduper, logger)
	consumer := broker.Consumer(cfg.Rabbit, logger)

	mux := http.NewServeMux()
	payments.NewHandler(settlement, webhook, logger).Register(mux)
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := service.NewServer(cfg.Port, serviceName, telemetry.WithHTTPRoute(mux))
	sub := messaging.Subscription{Queue: cfg.Queue, Bindings: payments.Bindings}

	logger.Info("starting payments service", "port", cfg.Port, "queue", cfg.Queue, "webhook_dedup", deduper != nil)
	err = service.Run(ctx, logger, srv, func(ctx context.Context) error {
		return consumer.Run(ctx, sub, settlement.Handle)
	})
	if err != nil {
		logger.Error("payments service stopped", "error", err)
		os.Exit(1)
	}
}
