package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/shopmesh/orderflow/internal/config"
	"github.com/shopmesh/orderflow/internal/inventory"
	"github.com/shopmesh/orderflow/internal/logging"
	"github.com/shopmesh/orderflow/internal/messaging"
	"github.com/shopmesh/orderflow/internal/service"
	"github.com/shopmesh/orderflow/internal/telemetry"
)

const serviceName = "inventory"

func main() {
	var cfg config.Inventory
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

	db, err := telemetry.OpenPostgresX(ctx, cfg.Postgres.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	broker, err := service.NewBroker(ctx, cfg.Rabbit, cfg.Kafka, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	repo := inventory.NewInventoryRepository(db)
	reconciler := inventory.NewReconciler(repo, broker.Publisher, logger)
	consumer := broker.Consumer(cfg.Rabbit, logger)

	mux := http.NewServeMux()
	inventory.NewHandler(repo, broker.Publisher, logger).Register(mux)
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := service.NewServer(cfg.Port, serviceName, telemetry.WithHTTPRoute(mux))
	sub := messaging.Subscription{Queue: cfg.Queue, Bindings: inventory.Bindings}

	logger.Info("starting inventory service", "port", cfg.Port, "queue", cfg.Queue)
	err = service.Run(ctx, logger, srv, func(ctx context.Context) error {
		return consumer.Run(ctx, sub, reconciler.Handle)
	})
	if err != nil {
		logger.Error("inventory service stopped", "error", err)
		os.Exit(1)
	}
}
