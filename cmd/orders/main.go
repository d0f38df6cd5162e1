package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/shopmesh/orderflow/internal/config"
	"github.com/shopmesh/orderflow/internal/ledger"
	"github.com/shopmesh/orderflow/internal/logging"
	"github.com/shopmesh/orderflow/internal/orders"
	"github.com/shopmesh/orderflow/internal/service"
	"github.com/shopmesh/orderflow/internal/telemetry"
)

const serviceName = "orders"

func main() {
	var cfg config.Orders
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

	db, err := telemetry.OpenPostgres(ctx, cfg.Postgres.URL)
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

	httpClient := service.HTTPClient(cfg.LedgerTimeout)

	var catalog orders.Catalog
	if cfg.InventoryServiceURL != "" {
		catalog = orders.NewHTTPCatalog(cfg.InventoryServiceURL, httpClient, cfg.CatalogCacheSize, cfg.CatalogCacheTTL)
	}

	coordinator := orders.NewCoordinator(
		orders.NewOrderRepository(db),
		ledger.NewClient(cfg.LedgerServiceURL, httpClient),
		broker.Publisher,
		catalog,
		logger,
	)

	mux := http.NewServeMux()
	orders.NewHandler(coordinator, logger).Register(mux)
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := service.NewServer(cfg.Port, serviceName, telemetry.WithHTTPRoute(mux))
	logger.Info("starting orders service", "port", cfg.Port)
	if err := service.Run(ctx, logger, srv); err != nil {
		logger.Error("orders service stopped", "error", err)
		os.Exit(1)
	}
}
