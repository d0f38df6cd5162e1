package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shopmesh/orderflow/internal/auth"
	"github.com/shopmesh/orderflow/internal/config"
	"github.com/shopmesh/orderflow/internal/gateway"
	"github.com/shopmesh/orderflow/internal/logging"
	"github.com/shopmesh/orderflow/internal/service"
)

const serviceName = "gateway"

func main() {
	var cfg config.Gateway
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

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		logger.Error("failed to configure token verification", "error", err)
		os.Exit(1)
	}

	httpClient := service.HTTPClient(10 * time.Second)
	handler := gateway.NewHandler(gateway.Backends{
		Orders:    gateway.NewServiceProxy(cfg.OrdersServiceURL, httpClient),
		Inventory: gateway.NewServiceProxy(cfg.InventoryServiceURL, httpClient),
		Payments:  gateway.NewServiceProxy(cfg.PaymentsServiceURL, httpClient),
		Ledger:    gateway.NewServiceProxy(cfg.LedgerServiceURL, httpClient),
	}, logger)

	root := chi.NewRouter()
	root.Handle("/metrics", metrics)
	root.Mount("/", gateway.NewRouter(handler, verifier, logger))

	srv := service.NewServer(cfg.Port, serviceName, root)
	logger.Info("starting gateway service", "port", cfg.Port)
	if err := service.Run(ctx, logger, srv); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}
