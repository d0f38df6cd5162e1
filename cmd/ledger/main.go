package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopmesh/orderflow/internal/config"
	"github.com/shopmesh/orderflow/internal/ledger"
	"github.com/shopmesh/orderflow/internal/logging"
	"github.com/shopmesh/orderflow/internal/service"
	"github.com/shopmesh/orderflow/internal/telemetry"
)

const serviceName = "ledger"

func main() {
	var cfg config.Ledger
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

	mux := http.NewServeMux()
	ledger.NewHandler(ledger.NewService(pool, logger), logger).Register(mux)
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := service.NewServer(cfg.Port, serviceName, telemetry.WithHTTPRoute(mux))
	logger.Info("starting ledger service", "port", cfg.Port)
	if err := service.Run(ctx, logger, srv); err != nil {
		logger.Error("ledger service stopped", "error", err)
		os.Exit(1)
	}
}
