package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/escrowd/service/config"
	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/brojonat/escrowd/service/server"
	"github.com/brojonat/escrowd/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"escrow", cfg.EscrowAccount,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	metricsCollector := metrics.NewMetrics(nil)
	store := db.NewStore(dbPool, metricsCollector)

	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	// The served account is always registered and scheduled.
	if _, err := store.GetOrCreateEscrowAccount(ctx, cfg.EscrowAccount); err != nil {
		logger.Error("failed to register escrow account", "error", err)
		os.Exit(1)
	}
	if err := temporalClient.UpsertReconcileSchedule(ctx, cfg.EscrowAccount, cfg.PollInterval); err != nil {
		logger.Error("failed to schedule reconciliation", "error", err)
		os.Exit(1)
	}

	ssePublisher, err := server.NewSSEPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		// Streaming is optional; the rest of the API works without NATS.
		logger.Warn("failed to initialize SSE publisher", "error", err)
		ssePublisher = nil
	}

	httpServer := server.New(cfg.ServerAddr, cfg, store, temporalClient, temporalClient, ssePublisher, metricsCollector, logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
