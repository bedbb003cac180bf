package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/escrowd/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Applies pending schema migrations. Only DATABASE_URL is needed, so this
// runs before the rest of the deployment is configured.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dbPool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	res, err := db.Migrate(ctx, dbPool, logger)
	if err != nil {
		logger.Error("migration failed", "error", err, "from", res.From, "to", res.To, "dirty", res.Dirty)
		os.Exit(1)
	}

	logger.Info("migrations complete", "from", res.From, "to", res.To, "applied", res.Applied())
}
