package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/brojonat/escrowd/service/config"
	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/ledger"
	"github.com/brojonat/escrowd/service/oracle"
	"github.com/brojonat/escrowd/service/settlement"
	"github.com/brojonat/escrowd/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

// runCycleCommand runs one cycle in this process, bypassing Temporal. The
// cycle lease still keeps it from overlapping a worker's cycle.
func runCycleCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run one reconciliation cycle for ESCROW_ACCOUNT",
		Description: `Loads the full service configuration from the environment, then ingests,
matches, verifies and settles exactly once. Events are not published.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log cycle progress to stderr",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			level := slog.LevelWarn
			if c.Bool("verbose") {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx := context.Background()
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			ledgerClient, err := ledger.New(cfg.LedgerOptions(), nil, logger)
			if err != nil {
				return fmt.Errorf("failed to create ledger client: %w", err)
			}

			verifier := oracle.NewVerifier(oracle.NewClient(cfg.OracleURL, cfg.OracleAPIKey, cfg.OracleTimeout, nil), nil, logger)
			engine := settlement.NewEngine(settlement.Config{
				EscrowAddress: cfg.EscrowAccount,
				LeaseTTL:      cfg.CycleLeaseTTL,
			}, db.NewStore(pool, nil), ledgerClient, verifier, nil, nil, logger)

			result, err := temporal.NewLocalRunner(engine).RunCycleNow(ctx, cfg.EscrowAccount)
			if temporal.IsCycleInProgress(err) {
				return fmt.Errorf("another cycle holds %s, try again later", cfg.EscrowAccount)
			}
			if err != nil {
				return fmt.Errorf("reconciliation failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(result)
			}
			printCycleResult(result)
			return nil
		},
	}
}

func printCycleResult(r *settlement.CycleResult) {
	fmt.Printf("Escrow:     %s\n", r.EscrowAddress)
	fmt.Printf("Ingested:   %d\n", r.Ingested)
	fmt.Printf("Candidates: %d\n", r.Candidates)
	fmt.Printf("Approved:   %d\n", r.Approved)
	fmt.Printf("Rejected:   %d\n", r.Rejected)
	fmt.Printf("Settled:    %d\n", r.Settled)
	fmt.Printf("Failed:     %d\n", r.Failed)
	fmt.Printf("Duration:   %v\n", r.Duration)
}
