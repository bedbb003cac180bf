package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "escrowd",
		Usage: "Escrow settlement engine CLI",
		Description: `A command-line tool for operating and debugging escrowd.

Use this CLI to inspect stored escrow records, run reconciliation cycles,
manage Temporal schedules, and follow settlement events.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			{
				Name:  "db",
				Usage: "Database inspection commands",
				Subcommands: []*cli.Command{
					listAccountsCommand(),
					listTransactionsCommand(),
					getTransactionCommand(),
					pendingPairsCommand(),
				},
			},
			{
				Name:  "reconcile",
				Usage: "Run reconciliation in-process",
				Subcommands: []*cli.Command{
					runCycleCommand(),
				},
			},
			{
				Name:  "memo",
				Usage: "Trade intent memo tools",
				Subcommands: []*cli.Command{
					decodeMemoCommand(),
					encodeMemoCommand(),
				},
			},
			{
				Name:  "temporal",
				Usage: "Temporal schedule management commands",
				Subcommands: []*cli.Command{
					listSchedulesCommand(),
					createScheduleCommand(),
					deleteScheduleCommand(),
					triggerCommand(),
				},
			},
			{
				Name:  "nats",
				Usage: "NATS event streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
				},
			},
			clientCommands(),
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue of the worker",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "escrowd-reconcile",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "escrowd server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
