package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/escrowd/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List all Temporal schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			iter, err := tc.SDKClient().ScheduleClient().List(ctx, client.ScheduleListOptions{PageSize: 100})
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID\tPAUSED\tNEXT RUN")
			count := 0
			for iter.HasNext() {
				schedule, err := iter.Next()
				if err != nil {
					return fmt.Errorf("failed to iterate schedules: %w", err)
				}
				next := "-"
				if len(schedule.NextActionTimes) > 0 {
					next = schedule.NextActionTimes[0].Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%v\t%s\n", schedule.ID, schedule.Paused, next)
				count++
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", count)
			return nil
		},
	}
}

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "create-schedule",
		Usage:     "Create or update the reconciliation schedule of an escrow account",
		ArgsUsage: "<escrow-address>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "Time between cycles",
				Value:   30 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: escrow address")
			}
			interval := c.Duration("interval")
			if interval < time.Second {
				return fmt.Errorf("interval must be at least 1s")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			escrow := c.Args().First()
			if err := tc.UpsertReconcileSchedule(context.Background(), escrow, interval); err != nil {
				return err
			}

			fmt.Printf("✓ Reconciliation of %s scheduled every %v\n", escrow, interval)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Stop periodic reconciliation of an escrow account",
		ArgsUsage: "<escrow-address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: escrow address")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			escrow := c.Args().First()
			if err := tc.DeleteReconcileSchedule(context.Background(), escrow); err != nil {
				return err
			}

			fmt.Printf("✓ Reconciliation schedule of %s deleted\n", escrow)
			return nil
		},
	}
}

func triggerCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger",
		Usage:     "Run a reconciliation workflow now and wait for it",
		ArgsUsage: "<escrow-address>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the cycle",
				Value: 5 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: escrow address")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			result, err := tc.RunCycleNow(ctx, c.Args().First())
			if err != nil {
				if temporal.IsCycleInProgress(err) {
					return fmt.Errorf("another cycle holds this escrow account, try again later")
				}
				return err
			}

			if c.Bool("json") {
				return outputJSON(result)
			}
			printCycleResult(result)
			return nil
		},
	}
}

func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = "localhost:7233"
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = "default"
	}
	taskQueue := c.String("temporal-task-queue")
	if taskQueue == "" {
		taskQueue = "escrowd-reconcile"
	}

	// The SDK is chatty; keep CLI output clean.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tc, err := temporal.NewClient(host, namespace, taskQueue, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return tc, nil
}
