package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/escrowd/client"
	"github.com/brojonat/escrowd/service/settlement"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Call the escrowd HTTP API",
		Subcommands: []*cli.Command{
			clientCycleCommand(),
			clientGetTransactionCommand(),
			clientTransactionsCommand(),
			clientAccountsCommand(),
			clientCreateAccountCommand(),
			clientAwaitSettlementCommand(),
		},
	}
}

func clientCycleCommand() *cli.Command {
	return &cli.Command{
		Name:      "cycle",
		Usage:     "Trigger a reconciliation cycle through the server",
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

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			result, err := newAPIClient(c).RunCycle(ctx, c.Args().First())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(result)
			}
			r := settlement.CycleResult(*result)
			printCycleResult(&r)
			return nil
		},
	}
}

func clientGetTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transaction",
		Usage:     "Look up a stored record through the server",
		ArgsUsage: "<hash>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}

			txn, err := newAPIClient(c).GetTransaction(context.Background(), c.Args().First())
			if err != nil {
				return err
			}
			return outputJSON(txn)
		},
	}
}

func clientTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "transactions",
		Usage:     "List stored records of an escrow account through the server",
		ArgsUsage: "<escrow-address>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   50,
			},
			&cli.IntFlag{
				Name: "offset",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: escrow address")
			}

			txns, err := newAPIClient(c).ListTransactions(context.Background(), c.Args().First(), c.Int("limit"), c.Int("offset"))
			if err != nil {
				return err
			}
			return outputJSON(txns)
		},
	}
}

func clientAccountsCommand() *cli.Command {
	return &cli.Command{
		Name:  "accounts",
		Usage: "List escrow accounts known to the server",
		Action: func(c *cli.Context) error {
			accounts, err := newAPIClient(c).ListEscrowAccounts(context.Background())
			if err != nil {
				return err
			}
			return outputJSON(accounts)
		},
	}
}

func clientCreateAccountCommand() *cli.Command {
	return &cli.Command{
		Name:      "create-account",
		Usage:     "Register an escrow account and schedule its reconciliation",
		ArgsUsage: "<escrow-address>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "Reconciliation interval (server default when zero)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: escrow address")
			}

			account, err := newAPIClient(c).CreateEscrowAccount(context.Background(), c.Args().First(), c.Duration("poll-interval"))
			if err != nil {
				return err
			}
			return outputJSON(account)
		},
	}
}

func clientAwaitSettlementCommand() *cli.Command {
	return &cli.Command{
		Name:      "await-settlement",
		Usage:     "Block until a matching settlement of an escrow account is streamed",
		ArgsUsage: "<escrow-address>",
		Description: `Follows the server's settlement stream and prints the first settlement
matching every filter.

Example:
  escrowd client await-settlement rEscrow --sell-hash ABC123 --timeout 10m`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "sell-hash",
				Usage: "Only match the settlement of this sell-leg",
			},
			&cli.StringFlag{
				Name:  "buy-hash",
				Usage: "Only match the settlement of this buy-leg",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filters over the settlement event, all must be truthy (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait",
				Value: 10 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: escrow address")
			}

			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			sellHash, buyHash := c.String("sell-hash"), c.String("buy-hash")

			match := func(s *client.Settlement) bool {
				if sellHash != "" && s.SellHash != sellHash {
					return false
				}
				if buyHash != "" && s.BuyHash != buyHash {
					return false
				}
				if len(filters) == 0 {
					return true
				}
				data, err := json.Marshal(s)
				if err != nil {
					return false
				}
				return matchesAll(filters, data)
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			s, err := newAPIClient(c).AwaitSettlement(ctx, c.Args().First(), match)
			if err != nil {
				return fmt.Errorf("failed to await settlement: %w", err)
			}
			return outputJSON(s)
		},
	}
}

func newAPIClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return client.NewClient(c.String("server-url"), &http.Client{}, logger)
}
