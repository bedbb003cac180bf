package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/escrowd/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func listAccountsCommand() *cli.Command {
	return &cli.Command{
		Name:    "accounts",
		Usage:   "List monitored escrow accounts",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			accounts, err := store.ListEscrowAccounts(ctx)
			if err != nil {
				return fmt.Errorf("failed to list escrow accounts: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(accounts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tUNSETTLED\tCURSOR\tCREATED")
			for _, acct := range accounts {
				unsettled, err := store.CountUnsettled(ctx, acct.Address)
				if err != nil {
					return fmt.Errorf("failed to count unsettled transactions: %w", err)
				}
				cursor := "(none)"
				if acct.Cursor != nil {
					cursor = string(acct.Cursor)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					acct.Address,
					unsettled,
					cursor,
					acct.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d escrow accounts\n", len(accounts))
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "transactions",
		Usage:     "List an escrow account's stored records, newest first",
		Aliases:   []string{"txs"},
		ArgsUsage: "<escrow-address>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of records",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Records to skip",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: escrow address")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txns, err := store.ListTransactionsByAccount(context.Background(), db.ListTransactionsByAccountParams{
				Account: c.Args().First(),
				Limit:   int32(c.Int("limit")),
				Offset:  int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(txns)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tLEDGER\tSENDER\tAMOUNT\tMEMO\tRECIPIENT\tSETTLED")
			for _, t := range txns {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s %s\t%s\t%s\t%v\n",
					t.Hash,
					t.LedgerIndex,
					formatOptional(t.Sender),
					t.Amount.String(),
					t.Currency,
					t.MemoStatus,
					formatOptional(t.Recipient),
					t.Settled,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txns))
			return nil
		},
	}
}

func getTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transaction",
		Usage:     "Show one stored record",
		Aliases:   []string{"get"},
		ArgsUsage: "<hash>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			t, err := store.GetTransactionByHash(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(t)
			}

			fmt.Printf("Hash:         %s\n", t.Hash)
			fmt.Printf("Escrow:       %s\n", t.Account)
			fmt.Printf("Ledger Index: %d\n", t.LedgerIndex)
			fmt.Printf("Sender:       %s\n", formatOptional(t.Sender))
			fmt.Printf("Amount:       %s %s\n", t.Amount.String(), t.Currency)
			fmt.Printf("Memo:         %s\n", t.MemoStatus)
			fmt.Printf("Asset:        %s\n", formatOptional(t.Asset))
			fmt.Printf("Recipient:    %s\n", formatOptional(t.Recipient))
			if t.Price != nil {
				fmt.Printf("Price:        %s\n", t.Price.String())
			}
			fmt.Printf("Settled:      %v\n", t.Settled)
			if t.SettledAt != nil {
				fmt.Printf("Settled At:   %s\n", t.SettledAt.Format(time.RFC3339))
			}
			fmt.Printf("Created:      %s\n", t.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func pendingPairsCommand() *cli.Command {
	return &cli.Command{
		Name:      "pending-pairs",
		Usage:     "Show the candidate pairs the next cycle would consider",
		ArgsUsage: "<escrow-address>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "native-currency",
				Usage:   "Native currency symbol of the ledger",
				EnvVars: []string{"NATIVE_CURRENCY"},
				Value:   "XRP",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: escrow address")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			pairs, err := store.ListCandidatePairs(context.Background(), c.Args().First(), c.String("native-currency"))
			if err != nil {
				return fmt.Errorf("failed to list candidate pairs: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(pairs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SELL\tSELLER\tTOKENS\tBUY\tBUYER\tPAYMENT")
			for _, p := range pairs {
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s %s\n",
					p.Sell.Hash,
					formatOptional(p.Sell.Sender),
					p.Sell.Amount.String(), p.Sell.Currency,
					p.Buy.Hash,
					formatOptional(p.Buy.Sender),
					p.Buy.Amount.String(), p.Buy.Currency,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d candidate pairs\n", len(pairs))
			return nil
		},
	}
}

// getStore connects to the database named by --database-url.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "(none)"
}
