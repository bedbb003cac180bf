package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	natspkg "github.com/brojonat/escrowd/service/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand follows transaction or settlement events of an escrow account.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Stream events of an escrow account from JetStream",
		ArgsUsage: "<escrow-address>",
		Description: `Events are published to txns.{escrow} (ingested records) and
settlements.{escrow} (settled pairs). Events are printed as JSON lines.

Examples:
  escrowd nats subscribe rEscrow --settlements
  escrowd nats subscribe rEscrow --jq '.memo_status == "malformed"'
  escrowd nats subscribe rEscrow --settlements --jq '.transfer_token == "GOLD"' --all`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "settlements",
				Aliases: []string{"s"},
				Usage:   "Follow settlements instead of ingested records",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "Only print events for which every jq filter is truthy (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay retained events before following new ones",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Durable consumer name (resumes where it left off)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: escrow address")
			}
			escrow := c.Args().First()

			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			stream, subject := natspkg.TransactionStream, natspkg.TransactionSubject(escrow)
			if c.Bool("settlements") {
				stream, subject = natspkg.SettlementStream, natspkg.SettlementSubject(escrow)
			}

			nc, err := natspkg.Connect(c.String("nats-url"), "escrowd-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: jetstream.DeliverNewPolicy,
			}
			if c.Bool("all") {
				cfg.DeliverPolicy = jetstream.DeliverAllPolicy
			}
			if name := c.String("consumer-name"); name != "" {
				cfg.Durable = name
			}

			cons, err := js.CreateOrUpdateConsumer(ctx, stream, cfg)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			fmt.Fprintf(os.Stderr, "Subscribed to %s (stream %s), Ctrl-C to stop\n", subject, stream)

			cc, err := cons.Consume(func(msg jetstream.Msg) {
				if matchesAll(filters, msg.Data()) {
					fmt.Println(string(msg.Data()))
				}
				msg.Ack()
			})
			if err != nil {
				return fmt.Errorf("failed to start consuming: %w", err)
			}
			defer cc.Stop()

			<-ctx.Done()
			return nil
		},
	}
}
