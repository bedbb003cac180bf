package main

import (
	"fmt"

	"github.com/brojonat/escrowd/service/memo"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func decodeMemoCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "Decode a hex memo payload into a trade intent",
		ArgsUsage: "<hex-payload>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "text",
				Usage: "Treat the argument as already-decoded memo text",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: memo payload")
			}

			var r memo.Result
			if c.Bool("text") {
				r = memo.DecodeText(c.Args().First())
			} else {
				r = memo.Decode(c.Args().First())
			}

			out := memoOutput{Status: string(r.Status)}
			if r.Present() {
				out.Asset = r.Intent.Asset
				out.Recipient = r.Intent.Recipient
				price := r.Intent.Price
				out.Price = &price
			}
			if r.Err != nil {
				out.Error = r.Err.Error()
			}

			if c.Bool("json") {
				return outputJSON(out)
			}

			fmt.Printf("Status:    %s\n", out.Status)
			if r.Present() {
				fmt.Printf("Asset:     %s\n", out.Asset)
				fmt.Printf("Recipient: %s\n", out.Recipient)
				fmt.Printf("Price:     %s\n", out.Price.String())
			}
			if out.Error != "" {
				fmt.Printf("Error:     %s\n", out.Error)
			}
			return nil
		},
	}
}

type memoOutput struct {
	Status    string           `json:"status"`
	Asset     string           `json:"asset,omitempty"`
	Recipient string           `json:"recipient,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func encodeMemoCommand() *cli.Command {
	return &cli.Command{
		Name:      "encode",
		Usage:     "Encode a trade intent as a hex memo payload",
		ArgsUsage: "<asset> <recipient> <price>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return fmt.Errorf("requires exactly three arguments: asset, recipient and price")
			}

			price, err := decimal.NewFromString(c.Args().Get(2))
			if err != nil {
				return fmt.Errorf("invalid price %q: %w", c.Args().Get(2), err)
			}
			if price.IsNegative() {
				return fmt.Errorf("price cannot be negative")
			}

			fmt.Println(memo.Encode(memo.Intent{
				Asset:     c.Args().Get(0),
				Recipient: c.Args().Get(1),
				Price:     price,
			}))
			return nil
		},
	}
}
