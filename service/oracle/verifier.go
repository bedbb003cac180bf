package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/escrowd/service/metrics"
	"github.com/shopspring/decimal"
)

// Proposal is a matched pair as presented to the oracle. Amounts are in
// major units. Terms come from the seller's memo and only propose the check.
type Proposal struct {
	SellHash    string
	Seller      string
	SellTo      string // the seller's intended counterparty
	TokenAmount decimal.Decimal
	Price       decimal.Decimal

	BuyHash       string
	Buyer         string
	PaymentAmount decimal.Decimal
}

// Decision is the outcome of verifying a proposal.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`

	// PaymentLeg pays the seller; TransferLeg delivers the asset to the buyer.
	// Both are set only when Approved.
	PaymentLeg  *Authorization `json:"payment_leg,omitempty"`
	TransferLeg *Authorization `json:"transfer_leg,omitempty"`
}

func rejected(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Checker is the oracle's wire contract.
type Checker interface {
	CheckAsset(ctx context.Context, req CheckRequest) (*AssetCheckResponse, error)
	CheckPayment(ctx context.Context, req CheckRequest) (*PaymentCheckResponse, error)
}

// Verifier runs the two-phase oracle check. The oracle keeps no state
// between the two calls, so an interrupted verification starts over.
type Verifier struct {
	checker Checker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewVerifier creates a Verifier. If m is nil, no metrics are recorded.
func NewVerifier(checker Checker, m *metrics.Metrics, logger *slog.Logger) *Verifier {
	return &Verifier{checker: checker, metrics: m, logger: logger}
}

// Verify asks the oracle to authorize a proposal. Every failure, including
// transport errors, is a rejection: the pair stays pending for a later cycle.
func (v *Verifier) Verify(ctx context.Context, p Proposal) Decision {
	logger := v.logger.With("sell_hash", p.SellHash, "buy_hash", p.BuyHash)

	assetReq := CheckRequest{
		Transaction: TransactionRef{
			TransactionID: p.SellHash,
			Sender:        p.Seller,
			Recipient:     p.SellTo,
			Amount:        p.TokenAmount,
		},
		AgreedTokenAmount: p.TokenAmount,
		AgreedTradePrice:  p.Price,
	}

	start := time.Now()
	_, err := v.checker.CheckAsset(ctx, assetReq)
	v.record("asset", err, start)
	if err != nil {
		logger.WarnContext(ctx, "asset check failed", "error", err)
		return rejected("asset check failed: %v", err)
	}

	paymentReq := CheckRequest{
		Transaction: TransactionRef{
			TransactionID: p.BuyHash,
			Sender:        p.Buyer,
			Recipient:     p.Seller,
			Amount:        p.PaymentAmount,
		},
		AgreedTokenAmount: p.TokenAmount,
		AgreedTradePrice:  p.Price,
	}

	start = time.Now()
	resp, err := v.checker.CheckPayment(ctx, paymentReq)
	v.record("payment", err, start)
	if err != nil {
		logger.WarnContext(ctx, "payment check failed", "error", err)
		return rejected("payment check failed: %v", err)
	}

	if resp.Result != SuccessMatch {
		logger.InfoContext(ctx, "oracle did not match pair", "result", resp.Result, "message", resp.Message)
		return rejected("oracle result %q", resp.Result)
	}
	if err := validAuthorization(resp.PaymentTransaction); err != nil {
		return rejected("invalid payment authorization: %v", err)
	}
	if err := validAuthorization(resp.AssetTransaction); err != nil {
		return rejected("invalid asset authorization: %v", err)
	}

	logger.InfoContext(ctx, "oracle approved pair",
		"payment_recipient", resp.PaymentTransaction.Recipient,
		"payment_amount", resp.PaymentTransaction.Amount.String(),
		"asset_recipient", resp.AssetTransaction.Recipient,
		"asset_amount", resp.AssetTransaction.Amount.String(),
	)

	return Decision{
		Approved:    true,
		PaymentLeg:  resp.PaymentTransaction,
		TransferLeg: resp.AssetTransaction,
	}
}

func (v *Verifier) record(check string, err error, start time.Time) {
	if v.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	v.metrics.RecordOracleCheck(check, outcome, time.Since(start).Seconds())
}

func validAuthorization(a *Authorization) error {
	switch {
	case a == nil:
		return fmt.Errorf("missing")
	case a.Recipient == "":
		return fmt.Errorf("missing recipient")
	case a.Token == "":
		return fmt.Errorf("missing token")
	case !a.Amount.IsPositive():
		return fmt.Errorf("amount must be positive, got %s", a.Amount)
	}
	return nil
}
