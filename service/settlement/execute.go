package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/ledger"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/brojonat/escrowd/service/oracle"
)

// Execution is the outcome of paying out one pair.
type Execution struct {
	Settled bool `json:"settled"`
	// AlreadySettled is set when another cycle flipped the pair first.
	AlreadySettled bool `json:"already_settled,omitempty"`
	// LedgerHashes maps leg name (db.LegPayment, db.LegTransfer) to its ledger hash.
	LedgerHashes map[string]string `json:"ledger_hashes,omitempty"`
	// FailedLeg names the leg that did not go through.
	FailedLeg string `json:"failed_leg,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Executor submits the two authorized legs of a pair and marks it settled.
type Executor struct {
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(store Store, m *metrics.Metrics, logger *slog.Logger) *Executor {
	return &Executor{store: store, metrics: m, logger: logger}
}

// Execute pays the seller, then delivers the asset to the buyer, using the
// oracle's authorizations verbatim. Each leg is claimed for holder before it
// is submitted, so a leg confirmed or still pending from an earlier attempt is
// never submitted again. If either leg does not confirm the pair stays
// unsettled and Execute returns Settled=false with a nil error; store
// failures are returned as errors.
func (e *Executor) Execute(ctx context.Context, conn ledger.Conn, holder string, pair Pair, decision oracle.Decision) (*Execution, error) {
	if !decision.Approved || decision.PaymentLeg == nil || decision.TransferLeg == nil {
		return nil, ErrNotApproved
	}
	logger := e.logger.With("sell_hash", pair.Sell.Hash, "buy_hash", pair.Buy.Hash)

	existing, err := e.store.ListSettlementLegs(ctx, pair.Sell.Hash, pair.Buy.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement legs: %w", err)
	}
	status := make(map[string]string, len(existing))
	exec := &Execution{LedgerHashes: make(map[string]string, 2)}
	for _, leg := range existing {
		status[leg.Leg] = leg.Status
		if leg.Status == db.LegStatusConfirmed {
			exec.LedgerHashes[leg.Leg] = leg.LedgerHash
		}
	}

	legs := []struct {
		name string
		auth *oracle.Authorization
	}{
		{db.LegPayment, decision.PaymentLeg},
		{db.LegTransfer, decision.TransferLeg},
	}
	for _, leg := range legs {
		if status[leg.name] == db.LegStatusConfirmed {
			logger.InfoContext(ctx, "settlement leg already confirmed", "leg", leg.name)
			continue
		}

		key := db.LegKey{SellHash: pair.Sell.Hash, BuyHash: pair.Buy.Hash, Leg: leg.name}
		claimed := false
		if status[leg.name] != db.LegStatusPending {
			claimed, err = e.store.ClaimSettlementLeg(ctx, key, holder)
			if err != nil {
				return nil, fmt.Errorf("failed to claim %s leg: %w", leg.name, err)
			}
		}
		if !claimed {
			logger.WarnContext(ctx, "settlement leg awaiting an earlier submission", "leg", leg.name)
			e.recordLeg(leg.name, "pending")
			exec.FailedLeg = leg.name
			exec.Reason = "leg awaiting confirmation of an earlier submission"
			return exec, nil
		}

		hash, err := e.submit(ctx, conn, leg.auth)
		if err != nil {
			exec.FailedLeg = leg.name
			exec.Reason = err.Error()
			if !errors.Is(err, errLegRejected) && !errors.Is(err, ledger.ErrNotSubmitted) {
				// The transaction may still land; the claim stays pending.
				logger.ErrorContext(ctx, "settlement leg outcome unknown", "leg", leg.name, "error", err)
				e.recordLeg(leg.name, "unknown")
				return exec, nil
			}
			logger.WarnContext(ctx, "settlement leg failed", "leg", leg.name, "error", err)
			e.recordLeg(leg.name, "error")
			if err := e.store.FailSettlementLeg(ctx, key, holder, hash); err != nil {
				return nil, fmt.Errorf("failed to release %s leg: %w", leg.name, err)
			}
			return exec, nil
		}
		e.recordLeg(leg.name, "ok")

		if err := e.store.ConfirmSettlementLeg(ctx, key, holder, hash); err != nil {
			return nil, fmt.Errorf("failed to record %s leg: %w", leg.name, err)
		}
		exec.LedgerHashes[leg.name] = hash
		logger.InfoContext(ctx, "settlement leg confirmed",
			"leg", leg.name,
			"ledger_hash", hash,
			"recipient", leg.auth.Recipient,
			"amount", leg.auth.Amount.String(),
			"token", leg.auth.Token,
		)
	}

	if err := e.store.MarkPairSettled(ctx, pair.Sell.Hash, pair.Buy.Hash); err != nil {
		if errors.Is(err, db.ErrAlreadySettled) {
			logger.WarnContext(ctx, "pair settled by another cycle")
			exec.AlreadySettled = true
			return exec, nil
		}
		return nil, fmt.Errorf("failed to mark pair settled: %w", err)
	}

	exec.Settled = true
	return exec, nil
}

var errLegRejected = errors.New("payment rejected by ledger")

// submit returns the ledger hash of the confirmed payment. A build failure
// wraps ledger.ErrNotSubmitted and a definitive ledger rejection wraps
// errLegRejected; any other error leaves the outcome unknown.
func (e *Executor) submit(ctx context.Context, conn ledger.Conn, auth *oracle.Authorization) (string, error) {
	unsigned, err := conn.BuildUnsignedPayment(ctx, ledger.PaymentRequest{
		Recipient: auth.Recipient,
		AssetCode: strings.ToUpper(auth.Token),
		Amount:    auth.Amount,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build payment: %w: %w", ledger.ErrNotSubmitted, err)
	}

	result, err := conn.SignAndSubmit(ctx, unsigned)
	if err != nil {
		return "", fmt.Errorf("failed to submit payment: %w", err)
	}
	if !result.Success {
		return result.LedgerHash, fmt.Errorf("%w: %s", errLegRejected, result.Code)
	}
	return result.LedgerHash, nil
}

func (e *Executor) recordLeg(leg, status string) {
	if e.metrics != nil {
		e.metrics.RecordLegSubmitted(leg, status)
	}
}
