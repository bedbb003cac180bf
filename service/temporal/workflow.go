package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/escrowd/service/oracle"
	"github.com/brojonat/escrowd/service/settlement"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ReconcileEscrowWorkflow runs one reconciliation cycle for an escrow account.
// It is started by a schedule or on demand by RunCycleNow.
//
// Stages run strictly in order:
//  1. AcquireCycleLease
//  2. IngestTransactions
//  3. FindCandidatePairs
//  4. per pair, VerifyPair then ExecuteSettlement when approved
//  5. ReleaseCycleLease, on every path
func ReconcileEscrowWorkflow(ctx workflow.Context, input ReconcileEscrowInput) (*settlement.CycleResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReconcileEscrowWorkflow started", "escrow", input.EscrowAddress)

	start := workflow.Now(ctx)
	result := &settlement.CycleResult{EscrowAddress: input.EscrowAddress}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var holder string
	if err := workflow.ExecuteActivity(ctx, a.AcquireCycleLease, LeaseInput{EscrowAddress: input.EscrowAddress}).Get(ctx, &holder); err != nil {
		return nil, fmt.Errorf("failed to acquire cycle lease: %w", err)
	}
	defer func() {
		releaseCtx, _ := workflow.NewDisconnectedContext(ctx)
		err := workflow.ExecuteActivity(releaseCtx, a.ReleaseCycleLease, LeaseInput{
			EscrowAddress: input.EscrowAddress,
			Holder:        holder,
		}).Get(releaseCtx, nil)
		if err != nil {
			logger.Warn("failed to release cycle lease", "escrow", input.EscrowAddress, "error", err)
		}
	}()

	var ingested *settlement.IngestResult
	if err := workflow.ExecuteActivity(ctx, a.IngestTransactions, input).Get(ctx, &ingested); err != nil {
		return nil, fmt.Errorf("failed to ingest transactions: %w", err)
	}
	result.Ingested = ingested.Inserted

	var pairs []settlement.Pair
	if err := workflow.ExecuteActivity(ctx, a.FindCandidatePairs, input).Get(ctx, &pairs); err != nil {
		return nil, fmt.Errorf("failed to find candidate pairs: %w", err)
	}
	result.Candidates = len(pairs)
	logger.Info("found candidate pairs", "escrow", input.EscrowAddress, "count", len(pairs))

	execCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	for _, pair := range pairs {
		var decision *oracle.Decision
		err := workflow.ExecuteActivity(ctx, a.VerifyPair, VerifyPairInput{
			EscrowAddress: input.EscrowAddress,
			Pair:          pair,
		}).Get(ctx, &decision)
		if err != nil {
			return nil, fmt.Errorf("failed to verify pair %s/%s: %w", pair.Sell.Hash, pair.Buy.Hash, err)
		}
		if !decision.Approved {
			logger.Info("pair rejected by oracle", "sell_hash", pair.Sell.Hash, "buy_hash", pair.Buy.Hash, "reason", decision.Reason)
			result.Rejected++
			continue
		}
		result.Approved++

		var exec *settlement.Execution
		err = workflow.ExecuteActivity(execCtx, a.ExecuteSettlement, ExecuteSettlementInput{
			EscrowAddress: input.EscrowAddress,
			Holder:        holder,
			Pair:          pair,
			Decision:      *decision,
		}).Get(execCtx, &exec)
		if err != nil {
			return nil, fmt.Errorf("failed to execute settlement %s/%s: %w", pair.Sell.Hash, pair.Buy.Hash, err)
		}
		if exec.Settled {
			result.Settled++
		} else {
			result.Failed++
		}
	}

	result.Duration = workflow.Now(ctx).Sub(start)
	logger.Info("ReconcileEscrowWorkflow completed",
		"escrow", input.EscrowAddress,
		"ingested", result.Ingested,
		"candidates", result.Candidates,
		"approved", result.Approved,
		"rejected", result.Rejected,
		"settled", result.Settled,
		"failed", result.Failed,
	)
	return result, nil
}
