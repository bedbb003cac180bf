package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/escrowd/service/metrics"
	"github.com/brojonat/escrowd/service/oracle"
	"github.com/brojonat/escrowd/service/settlement"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Error types that stop a workflow without retries.
const (
	ErrTypeCycleInProgress = "CycleInProgress"
	ErrTypeWrongEscrow     = "WrongEscrowAccount"
	ErrTypeLeaseLost       = "CycleLeaseLost"
)

// ReconcileEscrowInput is the input of ReconcileEscrowWorkflow.
type ReconcileEscrowInput struct {
	EscrowAddress string `json:"escrow_address"`
}

// LeaseInput identifies a cycle lease.
type LeaseInput struct {
	EscrowAddress string `json:"escrow_address"`
	Holder        string `json:"holder,omitempty"`
}

// VerifyPairInput is the input of VerifyPair.
type VerifyPairInput struct {
	EscrowAddress string          `json:"escrow_address"`
	Pair          settlement.Pair `json:"pair"`
}

// ExecuteSettlementInput is the input of ExecuteSettlement.
type ExecuteSettlementInput struct {
	EscrowAddress string          `json:"escrow_address"`
	Holder        string          `json:"holder"`
	Pair          settlement.Pair `json:"pair"`
	Decision      oracle.Decision `json:"decision"`
}

// Engine is the settlement engine the activities drive. *settlement.Engine
// implements it.
type Engine interface {
	EscrowAddress() string
	AcquireLease(ctx context.Context) (string, error)
	ReleaseLease(ctx context.Context, holder string)
	Ingest(ctx context.Context) (*settlement.IngestResult, error)
	FindCandidatePairs(ctx context.Context) ([]settlement.Pair, error)
	Verify(ctx context.Context, pair settlement.Pair) oracle.Decision
	Execute(ctx context.Context, holder string, pair settlement.Pair, decision oracle.Decision) (*settlement.Execution, error)
}

var _ Engine = (*settlement.Engine)(nil)

// Activities exposes each stage of the reconciliation cycle as a Temporal activity.
type Activities struct {
	engine  Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewActivities creates a new Activities instance. If m is nil, no metrics are recorded.
func NewActivities(engine Engine, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{engine: engine, metrics: m, logger: logger}
}

func (a *Activities) observe(activity string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, a.engine.EscrowAddress(), time.Since(start).Seconds())
	}
}

// checkEscrow rejects work for an escrow account this worker cannot sign for.
func (a *Activities) checkEscrow(address string) error {
	if address != a.engine.EscrowAddress() {
		return temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("worker settles %s, not %s", a.engine.EscrowAddress(), address),
			ErrTypeWrongEscrow, nil)
	}
	return nil
}

// AcquireCycleLease takes the single-flight lease and returns its holder ID.
func (a *Activities) AcquireCycleLease(ctx context.Context, input LeaseInput) (string, error) {
	defer a.observe("AcquireCycleLease", time.Now())
	if err := a.checkEscrow(input.EscrowAddress); err != nil {
		return "", err
	}

	holder, err := a.engine.AcquireLease(ctx)
	if errors.Is(err, settlement.ErrCycleInProgress) {
		return "", temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypeCycleInProgress, err)
	}
	if err != nil {
		return "", err
	}
	a.logger.DebugContext(ctx, "acquired cycle lease", "escrow", input.EscrowAddress, "holder", holder)
	return holder, nil
}

// ReleaseCycleLease gives up the lease taken by AcquireCycleLease.
func (a *Activities) ReleaseCycleLease(ctx context.Context, input LeaseInput) error {
	defer a.observe("ReleaseCycleLease", time.Now())
	a.engine.ReleaseLease(ctx, input.Holder)
	return nil
}

// IngestTransactions copies the next page of escrow history into the store.
func (a *Activities) IngestTransactions(ctx context.Context, input ReconcileEscrowInput) (*settlement.IngestResult, error) {
	defer a.observe("IngestTransactions", time.Now())
	if err := a.checkEscrow(input.EscrowAddress); err != nil {
		return nil, err
	}
	return a.engine.Ingest(ctx)
}

// FindCandidatePairs matches unsettled sell-legs with buy-legs.
func (a *Activities) FindCandidatePairs(ctx context.Context, input ReconcileEscrowInput) ([]settlement.Pair, error) {
	defer a.observe("FindCandidatePairs", time.Now())
	if err := a.checkEscrow(input.EscrowAddress); err != nil {
		return nil, err
	}
	return a.engine.FindCandidatePairs(ctx)
}

// VerifyPair runs the two-phase oracle check for one pair. A rejection is a
// result, not an error, so it is never retried.
func (a *Activities) VerifyPair(ctx context.Context, input VerifyPairInput) (*oracle.Decision, error) {
	defer a.observe("VerifyPair", time.Now())
	if err := a.checkEscrow(input.EscrowAddress); err != nil {
		return nil, err
	}
	decision := a.engine.Verify(ctx, input.Pair)
	return &decision, nil
}

// ExecuteSettlement renews the workflow's lease and submits the authorized
// legs of one pair. The workflow runs it with a single attempt; the next
// cycle retries a failed pair.
func (a *Activities) ExecuteSettlement(ctx context.Context, input ExecuteSettlementInput) (*settlement.Execution, error) {
	defer a.observe("ExecuteSettlement", time.Now())
	if err := a.checkEscrow(input.EscrowAddress); err != nil {
		return nil, err
	}
	exec, err := a.engine.Execute(ctx, input.Holder, input.Pair, input.Decision)
	if errors.Is(err, settlement.ErrLeaseLost) {
		return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypeLeaseLost, err)
	}
	return exec, err
}
