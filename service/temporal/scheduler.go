package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/escrowd/service/settlement"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Scheduler manages the periodic reconciliation schedule of escrow accounts.
// Each account gets one schedule that starts ReconcileEscrowWorkflow.
type Scheduler interface {
	// UpsertReconcileSchedule creates the schedule or updates its interval.
	UpsertReconcileSchedule(ctx context.Context, escrow string, interval time.Duration) error

	// DeleteReconcileSchedule stops periodic reconciliation of an account.
	DeleteReconcileSchedule(ctx context.Context, escrow string) error
}

// CycleRunner runs a reconciliation cycle on demand and waits for it.
type CycleRunner interface {
	RunCycleNow(ctx context.Context, escrow string) (*settlement.CycleResult, error)
}

// LocalRunner runs cycles in-process, without a Temporal cluster.
type LocalRunner struct {
	engine *settlement.Engine
}

var _ CycleRunner = (*LocalRunner)(nil)

// NewLocalRunner creates a CycleRunner backed directly by engine.
func NewLocalRunner(engine *settlement.Engine) *LocalRunner {
	return &LocalRunner{engine: engine}
}

func (r *LocalRunner) RunCycleNow(ctx context.Context, escrow string) (*settlement.CycleResult, error) {
	if escrow != r.engine.EscrowAddress() {
		return nil, fmt.Errorf("escrow account %s is not served by this engine", escrow)
	}
	return r.engine.RunCycle(ctx)
}

// IsCycleInProgress reports whether err means another cycle holds the account,
// whether it came from the engine directly or through a workflow.
func IsCycleInProgress(err error) bool {
	if errors.Is(err, settlement.ErrCycleInProgress) {
		return true
	}
	var appErr *temporalsdk.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == ErrTypeCycleInProgress
}

func scheduleID(escrow string) string {
	return "reconcile-escrow-schedule-" + escrow
}

// workflowID is shared by every on-demand cycle of an account so that
// concurrent triggers attach to the run already in flight.
func workflowID(escrow string) string {
	return "reconcile-escrow-" + escrow
}
