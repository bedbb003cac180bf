package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/ledger"
	"github.com/brojonat/escrowd/service/metrics"
	natspkg "github.com/brojonat/escrowd/service/nats"
	"github.com/brojonat/escrowd/service/oracle"
	"github.com/google/uuid"
)

const defaultLeaseTTL = 5 * time.Minute

// Config configures an Engine.
type Config struct {
	EscrowAddress string
	// LeaseTTL bounds how long a crashed cycle blocks the next one.
	LeaseTTL time.Duration
}

// Engine drives reconciliation cycles for one escrow account. Its stage
// methods are exported so durable workflows run the same code as RunCycle.
type Engine struct {
	escrow    string
	leaseTTL  time.Duration
	store     Store
	ledger    ledger.Client
	verifier  Verifier
	publisher natspkg.Publisher

	ingestor *Ingestor
	matcher  *Matcher
	executor *Executor

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine wires an Engine. publisher and m may be nil.
func NewEngine(cfg Config, store Store, client ledger.Client, verifier Verifier, publisher natspkg.Publisher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	logger = logger.With("component", "settlement", "escrow", cfg.EscrowAddress)
	return &Engine{
		escrow:    cfg.EscrowAddress,
		leaseTTL:  cfg.LeaseTTL,
		store:     store,
		ledger:    client,
		verifier:  verifier,
		publisher: publisher,
		ingestor:  NewIngestor(store, client, publisher, m, logger),
		matcher:   NewMatcher(store, client.NativeCurrency(), m, logger),
		executor:  NewExecutor(store, m, logger),
		metrics:   m,
		logger:    logger,
	}
}

// EscrowAddress returns the escrow account this engine settles.
func (e *Engine) EscrowAddress() string { return e.escrow }

// RunCycle runs one full reconciliation cycle: ingest, match, verify and
// execute, in that order, with no internal parallelism. It returns
// ErrCycleInProgress when another cycle holds the lease, and ErrLeaseLost if
// the lease expired and was taken over before a pair was executed. A pair the
// oracle rejects or whose legs fail is counted, not returned as an error.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	result := &CycleResult{EscrowAddress: e.escrow}

	holder, err := e.AcquireLease(ctx)
	if err != nil {
		return nil, err
	}
	defer e.ReleaseLease(context.WithoutCancel(ctx), holder)

	err = e.WithConn(ctx, func(conn ledger.Conn) error {
		ingested, err := e.ingestor.Ingest(ctx, conn, e.escrow)
		if err != nil {
			return err
		}
		result.Ingested = ingested.Inserted

		pairs, err := e.matcher.FindCandidatePairs(ctx, e.escrow)
		if err != nil {
			return err
		}
		result.Candidates = len(pairs)

		for _, pair := range pairs {
			if err := ctx.Err(); err != nil {
				return err
			}

			decision := e.Verify(ctx, pair)
			if !decision.Approved {
				result.Rejected++
				continue
			}
			result.Approved++

			if err := e.RenewLease(ctx, holder); err != nil {
				return err
			}
			exec, err := e.executor.Execute(ctx, conn, holder, pair, decision)
			if err != nil {
				return err
			}
			if !exec.Settled {
				result.Failed++
				continue
			}
			result.Settled++
			e.publishSettlement(ctx, pair, decision, exec)
		}
		return nil
	})

	result.Duration = time.Since(start)
	e.recordCycle(result, err)
	if err != nil {
		e.logger.ErrorContext(ctx, "reconciliation cycle failed", "error", err, "duration", result.Duration)
		return result, err
	}

	e.logger.InfoContext(ctx, "reconciliation cycle completed",
		"ingested", result.Ingested,
		"candidates", result.Candidates,
		"approved", result.Approved,
		"rejected", result.Rejected,
		"settled", result.Settled,
		"failed", result.Failed,
		"duration", result.Duration,
	)
	return result, nil
}

// AcquireLease takes the single-flight lease for this escrow account and
// returns the holder ID to release it with.
func (e *Engine) AcquireLease(ctx context.Context) (string, error) {
	holder := uuid.NewString()
	ok, err := e.store.AcquireCycleLease(ctx, leaseName(e.escrow), holder, e.leaseTTL)
	if err != nil {
		return "", fmt.Errorf("failed to acquire cycle lease: %w", err)
	}
	if !ok {
		return "", ErrCycleInProgress
	}
	return holder, nil
}

// RenewLease extends holder's lease by a full TTL. It returns ErrLeaseLost
// when another holder took the lease after it expired.
func (e *Engine) RenewLease(ctx context.Context, holder string) error {
	ok, err := e.store.AcquireCycleLease(ctx, leaseName(e.escrow), holder, e.leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to renew cycle lease: %w", err)
	}
	if !ok {
		e.logger.WarnContext(ctx, "cycle lease taken over", "holder", holder)
		return ErrLeaseLost
	}
	return nil
}

// ReleaseLease gives up the lease. Failures are logged; the lease expires on its own.
func (e *Engine) ReleaseLease(ctx context.Context, holder string) {
	if err := e.store.ReleaseCycleLease(ctx, leaseName(e.escrow), holder); err != nil {
		e.logger.WarnContext(ctx, "failed to release cycle lease", "holder", holder, "error", err)
	}
}

// WithConn connects to the ledger, runs fn and disconnects on every exit path.
func (e *Engine) WithConn(ctx context.Context, fn func(conn ledger.Conn) error) error {
	conn, err := e.ledger.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to ledger: %w", err)
	}
	defer func() {
		if err := conn.Disconnect(context.WithoutCancel(ctx)); err != nil {
			e.logger.WarnContext(ctx, "failed to disconnect from ledger", "error", err)
		}
	}()
	return fn(conn)
}

// Ingest runs the ingestion stage on its own connection.
func (e *Engine) Ingest(ctx context.Context) (*IngestResult, error) {
	var result *IngestResult
	err := e.WithConn(ctx, func(conn ledger.Conn) error {
		var err error
		result, err = e.ingestor.Ingest(ctx, conn, e.escrow)
		return err
	})
	return result, err
}

// FindCandidatePairs runs the matching stage.
func (e *Engine) FindCandidatePairs(ctx context.Context) ([]Pair, error) {
	return e.matcher.FindCandidatePairs(ctx, e.escrow)
}

// Verify asks the oracle to authorize pair.
func (e *Engine) Verify(ctx context.Context, pair Pair) oracle.Decision {
	decision := e.verifier.Verify(ctx, pair.Proposal())
	if e.metrics != nil {
		outcome := "approved"
		if !decision.Approved {
			outcome = "rejected"
		}
		e.metrics.RecordPairs(e.escrow, outcome, 1)
	}
	return decision
}

// Execute renews holder's lease, then runs the execution stage for one
// approved pair on its own connection and publishes a settlement event on
// success.
func (e *Engine) Execute(ctx context.Context, holder string, pair Pair, decision oracle.Decision) (*Execution, error) {
	if err := e.RenewLease(ctx, holder); err != nil {
		return nil, err
	}
	var exec *Execution
	err := e.WithConn(ctx, func(conn ledger.Conn) error {
		var err error
		exec, err = e.executor.Execute(ctx, conn, holder, pair, decision)
		return err
	})
	if err != nil {
		return nil, err
	}
	if exec.Settled {
		e.publishSettlement(ctx, pair, decision, exec)
	}
	return exec, nil
}

func (e *Engine) publishSettlement(ctx context.Context, pair Pair, decision oracle.Decision, exec *Execution) {
	if e.metrics != nil {
		e.metrics.RecordPairs(e.escrow, "settled", 1)
	}
	if e.publisher == nil {
		return
	}

	event := &natspkg.SettlementEvent{
		EscrowAddress:      e.escrow,
		SellHash:           pair.Sell.Hash,
		BuyHash:            pair.Buy.Hash,
		Seller:             pair.Proposal().Seller,
		Buyer:              pair.Proposal().Buyer,
		PaymentAmount:      decision.PaymentLeg.Amount,
		PaymentToken:       decision.PaymentLeg.Token,
		PaymentLedgerHash:  exec.LedgerHashes[db.LegPayment],
		TransferAmount:     decision.TransferLeg.Amount,
		TransferToken:      decision.TransferLeg.Token,
		TransferLedgerHash: exec.LedgerHashes[db.LegTransfer],
		SettledAt:          time.Now().UTC(),
	}
	if err := e.publisher.PublishSettlement(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish settlement event", "sell_hash", pair.Sell.Hash, "error", err)
	}
}

func (e *Engine) recordCycle(result *CycleResult, err error) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordCycle(e.escrow, status, result.Duration.Seconds())
}
