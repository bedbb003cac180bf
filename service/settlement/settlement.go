// Package settlement runs the reconciliation cycle: ingest escrow payments
// from the ledger, match sell-legs with buy-legs, have the trust oracle
// authorize each pair, and pay both sides out of the escrow account.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/oracle"
	"github.com/shopspring/decimal"
)

// ErrCycleInProgress is returned when another cycle holds the lease for the
// same escrow account.
var ErrCycleInProgress = errors.New("reconciliation cycle already in progress")

// ErrLeaseLost is returned when a cycle finds its lease taken by another holder.
var ErrLeaseLost = errors.New("reconciliation cycle lease lost")

// ErrNotApproved is returned when Execute is handed a rejected decision.
var ErrNotApproved = errors.New("pair not approved by oracle")

// Store is the persistence the engine needs. db.Store and db.MemoryStore
// both implement it.
type Store interface {
	GetOrCreateEscrowAccount(ctx context.Context, address string) (*db.EscrowAccount, error)
	UpdateEscrowAccountCursor(ctx context.Context, address string, cursor []byte) error
	InsertTransactions(ctx context.Context, params []db.CreateTransactionParams) ([]string, error)
	ListCandidatePairs(ctx context.Context, account, nativeCurrency string) ([]db.CandidatePair, error)
	MarkPairSettled(ctx context.Context, sellHash, buyHash string) error
	ClaimSettlementLeg(ctx context.Context, key db.LegKey, holder string) (bool, error)
	ConfirmSettlementLeg(ctx context.Context, key db.LegKey, holder, ledgerHash string) error
	FailSettlementLeg(ctx context.Context, key db.LegKey, holder, ledgerHash string) error
	ListSettlementLegs(ctx context.Context, sellHash, buyHash string) ([]*db.SettlementLeg, error)
	AcquireCycleLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseCycleLease(ctx context.Context, name, holder string) error
}

// Verifier authorizes a proposed pair.
type Verifier interface {
	Verify(ctx context.Context, p oracle.Proposal) oracle.Decision
}

// Pair is a matched sell-leg and buy-leg awaiting verification.
type Pair struct {
	Sell *db.Transaction `json:"sell"`
	Buy  *db.Transaction `json:"buy"`
}

// Proposal renders the pair as an oracle request. The memo terms only
// propose the check; the oracle decides what is paid.
func (p Pair) Proposal() oracle.Proposal {
	prop := oracle.Proposal{
		SellHash:      p.Sell.Hash,
		TokenAmount:   p.Sell.Amount,
		BuyHash:       p.Buy.Hash,
		PaymentAmount: p.Buy.Amount,
		Price:         decimal.Zero,
	}
	if p.Sell.Sender != nil {
		prop.Seller = *p.Sell.Sender
	}
	if p.Sell.Recipient != nil {
		prop.SellTo = *p.Sell.Recipient
	}
	if p.Sell.Price != nil {
		prop.Price = *p.Sell.Price
	}
	if p.Buy.Sender != nil {
		prop.Buyer = *p.Buy.Sender
	}
	return prop
}

// CycleResult summarizes one reconciliation cycle.
type CycleResult struct {
	EscrowAddress string        `json:"escrow_address"`
	Ingested      int           `json:"ingested"`
	Candidates    int           `json:"candidates"`
	Approved      int           `json:"approved"`
	Rejected      int           `json:"rejected"`
	Settled       int           `json:"settled"`
	Failed        int           `json:"failed"`
	Duration      time.Duration `json:"duration"`
}

func leaseName(escrow string) string {
	return "cycle:" + escrow
}
