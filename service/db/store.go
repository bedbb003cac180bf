package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/escrowd/service/db/dbgen"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadySettled is returned when either leg of a pair was already settled.
	ErrAlreadySettled = errors.New("pair already settled")
	// ErrLegNotClaimed is returned when a leg is resolved by a holder that no longer owns its pending claim.
	ErrLegNotClaimed = errors.New("settlement leg not claimed by holder")
)

// Settlement leg names.
const (
	LegPayment  = "payment"
	LegTransfer = "transfer"
)

// Settlement leg states. A leg is claimed as pending before it is submitted,
// and only a failed leg may be claimed again.
const (
	LegStatusPending   = "pending"
	LegStatusConfirmed = "confirmed"
	LegStatusFailed    = "failed"
)

// Store provides database operations for the service.
// It wraps the generated sqlc Queries with domain types.
type Store struct {
	pool    *pgxpool.Pool
	q       *dbgen.Queries
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no query metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		q:       dbgen.New(pool),
		metrics: m,
	}
}

// EscrowAccount is a monitored escrow account and its ingestion cursor.
type EscrowAccount struct {
	Address   string
	Cursor    []byte // nil until the first page was fetched
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is a stored ledger payment observed on an escrow account.
type Transaction struct {
	Hash        string
	Type        string
	Account     string
	Sender      *string
	Recipient   *string // nil when the memo carried no usable intent
	Asset       *string
	Amount      decimal.Decimal
	Currency    string
	Price       *decimal.Decimal
	MemoStatus  string
	LedgerIndex int64
	Settled     bool
	SettledAt   *time.Time
	CreatedAt   time.Time
}

// CreateTransactionParams contains the parameters for storing a transaction.
type CreateTransactionParams struct {
	Hash        string
	Type        string
	Account     string
	Sender      *string
	Recipient   *string
	Asset       *string
	Amount      decimal.Decimal
	Currency    string
	Price       *decimal.Decimal
	MemoStatus  string
	LedgerIndex int64
}

// ListTransactionsByAccountParams contains pagination parameters.
type ListTransactionsByAccountParams struct {
	Account string
	Limit   int32
	Offset  int32
}

// CandidatePair is a sell-leg joined with the buy-leg sent by its intended recipient.
type CandidatePair struct {
	Sell *Transaction
	Buy  *Transaction
}

// SettlementLeg records one claimed settlement payment and how it resolved.
type SettlementLeg struct {
	SellHash    string
	BuyHash     string
	Leg         string
	Status      string
	Holder      string
	LedgerHash  string // empty until the ledger returned a hash
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// LegKey identifies one leg of a pair.
type LegKey struct {
	SellHash string
	BuyHash  string
	Leg      string
}

func (s *Store) observe(op, table string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), err)
	}
}

// GetOrCreateEscrowAccount returns the account, creating it on first use.
func (s *Store) GetOrCreateEscrowAccount(ctx context.Context, address string) (acct *EscrowAccount, err error) {
	start := time.Now()
	defer func() { s.observe("get_or_create", "escrow_accounts", start, err) }()

	result, err := s.q.GetOrCreateEscrowAccount(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create escrow account: %w", err)
	}
	return dbEscrowAccountToDomain(&result), nil
}

// ListEscrowAccounts returns every known escrow account.
func (s *Store) ListEscrowAccounts(ctx context.Context) ([]*EscrowAccount, error) {
	results, err := s.q.ListEscrowAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrow accounts: %w", err)
	}

	accounts := make([]*EscrowAccount, len(results))
	for i := range results {
		accounts[i] = dbEscrowAccountToDomain(&results[i])
	}
	return accounts, nil
}

// UpdateEscrowAccountCursor stores the ingestion cursor.
func (s *Store) UpdateEscrowAccountCursor(ctx context.Context, address string, cursor []byte) (err error) {
	start := time.Now()
	defer func() { s.observe("update_cursor", "escrow_accounts", start, err) }()

	_, err = s.q.UpdateEscrowAccountCursor(ctx, dbgen.UpdateEscrowAccountCursorParams{
		Address: address,
		Cursor:  cursor,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("escrow account %s: %w", address, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	return nil
}

// InsertTransactions stores records in one pipelined batch. Records whose
// hash is already stored are skipped. Returns the hashes of the new rows.
func (s *Store) InsertTransactions(ctx context.Context, params []CreateTransactionParams) (inserted []string, err error) {
	if len(params) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() { s.observe("insert_batch", "transactions", start, err) }()

	args := make([]dbgen.InsertTransactionsParams, len(params))
	for i, p := range params {
		args[i] = dbgen.InsertTransactionsParams{
			Hash:        p.Hash,
			Type:        p.Type,
			Account:     p.Account,
			Sender:      pgtextFromStringPtr(p.Sender),
			Recipient:   pgtextFromStringPtr(p.Recipient),
			Asset:       pgtextFromStringPtr(p.Asset),
			Amount:      p.Amount,
			Currency:    p.Currency,
			Price:       nullDecimalFromPtr(p.Price),
			MemoStatus:  p.MemoStatus,
			LedgerIndex: p.LedgerIndex,
		}
	}

	var batchErr error
	s.q.InsertTransactions(ctx, args).QueryRow(func(i int, hash string, err error) {
		switch {
		case err == nil:
			inserted = append(inserted, hash)
		case errors.Is(err, pgx.ErrNoRows):
			// ON CONFLICT DO NOTHING returns no row for a duplicate
		case batchErr == nil:
			batchErr = fmt.Errorf("failed to insert transaction %s: %w", params[i].Hash, err)
		}
	})
	if batchErr != nil {
		return inserted, batchErr
	}
	return inserted, nil
}

// GetTransactionByHash retrieves a stored transaction.
func (s *Store) GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	result, err := s.q.GetTransactionByHash(ctx, hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return dbTransactionToDomain(&result), nil
}

// ListTransactionsByAccount retrieves an account's transactions, newest ledger first.
func (s *Store) ListTransactionsByAccount(ctx context.Context, params ListTransactionsByAccountParams) ([]*Transaction, error) {
	results, err := s.q.ListTransactionsByAccount(ctx, dbgen.ListTransactionsByAccountParams{
		Account: params.Account,
		Limit:   params.Limit,
		Offset:  params.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	transactions := make([]*Transaction, len(results))
	for i := range results {
		transactions[i] = dbTransactionToDomain(&results[i])
	}
	return transactions, nil
}

// CountUnsettled counts an account's unsettled transactions.
func (s *Store) CountUnsettled(ctx context.Context, account string) (int64, error) {
	n, err := s.q.CountUnsettledByAccount(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsettled transactions: %w", err)
	}
	return n, nil
}

// ListCandidatePairs joins every unsettled non-native sell-leg with each
// unsettled native buy-leg whose sender is the sell-leg's recipient. Rows are
// ordered by sell-leg, then buy-leg, each by ledger index and hash.
func (s *Store) ListCandidatePairs(ctx context.Context, account, nativeCurrency string) (pairs []CandidatePair, err error) {
	start := time.Now()
	defer func() { s.observe("candidate_pairs", "transactions", start, err) }()

	rows, err := s.q.ListCandidatePairs(ctx, dbgen.ListCandidatePairsParams{
		NativeCurrency: nativeCurrency,
		Account:        account,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate pairs: %w", err)
	}

	pairs = make([]CandidatePair, len(rows))
	for i := range rows {
		pairs[i] = CandidatePair{
			Sell: dbTransactionToDomain(&rows[i].Transaction),
			Buy:  dbTransactionToDomain(&rows[i].Transaction_2),
		}
	}
	return pairs, nil
}

// MarkPairSettled flips both legs to settled in one transaction. If either
// leg was already settled nothing changes and ErrAlreadySettled is returned.
func (s *Store) MarkPairSettled(ctx context.Context, sellHash, buyHash string) (err error) {
	start := time.Now()
	defer func() { s.observe("mark_settled", "transactions", start, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	q := s.q.WithTx(tx)
	for _, hash := range []string{sellHash, buyHash} {
		n, err := q.MarkTransactionSettled(ctx, hash)
		if err != nil {
			return fmt.Errorf("failed to mark %s settled: %w", hash, err)
		}
		if n == 0 {
			return fmt.Errorf("transaction %s: %w", hash, ErrAlreadySettled)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

// ClaimSettlementLeg records a pending claim on a leg for holder. It reports
// false when the leg is already pending or confirmed; a failed leg is reclaimed.
func (s *Store) ClaimSettlementLeg(ctx context.Context, key LegKey, holder string) (claimed bool, err error) {
	start := time.Now()
	defer func() { s.observe("claim_leg", "settlement_legs", start, err) }()

	_, err = s.q.ClaimSettlementLeg(ctx, dbgen.ClaimSettlementLegParams{
		SellHash: key.SellHash,
		BuyHash:  key.BuyHash,
		Leg:      key.Leg,
		Holder:   holder,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim settlement leg: %w", err)
	}
	return true, nil
}

// ConfirmSettlementLeg marks holder's pending leg as confirmed on-ledger.
func (s *Store) ConfirmSettlementLeg(ctx context.Context, key LegKey, holder, ledgerHash string) error {
	n, err := s.q.ConfirmSettlementLeg(ctx, dbgen.ConfirmSettlementLegParams{
		LedgerHash: pgtextFromString(ledgerHash),
		SellHash:   key.SellHash,
		BuyHash:    key.BuyHash,
		Leg:        key.Leg,
		Holder:     holder,
	})
	if err != nil {
		return fmt.Errorf("failed to confirm settlement leg: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s leg of %s/%s: %w", key.Leg, key.SellHash, key.BuyHash, ErrLegNotClaimed)
	}
	return nil
}

// FailSettlementLeg marks holder's pending leg as failed so a later cycle may
// claim it again. ledgerHash may be empty.
func (s *Store) FailSettlementLeg(ctx context.Context, key LegKey, holder, ledgerHash string) error {
	n, err := s.q.FailSettlementLeg(ctx, dbgen.FailSettlementLegParams{
		LedgerHash: pgtextFromString(ledgerHash),
		SellHash:   key.SellHash,
		BuyHash:    key.BuyHash,
		Leg:        key.Leg,
		Holder:     holder,
	})
	if err != nil {
		return fmt.Errorf("failed to fail settlement leg: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s leg of %s/%s: %w", key.Leg, key.SellHash, key.BuyHash, ErrLegNotClaimed)
	}
	return nil
}

// ListSettlementLegs returns every claimed leg of a pair.
func (s *Store) ListSettlementLegs(ctx context.Context, sellHash, buyHash string) ([]*SettlementLeg, error) {
	results, err := s.q.ListSettlementLegs(ctx, dbgen.ListSettlementLegsParams{
		SellHash: sellHash,
		BuyHash:  buyHash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement legs: %w", err)
	}

	legs := make([]*SettlementLeg, len(results))
	for i, r := range results {
		legs[i] = &SettlementLeg{
			SellHash:    r.SellHash,
			BuyHash:     r.BuyHash,
			Leg:         r.Leg,
			Status:      r.Status,
			Holder:      r.Holder,
			LedgerHash:  r.LedgerHash.String,
			SubmittedAt: r.SubmittedAt.Time,
			UpdatedAt:   r.UpdatedAt.Time,
		}
	}
	return legs, nil
}

// AcquireCycleLease takes the named lease for holder unless another holder
// has an unexpired claim. Re-acquiring an owned lease extends it.
func (s *Store) AcquireCycleLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	_, err := s.q.AcquireCycleLease(ctx, dbgen.AcquireCycleLeaseParams{
		Name:   name,
		Holder: holder,
		Ttl:    pgIntervalFromDuration(ttl),
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire cycle lease: %w", err)
	}
	return true, nil
}

// ReleaseCycleLease drops the lease if holder still owns it.
func (s *Store) ReleaseCycleLease(ctx context.Context, name, holder string) error {
	if _, err := s.q.ReleaseCycleLease(ctx, dbgen.ReleaseCycleLeaseParams{Name: name, Holder: holder}); err != nil {
		return fmt.Errorf("failed to release cycle lease: %w", err)
	}
	return nil
}

// Helper functions to convert between sqlc types and domain types

func dbEscrowAccountToDomain(db *dbgen.EscrowAccount) *EscrowAccount {
	return &EscrowAccount{
		Address:   db.Address,
		Cursor:    db.Cursor,
		CreatedAt: db.CreatedAt.Time,
		UpdatedAt: db.UpdatedAt.Time,
	}
}

func dbTransactionToDomain(db *dbgen.Transaction) *Transaction {
	return &Transaction{
		Hash:        db.Hash,
		Type:        db.Type,
		Account:     db.Account,
		Sender:      stringPtrFromPgtext(db.Sender),
		Recipient:   stringPtrFromPgtext(db.Recipient),
		Asset:       stringPtrFromPgtext(db.Asset),
		Amount:      db.Amount,
		Currency:    db.Currency,
		Price:       decimalPtrFromNull(db.Price),
		MemoStatus:  db.MemoStatus,
		LedgerIndex: db.LedgerIndex,
		Settled:     db.Settled,
		SettledAt:   timePtrFromPgTimestamptz(db.SettledAt),
		CreatedAt:   db.CreatedAt.Time,
	}
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func pgtextFromString(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func nullDecimalFromPtr(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtrFromNull(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}

func pgIntervalFromDuration(d time.Duration) pgtype.Interval {
	return pgtype.Interval{
		Microseconds: d.Microseconds(),
		Valid:        true,
	}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
