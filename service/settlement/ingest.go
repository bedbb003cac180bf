package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/ledger"
	"github.com/brojonat/escrowd/service/memo"
	"github.com/brojonat/escrowd/service/metrics"
	natspkg "github.com/brojonat/escrowd/service/nats"
)

// IngestResult counts what one ingestion pass saw.
type IngestResult struct {
	Fetched   int      `json:"fetched"`
	Discarded int      `json:"discarded"`
	Inserted  int      `json:"inserted"`
	Hashes    []string `json:"hashes,omitempty"`
}

// Ingestor copies escrow payments from the ledger into the store.
type Ingestor struct {
	store          Store
	nativeCurrency string
	nativeDecimals int32
	publisher      natspkg.Publisher
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewIngestor creates an Ingestor. publisher and m may be nil.
func NewIngestor(store Store, client ledger.Client, publisher natspkg.Publisher, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:          store,
		nativeCurrency: client.NativeCurrency(),
		nativeDecimals: client.NativeDecimals(),
		publisher:      publisher,
		metrics:        m,
		logger:         logger,
	}
}

// Ingest fetches the next page of the escrow account's history and stores
// its payments. The cursor is persisted before any record is written, so a
// crash in between re-reads a little history but never skips any. A ledger
// failure leaves the cursor untouched.
func (i *Ingestor) Ingest(ctx context.Context, conn ledger.Conn, escrow string) (*IngestResult, error) {
	acct, err := i.store.GetOrCreateEscrowAccount(ctx, escrow)
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow account: %w", err)
	}

	page, err := conn.AccountTransactions(ctx, escrow, ledger.Cursor(acct.Cursor))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account transactions: %w", err)
	}

	if page.NextCursor != nil {
		if err := i.store.UpdateEscrowAccountCursor(ctx, escrow, page.NextCursor); err != nil {
			return nil, fmt.Errorf("failed to persist cursor: %w", err)
		}
	}

	result := &IngestResult{Fetched: len(page.Transactions)}
	skipped := map[string]int{}
	params := make([]db.CreateTransactionParams, 0, len(page.Transactions))
	for _, txn := range page.Transactions {
		if reason := i.discardReason(txn, escrow); reason != "" {
			skipped[reason]++
			continue
		}
		params = append(params, i.record(txn, escrow))
	}
	for _, n := range skipped {
		result.Discarded += n
	}

	inserted, err := i.store.InsertTransactions(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to store transactions: %w", err)
	}
	result.Inserted = len(inserted)
	result.Hashes = inserted

	if i.metrics != nil {
		i.metrics.RecordTransactionsFetched(escrow, result.Fetched)
		i.metrics.RecordTransactionsWritten(escrow, result.Inserted)
		for reason, n := range skipped {
			i.metrics.RecordTransactionsSkipped(escrow, reason, n)
		}
		if dups := len(params) - result.Inserted; dups > 0 {
			i.metrics.RecordTransactionsSkipped(escrow, "duplicate", dups)
		}
		if len(params) > 0 {
			i.metrics.RecordDuplicateRatio(escrow, float64(len(params)-result.Inserted)/float64(len(params)))
		}
	}

	i.publish(ctx, params, inserted)

	i.logger.InfoContext(ctx, "ingested escrow transactions",
		"escrow", escrow,
		"fetched", result.Fetched,
		"discarded", result.Discarded,
		"inserted", result.Inserted,
	)
	return result, nil
}

// discardReason returns why a ledger transaction is not stored, or "" to keep it.
func (i *Ingestor) discardReason(txn ledger.Transaction, escrow string) string {
	switch {
	case txn.Type != ledger.TypePayment:
		return "not_payment"
	case !txn.Succeeded:
		return "failed"
	case txn.Sender == escrow:
		return "outgoing"
	}
	return ""
}

func (i *Ingestor) record(txn ledger.Transaction, escrow string) db.CreateTransactionParams {
	amount, currency := ledger.NormalizeAmount(txn.Amount, i.nativeCurrency, i.nativeDecimals)
	decoded := memo.DecodeFirst(txn.Memos)

	p := db.CreateTransactionParams{
		Hash:        txn.Hash,
		Type:        txn.Type,
		Account:     escrow,
		Amount:      amount,
		Currency:    currency,
		MemoStatus:  string(decoded.Status),
		LedgerIndex: txn.LedgerIndex,
	}
	if txn.Sender != "" {
		sender := txn.Sender
		p.Sender = &sender
	}
	if decoded.Present() {
		intent := decoded.Intent
		p.Asset = &intent.Asset
		p.Recipient = &intent.Recipient
		p.Price = &intent.Price
	} else if decoded.Status == memo.StatusMalformed {
		i.logger.Debug("malformed memo", "hash", txn.Hash, "error", decoded.Err)
	}
	return p
}

func (i *Ingestor) publish(ctx context.Context, params []db.CreateTransactionParams, inserted []string) {
	if i.publisher == nil || len(inserted) == 0 {
		return
	}
	isNew := make(map[string]bool, len(inserted))
	for _, h := range inserted {
		isNew[h] = true
	}
	events := make([]*natspkg.TransactionEvent, 0, len(inserted))
	for _, p := range params {
		if isNew[p.Hash] {
			events = append(events, natspkg.FromCreateParams(p))
		}
	}
	if err := i.publisher.PublishTransactionBatch(ctx, events); err != nil {
		i.logger.WarnContext(ctx, "failed to publish transaction events", "error", err)
	}
}
