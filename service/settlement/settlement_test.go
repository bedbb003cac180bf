package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/ledger"
	"github.com/brojonat/escrowd/service/memo"
	"github.com/brojonat/escrowd/service/metrics"
	natspkg "github.com/brojonat/escrowd/service/nats"
	"github.com/brojonat/escrowd/service/oracle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const escrow = "rEscrow"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLedger is an in-memory ledger.Client.
type fakeLedger struct {
	mu sync.Mutex

	page       *ledger.Page
	fetchErr   error
	connectErr error
	failAssets map[string]bool
	submitErrs map[string]error
	// onSubmit runs at the start of every SignAndSubmit, outside the lock.
	onSubmit func(req ledger.PaymentRequest)

	cursors     []ledger.Cursor
	submitted   []ledger.PaymentRequest
	connects    int
	disconnects int
}

func newFakeLedger(txns ...ledger.Transaction) *fakeLedger {
	return &fakeLedger{
		page:       &ledger.Page{Transactions: txns, NextCursor: ledger.Cursor(`{"ledger_index_min":11}`)},
		failAssets: map[string]bool{},
		submitErrs: map[string]error{},
	}
}

func (l *fakeLedger) NativeCurrency() string { return "XRP" }
func (l *fakeLedger) NativeDecimals() int32  { return 6 }

func (l *fakeLedger) Connect(ctx context.Context) (ledger.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connectErr != nil {
		return nil, l.connectErr
	}
	l.connects++
	return &fakeConn{l: l}, nil
}

type fakeConn struct{ l *fakeLedger }

func (c *fakeConn) AccountTransactions(ctx context.Context, address string, cursor ledger.Cursor) (*ledger.Page, error) {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	c.l.cursors = append(c.l.cursors, cursor)
	if c.l.fetchErr != nil {
		return nil, c.l.fetchErr
	}
	return c.l.page, nil
}

func (c *fakeConn) BuildUnsignedPayment(ctx context.Context, req ledger.PaymentRequest) (*ledger.UnsignedTx, error) {
	return &ledger.UnsignedTx{Request: req}, nil
}

func (c *fakeConn) SignAndSubmit(ctx context.Context, tx *ledger.UnsignedTx) (*ledger.SubmitResult, error) {
	c.l.mu.Lock()
	hook := c.l.onSubmit
	c.l.mu.Unlock()
	if hook != nil {
		hook(tx.Request)
	}

	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	if err := c.l.submitErrs[tx.Request.AssetCode]; err != nil {
		return nil, err
	}
	if c.l.failAssets[tx.Request.AssetCode] {
		return &ledger.SubmitResult{Success: false, Code: "tecPATH_DRY"}, nil
	}
	c.l.submitted = append(c.l.submitted, tx.Request)
	return &ledger.SubmitResult{
		Success:    true,
		LedgerHash: fmt.Sprintf("L%d-%s", len(c.l.submitted), tx.Request.AssetCode),
		Code:       "tesSUCCESS",
	}, nil
}

func (c *fakeConn) Disconnect(ctx context.Context) error {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	c.l.disconnects++
	return nil
}

func (l *fakeLedger) submissions() []ledger.PaymentRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.PaymentRequest(nil), l.submitted...)
}

// fakeVerifier returns a fixed decision and records what it was asked.
type fakeVerifier struct {
	decision oracle.Decision
	// reject lists sell-leg hashes the oracle turns down.
	reject    map[string]bool
	onVerify  func(p oracle.Proposal)
	proposals []oracle.Proposal
}

func (v *fakeVerifier) Verify(ctx context.Context, p oracle.Proposal) oracle.Decision {
	v.proposals = append(v.proposals, p)
	if v.onVerify != nil {
		v.onVerify(p)
	}
	if v.reject[p.SellHash] {
		return oracle.Decision{Reason: `oracle result "NoMatch"`}
	}
	return v.decision
}

// testClock is a settable clock for MemoryStore.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(store *db.MemoryStore) *testClock {
	c := &testClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	store.Now = c.Now
	return c
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func approve() oracle.Decision {
	return oracle.Decision{
		Approved:    true,
		PaymentLeg:  &oracle.Authorization{Recipient: "rSeller", Amount: decimal.NewFromInt(1), Token: "xrp"},
		TransferLeg: &oracle.Authorization{Recipient: "rBuyer", Amount: decimal.NewFromInt(10), Token: "gold"},
	}
}

func sellTxn(hash, sender, recipient string, ledgerIndex int64) ledger.Transaction {
	return ledger.Transaction{
		Hash:        hash,
		Type:        ledger.TypePayment,
		Sender:      sender,
		Destination: escrow,
		Amount:      ledger.Amount{Value: decimal.NewFromInt(10), Currency: "GOLD", Issuer: "rIssuer"},
		Memos:       []string{memo.Encode(memo.Intent{Asset: "GOLD", Recipient: recipient, Price: decimal.NewFromInt(5)})},
		LedgerIndex: ledgerIndex,
		Succeeded:   true,
	}
}

func buyTxn(hash, sender string, ledgerIndex int64) ledger.Transaction {
	return ledger.Transaction{
		Hash:        hash,
		Type:        ledger.TypePayment,
		Sender:      sender,
		Destination: escrow,
		Amount:      ledger.Amount{Native: true, Value: decimal.NewFromInt(1000000)},
		LedgerIndex: ledgerIndex,
		Succeeded:   true,
	}
}

type harness struct {
	store     *db.MemoryStore
	ledger    *fakeLedger
	verifier  *fakeVerifier
	publisher *natspkg.MockPublisher
	engine    *Engine
}

func newHarness(t *testing.T, l *fakeLedger) *harness {
	t.Helper()
	h := &harness{
		store:     db.NewMemoryStore(),
		ledger:    l,
		verifier:  &fakeVerifier{decision: approve()},
		publisher: natspkg.NewMockPublisher(),
	}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	h.engine = NewEngine(Config{EscrowAddress: escrow}, h.store, l, h.verifier, h.publisher, m, testLogger())
	return h
}

func (h *harness) get(t *testing.T, hash string) *db.Transaction {
	t.Helper()
	txn, err := h.store.GetTransactionByHash(context.Background(), hash)
	require.NoError(t, err)
	return txn
}

func TestIngest(t *testing.T) {
	ctx := context.Background()

	notPayment := buyTxn("T1", "rSomeone", 12)
	notPayment.Type = "OfferCreate"
	failed := buyTxn("T2", "rSomeone", 12)
	failed.Succeeded = false
	outgoing := buyTxn("T3", escrow, 12)
	outgoing.Destination = "rSomeone"

	h := newHarness(t, newFakeLedger(sellTxn("S1", "rSeller", "rBuyer", 10), buyTxn("B1", "rBuyer", 11), notPayment, failed, outgoing))

	res, err := h.engine.Ingest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Fetched)
	assert.Equal(t, 3, res.Discarded)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, h.ledger.disconnects)

	sell := h.get(t, "S1")
	assert.Equal(t, "GOLD", sell.Currency)
	assert.True(t, decimal.NewFromInt(10).Equal(sell.Amount))
	require.NotNil(t, sell.Recipient)
	assert.Equal(t, "rBuyer", *sell.Recipient)
	require.NotNil(t, sell.Asset)
	assert.Equal(t, "GOLD", *sell.Asset)
	require.NotNil(t, sell.Price)
	assert.True(t, decimal.NewFromInt(5).Equal(*sell.Price))
	assert.Equal(t, string(memo.StatusPresent), sell.MemoStatus)

	buy := h.get(t, "B1")
	assert.Equal(t, "XRP", buy.Currency)
	assert.True(t, decimal.RequireFromString("1.0").Equal(buy.Amount), "1000000 drops is 1 XRP")
	assert.Nil(t, buy.Recipient)
	assert.Equal(t, string(memo.StatusAbsent), buy.MemoStatus)

	acct, err := h.store.GetOrCreateEscrowAccount(ctx, escrow)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ledger_index_min":11}`, string(acct.Cursor))

	t.Run("re-ingesting the same page stores nothing new", func(t *testing.T) {
		res, err := h.engine.Ingest(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Inserted)
		assert.Len(t, h.publisher.TransactionEvents(), 2, "events only for new records")
		assert.JSONEq(t, `{"ledger_index_min":11}`, string(h.ledger.cursors[1]), "stored cursor is sent back")
	})
}

func TestIngestMalformedMemo(t *testing.T) {
	txn := sellTxn("S1", "rSeller", "rBuyer", 10)
	txn.Memos = []string{memo.Encode(memo.Intent{Asset: "GOLD", Recipient: "rBuyer"})[:10]}

	h := newHarness(t, newFakeLedger(txn))
	_, err := h.engine.Ingest(context.Background())
	require.NoError(t, err)

	stored := h.get(t, "S1")
	assert.Nil(t, stored.Recipient)
	assert.Nil(t, stored.Price)
	assert.Equal(t, string(memo.StatusMalformed), stored.MemoStatus)
}

func TestIngestLedgerFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	l := newFakeLedger()
	l.fetchErr = errors.New("connection reset")
	h := newHarness(t, l)

	_, err := h.store.GetOrCreateEscrowAccount(ctx, escrow)
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateEscrowAccountCursor(ctx, escrow, []byte(`{"ledger_index_min":3}`)))

	_, err = h.engine.Ingest(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, l.disconnects, "the connection is released on failure")

	acct, err := h.store.GetOrCreateEscrowAccount(ctx, escrow)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ledger_index_min":3}`, string(acct.Cursor))
}

// failingInsertStore fails every insert after the cursor was persisted.
type failingInsertStore struct {
	*db.MemoryStore
}

func (s failingInsertStore) InsertTransactions(ctx context.Context, params []db.CreateTransactionParams) ([]string, error) {
	return nil, errors.New("disk full")
}

func TestIngestPersistsCursorBeforeRecords(t *testing.T) {
	ctx := context.Background()
	mem := db.NewMemoryStore()
	l := newFakeLedger(buyTxn("B1", "rBuyer", 11))
	ing := NewIngestor(failingInsertStore{mem}, l, nil, nil, testLogger())

	conn, err := l.Connect(ctx)
	require.NoError(t, err)

	_, err = ing.Ingest(ctx, conn, escrow)
	require.Error(t, err, "store errors other than duplicates abort the cycle")

	acct, err := mem.GetOrCreateEscrowAccount(ctx, escrow)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ledger_index_min":11}`, string(acct.Cursor))
}

func TestFindCandidatePairs(t *testing.T) {
	ctx := context.Background()

	t.Run("sell-leg joins the buy-leg its recipient sent", func(t *testing.T) {
		h := newHarness(t, newFakeLedger(sellTxn("S1", "rSeller", "rBuyer", 10), buyTxn("B1", "rBuyer", 11)))
		_, err := h.engine.Ingest(ctx)
		require.NoError(t, err)

		pairs, err := h.engine.FindCandidatePairs(ctx)
		require.NoError(t, err)
		require.Len(t, pairs, 1)
		assert.Equal(t, "S1", pairs[0].Sell.Hash)
		assert.Equal(t, "B1", pairs[0].Buy.Hash)

		prop := pairs[0].Proposal()
		assert.Equal(t, "rSeller", prop.Seller)
		assert.Equal(t, "rBuyer", prop.SellTo)
		assert.Equal(t, "rBuyer", prop.Buyer)
		assert.True(t, decimal.NewFromInt(1).Equal(prop.PaymentAmount))
		assert.True(t, decimal.NewFromInt(5).Equal(prop.Price))
	})

	t.Run("no buy-leg from the recipient", func(t *testing.T) {
		h := newHarness(t, newFakeLedger(sellTxn("S1", "rSeller", "rBuyer", 10), buyTxn("B1", "rStranger", 11)))
		_, err := h.engine.Ingest(ctx)
		require.NoError(t, err)

		pairs, err := h.engine.FindCandidatePairs(ctx)
		require.NoError(t, err)
		assert.Empty(t, pairs)
	})

	t.Run("a buy-leg is paired once per cycle", func(t *testing.T) {
		h := newHarness(t, newFakeLedger(
			sellTxn("S1", "rSeller", "rBuyer", 10),
			sellTxn("S2", "rSeller2", "rBuyer", 11),
			buyTxn("B1", "rBuyer", 12),
		))
		_, err := h.engine.Ingest(ctx)
		require.NoError(t, err)

		pairs, err := h.engine.FindCandidatePairs(ctx)
		require.NoError(t, err)
		require.Len(t, pairs, 1)
		assert.Equal(t, "S1", pairs[0].Sell.Hash, "oldest sell-leg first")
	})

	t.Run("each sell-leg takes the next unused buy-leg", func(t *testing.T) {
		h := newHarness(t, newFakeLedger(
			sellTxn("S1", "rSeller", "rBuyer", 10),
			sellTxn("S2", "rSeller2", "rBuyer", 11),
			buyTxn("B1", "rBuyer", 12),
			buyTxn("B2", "rBuyer", 13),
		))
		_, err := h.engine.Ingest(ctx)
		require.NoError(t, err)

		pairs, err := h.engine.FindCandidatePairs(ctx)
		require.NoError(t, err)
		require.Len(t, pairs, 2)
		assert.Equal(t, "S1", pairs[0].Sell.Hash)
		assert.Equal(t, "B1", pairs[0].Buy.Hash)
		assert.Equal(t, "S2", pairs[1].Sell.Hash)
		assert.Equal(t, "B2", pairs[1].Buy.Hash)
	})
}

func TestRunCycleRejectedSellLegDoesNotStarveLaterOnes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeLedger(
		sellTxn("S1", "rSeller", "rBuyer", 10),
		sellTxn("S2", "rSeller2", "rBuyer", 11),
		buyTxn("B1", "rBuyer", 12),
		buyTxn("B2", "rBuyer", 13),
	))
	h.verifier.reject = map[string]bool{"S1": true}

	res, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, res.Settled)

	require.Len(t, h.verifier.proposals, 2)
	assert.Equal(t, "S2", h.verifier.proposals[1].SellHash)
	assert.Equal(t, "B2", h.verifier.proposals[1].BuyHash)

	assert.True(t, h.get(t, "S2").Settled)
	assert.True(t, h.get(t, "B2").Settled)
	assert.False(t, h.get(t, "S1").Settled)
	assert.False(t, h.get(t, "B1").Settled)
}

func TestRunCycleSettles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeLedger(sellTxn("S1", "rSeller", "rBuyer", 10), buyTxn("B1", "rBuyer", 11)))

	res, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ingested)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Approved)
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, h.ledger.connects, "one connection per cycle")
	assert.Equal(t, 1, h.ledger.disconnects)

	submitted := h.ledger.submissions()
	require.Len(t, submitted, 2)
	assert.Equal(t, ledger.PaymentRequest{Recipient: "rSeller", AssetCode: "XRP", Amount: decimal.NewFromInt(1)}, submitted[0])
	assert.Equal(t, ledger.PaymentRequest{Recipient: "rBuyer", AssetCode: "GOLD", Amount: decimal.NewFromInt(10)}, submitted[1])

	require.Len(t, h.verifier.proposals, 1)
	assert.True(t, decimal.NewFromInt(1).Equal(h.verifier.proposals[0].PaymentAmount), "oracle sees major units")

	assert.True(t, h.get(t, "S1").Settled)
	assert.True(t, h.get(t, "B1").Settled)

	events := h.publisher.SettlementEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "S1", events[0].SellHash)
	assert.Equal(t, "L1-XRP", events[0].PaymentLedgerHash)
	assert.Equal(t, "L2-GOLD", events[0].TransferLedgerHash)

	t.Run("settled pairs are never matched again", func(t *testing.T) {
		res, err := h.engine.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Candidates)
		assert.Len(t, h.ledger.submissions(), 2)
		assert.Len(t, h.verifier.proposals, 1)
	})
}

func TestRunCycleOracleGate(t *testing.T) {
	h := newHarness(t, newFakeLedger(sellTxn("S1", "rSeller", "rBuyer", 10), buyTxn("B1", "rBuyer", 11)))
	h.verifier.decision = oracle.Decision{Reason: `oracle result "NoMatch"`}

	res, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err, "a rejection is an outcome, not a failure")
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 0, res.Approved)
	assert.Empty(t, h.ledger.submissions())
	assert.False(t, h.get(t, "S1").Settled)
	assert.False(t, h.get(t, "B1").Settled)
}

func TestRunCyclePartialFailureRetry(t *testing.T) {
	ctx := context.Background()
	l := newFakeLedger(sellTxn("S1", "rSeller", "rBuyer", 10), buyTxn("B1", "rBuyer", 11))
	l.failAssets["GOLD"] = true
	h := newHarness(t, l)

	res, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Settled)
	assert.False(t, h.get(t, "S1").Settled)
	assert.False(t, h.get(t, "B1").Settled)
	require.Len(t, l.submissions(), 1, "only the payment leg went through")

	legs, err := h.store.ListSettlementLegs(ctx, "S1", "B1")
	require.NoError(t, err)
	require.Len(t, legs, 2)
	status := map[string]string{}
	for _, leg := range legs {
		status[leg.Leg] = leg.Status
	}
	assert.Equal(t, db.LegStatusConfirmed, status[db.LegPayment])
	assert.Equal(t, db.LegStatusFailed, status[db.LegTransfer], "a rejected leg can be claimed again")

	l.failAssets["GOLD"] = false
	res, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)

	submitted := l.submissions()
	require.Len(t, submitted, 2, "the confirmed payment leg is not submitted again")
	assert.Equal(t, "GOLD", submitted[1].AssetCode)
	assert.True(t, h.get(t, "S1").Settled)

	events := h.publisher.SettlementEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "L1-XRP", events[0].PaymentLedgerHash)
}

func TestRunCycleUnknownOutcomeIsNotResubmitted(t *testing.T) {
	ctx := context.Background()
	l := newFakeLedger(sellTxn("S1", "rSeller", "rBuyer", 10), buyTxn("B1", "rBuyer", 11))
	l.submitErrs["GOLD"] = errors.New("timed out waiting for validation")
	h := newHarness(t, l)

	attempts := 0
	l.onSubmit = func(req ledger.PaymentRequest) {
		if req.AssetCode == "GOLD" {
			attempts++
		}
	}

	res, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	delete(l.submitErrs, "GOLD")
	res, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed, "a leg that may have landed is left for an operator")
	assert.Equal(t, 1, attempts)
	assert.False(t, h.get(t, "S1").Settled)

	legs, err := h.store.ListSettlementLegs(ctx, "S1", "B1")
	require.NoError(t, err)
	for _, leg := range legs {
		if leg.Leg == db.LegTransfer {
			assert.Equal(t, db.LegStatusPending, leg.Status)
		}
	}
}

func TestRunCycleSingleFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeLedger())

	ok, err := h.store.AcquireCycleLease(ctx, leaseName(escrow), "another-worker", defaultLeaseTTL)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.engine.RunCycle(ctx)
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Equal(t, 0, h.ledger.connects)

	require.NoError(t, h.store.ReleaseCycleLease(ctx, leaseName(escrow), "another-worker"))
	_, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)

	_, err = h.engine.RunCycle(ctx)
	require.NoError(t, err, "the lease is released after each cycle")
}

func TestRunCycleLeaseExpiryDoesNotDoubleSubmit(t *testing.T) {
	ctx := context.Background()
	l := newFakeLedger(sellTxn("S1", "rSeller", "rBuyer", 10), buyTxn("B1", "rBuyer", 11))
	store := db.NewMemoryStore()
	clock := newTestClock(store)

	var (
		mu       sync.Mutex
		attempts = map[string]int{}
		blocked  atomic.Bool
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	l.onSubmit = func(req ledger.PaymentRequest) {
		mu.Lock()
		attempts[req.AssetCode]++
		mu.Unlock()
		if blocked.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
	}

	cfg := Config{EscrowAddress: escrow, LeaseTTL: time.Minute}
	engineA := NewEngine(cfg, store, l, &fakeVerifier{decision: approve()}, nil, nil, testLogger())
	engineB := NewEngine(cfg, store, l, &fakeVerifier{decision: approve()}, nil, nil, testLogger())

	type outcome struct {
		res *CycleResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := engineA.RunCycle(ctx)
		done <- outcome{res, err}
	}()

	<-entered
	clock.Advance(2 * time.Minute)

	resB, err := engineB.RunCycle(ctx)
	require.NoError(t, err, "the expired lease is taken over")
	assert.Equal(t, 1, resB.Approved)
	assert.Equal(t, 1, resB.Failed, "the pending payment leg blocks the pair")
	assert.Equal(t, 0, resB.Settled)

	close(release)
	a := <-done
	require.NoError(t, a.err)
	assert.Equal(t, 1, a.res.Settled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts["XRP"], "payment leg submitted once")
	assert.Equal(t, 1, attempts["GOLD"], "transfer leg submitted once")

	sell, err := store.GetTransactionByHash(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, sell.Settled)
}

func TestRunCycleAbortsWhenLeaseTakenOver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeLedger(sellTxn("S1", "rSeller", "rBuyer", 10), buyTxn("B1", "rBuyer", 11)))
	clock := newTestClock(h.store)
	h.verifier.onVerify = func(oracle.Proposal) {
		clock.Advance(2 * defaultLeaseTTL)
		ok, err := h.store.AcquireCycleLease(ctx, leaseName(escrow), "another-worker", defaultLeaseTTL)
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err := h.engine.RunCycle(ctx)
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.Empty(t, h.ledger.submissions())
	assert.False(t, h.get(t, "S1").Settled)

	ok, err := h.store.AcquireCycleLease(ctx, leaseName(escrow), "third-worker", defaultLeaseTTL)
	require.NoError(t, err)
	assert.False(t, ok, "the new holder keeps its lease")
}

func TestRunCycleConnectFailure(t *testing.T) {
	l := newFakeLedger()
	l.connectErr = errors.New("no route to host")
	h := newHarness(t, l)

	_, err := h.engine.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to ledger")
	assert.Equal(t, 0, l.disconnects)

	l.connectErr = nil
	_, err = h.engine.RunCycle(context.Background())
	require.NoError(t, err, "the lease was released on failure")
}

func TestExecuteRejectsUnapprovedDecision(t *testing.T) {
	h := newHarness(t, newFakeLedger())
	pair := Pair{Sell: &db.Transaction{Hash: "S1"}, Buy: &db.Transaction{Hash: "B1"}}
	holder, err := h.engine.AcquireLease(context.Background())
	require.NoError(t, err)

	_, err = h.engine.Execute(context.Background(), holder, pair, oracle.Decision{})
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.Empty(t, h.ledger.submissions())
}
