package db

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// escrowStore is what the settlement engine needs from a store. Both Store
// and MemoryStore must satisfy it with identical behavior.
type escrowStore interface {
	GetOrCreateEscrowAccount(ctx context.Context, address string) (*EscrowAccount, error)
	ListEscrowAccounts(ctx context.Context) ([]*EscrowAccount, error)
	UpdateEscrowAccountCursor(ctx context.Context, address string, cursor []byte) error
	InsertTransactions(ctx context.Context, params []CreateTransactionParams) ([]string, error)
	GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error)
	ListTransactionsByAccount(ctx context.Context, params ListTransactionsByAccountParams) ([]*Transaction, error)
	CountUnsettled(ctx context.Context, account string) (int64, error)
	ListCandidatePairs(ctx context.Context, account, nativeCurrency string) ([]CandidatePair, error)
	MarkPairSettled(ctx context.Context, sellHash, buyHash string) error
	ClaimSettlementLeg(ctx context.Context, key LegKey, holder string) (bool, error)
	ConfirmSettlementLeg(ctx context.Context, key LegKey, holder, ledgerHash string) error
	FailSettlementLeg(ctx context.Context, key LegKey, holder, ledgerHash string) error
	ListSettlementLegs(ctx context.Context, sellHash, buyHash string) ([]*SettlementLeg, error)
	AcquireCycleLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseCycleLease(ctx context.Context, name, holder string) error
}

var (
	_ escrowStore = (*Store)(nil)
	_ escrowStore = (*MemoryStore)(nil)
)

func strPtr(s string) *string { return &s }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func sellLeg(hash, sender, recipient string, ledgerIndex int64) CreateTransactionParams {
	return CreateTransactionParams{
		Hash:        hash,
		Type:        "Payment",
		Account:     "rEscrow",
		Sender:      strPtr(sender),
		Recipient:   strPtr(recipient),
		Asset:       strPtr("GOLD"),
		Amount:      decimal.NewFromInt(10),
		Currency:    "GOLD",
		Price:       decPtr("5"),
		MemoStatus:  "present",
		LedgerIndex: ledgerIndex,
	}
}

func buyLeg(hash, sender string, ledgerIndex int64) CreateTransactionParams {
	return CreateTransactionParams{
		Hash:        hash,
		Type:        "Payment",
		Account:     "rEscrow",
		Sender:      strPtr(sender),
		Amount:      decimal.NewFromInt(50),
		Currency:    "XRP",
		MemoStatus:  "absent",
		LedgerIndex: ledgerIndex,
	}
}

func runStoreTests(t *testing.T, newStore func(t *testing.T) escrowStore) {
	ctx := context.Background()

	t.Run("escrow account is created lazily", func(t *testing.T) {
		s := newStore(t)

		acct, err := s.GetOrCreateEscrowAccount(ctx, "rEscrow")
		require.NoError(t, err)
		assert.Equal(t, "rEscrow", acct.Address)
		assert.Nil(t, acct.Cursor)

		require.NoError(t, s.UpdateEscrowAccountCursor(ctx, "rEscrow", []byte(`{"ledger_index_min":7}`)))

		again, err := s.GetOrCreateEscrowAccount(ctx, "rEscrow")
		require.NoError(t, err)
		assert.JSONEq(t, `{"ledger_index_min":7}`, string(again.Cursor))

		accounts, err := s.ListEscrowAccounts(ctx)
		require.NoError(t, err)
		assert.Len(t, accounts, 1)
	})

	t.Run("cursor update on unknown account", func(t *testing.T) {
		s := newStore(t)
		err := s.UpdateEscrowAccountCursor(ctx, "rNobody", []byte(`{}`))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("insert skips duplicates", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreateEscrowAccount(ctx, "rEscrow")
		require.NoError(t, err)

		batch := []CreateTransactionParams{sellLeg("S1", "rSeller", "rBuyer", 10), buyLeg("B1", "rBuyer", 11)}
		inserted, err := s.InsertTransactions(ctx, batch)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"S1", "B1"}, inserted)

		inserted, err = s.InsertTransactions(ctx, append(batch, buyLeg("B2", "rOther", 12)))
		require.NoError(t, err)
		assert.Equal(t, []string{"B2"}, inserted, "only the new record is inserted")

		got, err := s.GetTransactionByHash(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, "rBuyer", *got.Recipient)
		assert.True(t, decimal.NewFromInt(10).Equal(got.Amount))
		require.NotNil(t, got.Price)
		assert.True(t, decimal.NewFromInt(5).Equal(*got.Price))
		assert.False(t, got.Settled)

		buy, err := s.GetTransactionByHash(ctx, "B1")
		require.NoError(t, err)
		assert.Nil(t, buy.Recipient)
		assert.Nil(t, buy.Price)

		_, err = s.GetTransactionByHash(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := s.ListTransactionsByAccount(ctx, ListTransactionsByAccountParams{Account: "rEscrow", Limit: 2})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "B2", list[0].Hash, "newest ledger first")

		unsettled, err := s.CountUnsettled(ctx, "rEscrow")
		require.NoError(t, err)
		assert.Equal(t, int64(3), unsettled)
	})

	t.Run("candidate pairs", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreateEscrowAccount(ctx, "rEscrow")
		require.NoError(t, err)

		malformed := buyLeg("M1", "rSeller2", 5)
		malformed.Currency = "GOLD"

		_, err = s.InsertTransactions(ctx, []CreateTransactionParams{
			sellLeg("S1", "rSeller", "rBuyer", 10),
			buyLeg("B-late", "rBuyer", 20),
			buyLeg("B-early", "rBuyer", 15),
			sellLeg("S2", "rSeller2", "rNobody", 11),
			malformed,
		})
		require.NoError(t, err)

		pairs, err := s.ListCandidatePairs(ctx, "rEscrow", "XRP")
		require.NoError(t, err)
		require.Len(t, pairs, 2, "sell-legs with no counter-leg or no recipient yield nothing")
		assert.Equal(t, "S1", pairs[0].Sell.Hash)
		assert.Equal(t, "B-early", pairs[0].Buy.Hash, "oldest buy-leg comes first")
		assert.Equal(t, "S1", pairs[1].Sell.Hash)
		assert.Equal(t, "B-late", pairs[1].Buy.Hash)

		require.NoError(t, s.MarkPairSettled(ctx, "S1", "B-early"))

		pairs, err = s.ListCandidatePairs(ctx, "rEscrow", "XRP")
		require.NoError(t, err)
		assert.Empty(t, pairs, "settled sell-legs are never matched again")

		err = s.MarkPairSettled(ctx, "S1", "B-late")
		assert.ErrorIs(t, err, ErrAlreadySettled)

		late, err := s.GetTransactionByHash(ctx, "B-late")
		require.NoError(t, err)
		assert.False(t, late.Settled, "a failed pair settlement changes nothing")

		settled, err := s.GetTransactionByHash(ctx, "S1")
		require.NoError(t, err)
		assert.True(t, settled.Settled)
		assert.NotNil(t, settled.SettledAt)
	})

	t.Run("settlement legs", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreateEscrowAccount(ctx, "rEscrow")
		require.NoError(t, err)
		_, err = s.InsertTransactions(ctx, []CreateTransactionParams{sellLeg("S1", "rSeller", "rBuyer", 1), buyLeg("B1", "rBuyer", 2)})
		require.NoError(t, err)

		key := LegKey{SellHash: "S1", BuyHash: "B1", Leg: LegPayment}
		claimed, err := s.ClaimSettlementLeg(ctx, key, "a")
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = s.ClaimSettlementLeg(ctx, key, "b")
		require.NoError(t, err)
		assert.False(t, claimed, "a pending leg cannot be claimed twice")

		assert.ErrorIs(t, s.ConfirmSettlementLeg(ctx, key, "b", "L0"), ErrLegNotClaimed)
		require.NoError(t, s.FailSettlementLeg(ctx, key, "a", ""))

		claimed, err = s.ClaimSettlementLeg(ctx, key, "b")
		require.NoError(t, err)
		assert.True(t, claimed, "a failed leg can be claimed again")
		require.NoError(t, s.ConfirmSettlementLeg(ctx, key, "b", "L1"))

		claimed, err = s.ClaimSettlementLeg(ctx, key, "c")
		require.NoError(t, err)
		assert.False(t, claimed, "a confirmed leg is never claimed again")

		legs, err := s.ListSettlementLegs(ctx, "S1", "B1")
		require.NoError(t, err)
		require.Len(t, legs, 1)
		assert.Equal(t, LegPayment, legs[0].Leg)
		assert.Equal(t, LegStatusConfirmed, legs[0].Status)
		assert.Equal(t, "b", legs[0].Holder)
		assert.Equal(t, "L1", legs[0].LedgerHash)
	})

	t.Run("cycle lease is single holder", func(t *testing.T) {
		s := newStore(t)

		ok, err := s.AcquireCycleLease(ctx, "cycle:rEscrow", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.AcquireCycleLease(ctx, "cycle:rEscrow", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.AcquireCycleLease(ctx, "cycle:rEscrow", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "the holder can extend its lease")

		require.NoError(t, s.ReleaseCycleLease(ctx, "cycle:rEscrow", "b"))
		ok, err = s.AcquireCycleLease(ctx, "cycle:rEscrow", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "only the holder can release")

		require.NoError(t, s.ReleaseCycleLease(ctx, "cycle:rEscrow", "a"))
		ok, err = s.AcquireCycleLease(ctx, "cycle:rEscrow", "b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) escrowStore {
		return NewMemoryStore()
	})
}

func TestMemoryStoreLeaseExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := s.AcquireCycleLease(ctx, "cycle", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = s.AcquireCycleLease(ctx, "cycle", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease can be taken over")
}

func TestPostgresStore(t *testing.T) {
	SkipIfNoTestDB(t)

	runStoreTests(t, func(t *testing.T) escrowStore {
		store := NewTestStore(t)
		store.Cleanup(t)
		t.Cleanup(func() {
			store.Cleanup(t)
			store.Close()
		})
		return store
	})
}
