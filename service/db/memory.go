package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process store with the same semantics as Store.
// It backs tests and dry runs that should not touch PostgreSQL.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*EscrowAccount
	order    []string
	txns     map[string]*Transaction
	legs     map[string][]*SettlementLeg
	leases   map[string]memoryLease

	// Now is the clock used for timestamps and lease expiry.
	Now func() time.Time
}

type memoryLease struct {
	holder    string
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*EscrowAccount),
		txns:     make(map[string]*Transaction),
		legs:     make(map[string][]*SettlementLeg),
		leases:   make(map[string]memoryLease),
		Now:      time.Now,
	}
}

func (m *MemoryStore) GetOrCreateEscrowAccount(ctx context.Context, address string) (*EscrowAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[address]
	if !ok {
		now := m.Now()
		acct = &EscrowAccount{Address: address, CreatedAt: now, UpdatedAt: now}
		m.accounts[address] = acct
		m.order = append(m.order, address)
	}
	c := *acct
	return &c, nil
}

func (m *MemoryStore) ListEscrowAccounts(ctx context.Context) ([]*EscrowAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*EscrowAccount, 0, len(m.order))
	for _, addr := range m.order {
		c := *m.accounts[addr]
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) UpdateEscrowAccountCursor(ctx context.Context, address string, cursor []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[address]
	if !ok {
		return fmt.Errorf("escrow account %s: %w", address, ErrNotFound)
	}
	acct.Cursor = append([]byte(nil), cursor...)
	acct.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryStore) InsertTransactions(ctx context.Context, params []CreateTransactionParams) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var inserted []string
	for _, p := range params {
		if _, ok := m.accounts[p.Account]; !ok {
			return inserted, fmt.Errorf("failed to insert transaction %s: escrow account %s: %w", p.Hash, p.Account, ErrNotFound)
		}
		if _, dup := m.txns[p.Hash]; dup {
			continue
		}
		m.txns[p.Hash] = &Transaction{
			Hash:        p.Hash,
			Type:        p.Type,
			Account:     p.Account,
			Sender:      p.Sender,
			Recipient:   p.Recipient,
			Asset:       p.Asset,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Price:       p.Price,
			MemoStatus:  p.MemoStatus,
			LedgerIndex: p.LedgerIndex,
			CreatedAt:   m.Now(),
		}
		inserted = append(inserted, p.Hash)
	}
	return inserted, nil
}

func (m *MemoryStore) GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[hash]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", hash, ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (m *MemoryStore) ListTransactionsByAccount(ctx context.Context, params ListTransactionsByAccountParams) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []*Transaction
	for _, t := range m.txns {
		if t.Account == params.Account {
			c := *t
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].LedgerIndex != all[j].LedgerIndex {
			return all[i].LedgerIndex > all[j].LedgerIndex
		}
		return all[i].Hash < all[j].Hash
	})

	offset := int(params.Offset)
	if offset >= len(all) {
		return []*Transaction{}, nil
	}
	all = all[offset:]
	if params.Limit > 0 && int(params.Limit) < len(all) {
		all = all[:params.Limit]
	}
	return all, nil
}

func (m *MemoryStore) CountUnsettled(ctx context.Context, account string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, t := range m.txns {
		if t.Account == account && !t.Settled {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListCandidatePairs(ctx context.Context, account, nativeCurrency string) ([]CandidatePair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var unsettled []*Transaction
	for _, t := range m.txns {
		if t.Account == account && !t.Settled {
			unsettled = append(unsettled, t)
		}
	}
	sort.Slice(unsettled, func(i, j int) bool {
		if unsettled[i].LedgerIndex != unsettled[j].LedgerIndex {
			return unsettled[i].LedgerIndex < unsettled[j].LedgerIndex
		}
		return unsettled[i].Hash < unsettled[j].Hash
	})

	var pairs []CandidatePair
	for _, sell := range unsettled {
		if sell.Sender == nil || sell.Recipient == nil || sell.Currency == nativeCurrency {
			continue
		}
		for _, buy := range unsettled {
			if buy.Hash == sell.Hash || buy.Currency != nativeCurrency || buy.Sender == nil || *buy.Sender != *sell.Recipient {
				continue
			}
			s, b := *sell, *buy
			pairs = append(pairs, CandidatePair{Sell: &s, Buy: &b})
		}
	}
	return pairs, nil
}

func (m *MemoryStore) MarkPairSettled(ctx context.Context, sellHash, buyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var legs []*Transaction
	for _, hash := range []string{sellHash, buyHash} {
		t, ok := m.txns[hash]
		if !ok || t.Settled {
			return fmt.Errorf("transaction %s: %w", hash, ErrAlreadySettled)
		}
		legs = append(legs, t)
	}

	now := m.Now()
	for _, t := range legs {
		t.Settled = true
		t.SettledAt = &now
	}
	return nil
}

func (m *MemoryStore) findLeg(key LegKey) *SettlementLeg {
	for _, l := range m.legs[key.SellHash+"/"+key.BuyHash] {
		if l.Leg == key.Leg {
			return l
		}
	}
	return nil
}

func (m *MemoryStore) ClaimSettlementLeg(ctx context.Context, key LegKey, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	if l := m.findLeg(key); l != nil {
		if l.Status != LegStatusFailed {
			return false, nil
		}
		l.Status, l.Holder, l.LedgerHash = LegStatusPending, holder, ""
		l.SubmittedAt, l.UpdatedAt = now, now
		return true, nil
	}
	k := key.SellHash + "/" + key.BuyHash
	m.legs[k] = append(m.legs[k], &SettlementLeg{
		SellHash:    key.SellHash,
		BuyHash:     key.BuyHash,
		Leg:         key.Leg,
		Status:      LegStatusPending,
		Holder:      holder,
		SubmittedAt: now,
		UpdatedAt:   now,
	})
	return true, nil
}

func (m *MemoryStore) ConfirmSettlementLeg(ctx context.Context, key LegKey, holder, ledgerHash string) error {
	return m.resolveLeg(key, holder, LegStatusConfirmed, ledgerHash)
}

func (m *MemoryStore) FailSettlementLeg(ctx context.Context, key LegKey, holder, ledgerHash string) error {
	return m.resolveLeg(key, holder, LegStatusFailed, ledgerHash)
}

func (m *MemoryStore) resolveLeg(key LegKey, holder, status, ledgerHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.findLeg(key)
	if l == nil || l.Holder != holder || l.Status != LegStatusPending {
		return fmt.Errorf("%s leg of %s/%s: %w", key.Leg, key.SellHash, key.BuyHash, ErrLegNotClaimed)
	}
	l.Status, l.LedgerHash, l.UpdatedAt = status, ledgerHash, m.Now()
	return nil
}

func (m *MemoryStore) ListSettlementLegs(ctx context.Context, sellHash, buyHash string) ([]*SettlementLeg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.legs[sellHash+"/"+buyHash]
	out := make([]*SettlementLeg, len(stored))
	for i, l := range stored {
		c := *l
		out[i] = &c
	}
	return out, nil
}

func (m *MemoryStore) AcquireCycleLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	if l, ok := m.leases[name]; ok && l.holder != holder && l.expiresAt.After(now) {
		return false, nil
	}
	m.leases[name] = memoryLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseCycleLease(ctx context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[name]; ok && l.holder == holder {
		delete(m.leases, name)
	}
	return nil
}
