package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/escrowd/service/metrics"
)

// Matcher pairs unsettled sell-legs with the buy-leg sent by their intended
// recipient.
type Matcher struct {
	store          Store
	nativeCurrency string
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewMatcher creates a Matcher for a ledger whose native currency is nativeCurrency.
func NewMatcher(store Store, nativeCurrency string, m *metrics.Metrics, logger *slog.Logger) *Matcher {
	return &Matcher{store: store, nativeCurrency: nativeCurrency, metrics: m, logger: logger}
}

// FindCandidatePairs returns the pairs to verify this cycle, oldest sell-leg
// first. Each sell-leg takes the oldest buy-leg no earlier sell-leg took, so
// a buyer who sent several payments can fill several sell-legs in one cycle.
func (m *Matcher) FindCandidatePairs(ctx context.Context, escrow string) ([]Pair, error) {
	candidates, err := m.store.ListCandidatePairs(ctx, escrow, m.nativeCurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate pairs: %w", err)
	}

	used := make(map[string]bool, 2*len(candidates))
	pairs := make([]Pair, 0, len(candidates))
	for _, c := range candidates {
		if used[c.Sell.Hash] {
			continue
		}
		if used[c.Buy.Hash] {
			m.logger.DebugContext(ctx, "buy-leg already paired this cycle",
				"sell_hash", c.Sell.Hash,
				"buy_hash", c.Buy.Hash,
			)
			continue
		}
		used[c.Sell.Hash] = true
		used[c.Buy.Hash] = true
		pairs = append(pairs, Pair{Sell: c.Sell, Buy: c.Buy})
	}

	if m.metrics != nil {
		m.metrics.RecordPairs(escrow, "candidate", len(pairs))
	}
	return pairs, nil
}
