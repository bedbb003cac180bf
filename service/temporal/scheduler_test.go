package temporal

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/ledger"
	"github.com/brojonat/escrowd/service/oracle"
	"github.com/brojonat/escrowd/service/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalRunner(t *testing.T, store *db.MemoryStore) *LocalRunner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := ledger.New(ledger.Options{
		Network:       ledger.NetworkXRPL,
		RPCURL:        "http://127.0.0.1:0",
		Account:       "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh",
		SigningSecret: "snoPBrXtMeMyMHUVTgbuqAfg1SUTb",
		Timeout:       time.Second,
	}, nil, logger)
	require.NoError(t, err)

	verifier := oracle.NewVerifier(oracle.NewClient("http://127.0.0.1:0", "", time.Second, nil), nil, logger)
	engine := settlement.NewEngine(settlement.Config{EscrowAddress: "rEscrow", LeaseTTL: time.Minute},
		store, client, verifier, nil, nil, logger)
	return NewLocalRunner(engine)
}

func TestLocalRunner_OtherEscrow(t *testing.T) {
	runner := newLocalRunner(t, db.NewMemoryStore())

	_, err := runner.RunCycleNow(context.Background(), "rOther")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not served")
}

func TestLocalRunner_LeaseHeld(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	ok, err := store.AcquireCycleLease(ctx, "cycle:rEscrow", "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = newLocalRunner(t, store).RunCycleNow(ctx, "rEscrow")
	require.Error(t, err)
	assert.True(t, IsCycleInProgress(err))
}
