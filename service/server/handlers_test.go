package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/escrowd/service/config"
	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/brojonat/escrowd/service/settlement"
	"github.com/brojonat/escrowd/service/temporal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
)

const testEscrow = "rEscrow"

type testEnv struct {
	store     *db.MemoryStore
	scheduler *temporal.MockScheduler
	handler   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := db.NewMemoryStore()
	scheduler := temporal.NewMockScheduler()
	cfg := &config.Config{EscrowAccount: testEscrow, PollInterval: 30 * time.Second}
	m := metrics.NewMetrics(prometheus.NewRegistry())

	srv := New(":0", cfg, store, scheduler, scheduler, nil, m, logger)
	return &testEnv{store: store, scheduler: scheduler, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seed(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	_, err := e.store.GetOrCreateEscrowAccount(ctx, testEscrow)
	require.NoError(t, err)

	params := make([]db.CreateTransactionParams, n)
	for i := range params {
		sender := "rSender"
		params[i] = db.CreateTransactionParams{
			Hash:        fmt.Sprintf("H%d", i),
			Type:        "Payment",
			Account:     testEscrow,
			Sender:      &sender,
			Amount:      decimal.NewFromInt(int64(i + 1)),
			Currency:    "XRP",
			MemoStatus:  "absent",
			LedgerIndex: int64(100 + i),
		}
	}
	_, err = e.store.InsertTransactions(ctx, params)
	require.NoError(t, err)
}

func TestReconcile(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		env := newTestEnv(t)
		env.scheduler.RunFunc = func(ctx context.Context, escrow string) (*settlement.CycleResult, error) {
			return &settlement.CycleResult{EscrowAddress: escrow, Ingested: 2, Candidates: 1, Approved: 1, Settled: 1}, nil
		}

		rec := env.do(t, http.MethodPost, "/api/v1/escrow-accounts/rEscrow/reconcile", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp reconcileResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.Success)
		require.NotNil(t, resp.Result)
		assert.Equal(t, 1, resp.Result.Settled)
		assert.Equal(t, []string{testEscrow}, env.scheduler.Runs())
	})

	t.Run("cycle failure is coarse", func(t *testing.T) {
		env := newTestEnv(t)
		env.scheduler.RunFunc = func(ctx context.Context, escrow string) (*settlement.CycleResult, error) {
			return nil, errors.New("failed to connect to ledger: dial tcp: refused")
		}

		rec := env.do(t, http.MethodPost, "/api/v1/escrow-accounts/rEscrow/reconcile", "")
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		var resp reconcileResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.False(t, resp.Success)
		assert.Equal(t, "reconciliation cycle failed", resp.Error)
	})

	t.Run("cycle in progress", func(t *testing.T) {
		env := newTestEnv(t)
		env.scheduler.RunFunc = func(ctx context.Context, escrow string) (*settlement.CycleResult, error) {
			appErr := temporalsdk.NewNonRetryableApplicationError("held", temporal.ErrTypeCycleInProgress, nil)
			return nil, fmt.Errorf("reconcile workflow failed: %w", appErr)
		}

		rec := env.do(t, http.MethodPost, "/api/v1/escrow-accounts/rEscrow/reconcile", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "already in progress")
	})

	t.Run("other account", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodPost, "/api/v1/escrow-accounts/rStranger/reconcile", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, env.scheduler.Runs())
	})

	t.Run("invalid address", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodPost, "/api/v1/escrow-accounts/r0OIl/reconcile", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetTransaction(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1)

	rec := env.do(t, http.MethodGet, "/api/v1/transactions/H0", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp transactionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "H0", resp.Hash)
	assert.True(t, decimal.NewFromInt(1).Equal(resp.Amount))
	assert.Equal(t, "XRP", resp.Currency)
	assert.Nil(t, resp.Recipient)
	assert.False(t, resp.Settled)

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/MISSING", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/bad%3Bhash", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAccountTransactions(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 5)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantHashes []string
	}{
		{name: "defaults", query: "", wantStatus: http.StatusOK, wantHashes: []string{"H4", "H3", "H2", "H1", "H0"}},
		{name: "limit and offset", query: "?limit=2&offset=1", wantStatus: http.StatusOK, wantHashes: []string{"H3", "H2"}},
		{name: "offset past end", query: "?offset=10", wantStatus: http.StatusOK, wantHashes: []string{}},
		{name: "zero limit", query: "?limit=0", wantStatus: http.StatusBadRequest},
		{name: "limit too large", query: "?limit=5000", wantStatus: http.StatusBadRequest},
		{name: "negative offset", query: "?offset=-1", wantStatus: http.StatusBadRequest},
		{name: "non-numeric limit", query: "?limit=ten", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/escrow-accounts/rEscrow/transactions"+tt.query, "")
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp struct {
				Transactions []transactionResponse `json:"transactions"`
				Count        int                   `json:"count"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			hashes := make([]string, len(resp.Transactions))
			for i, txn := range resp.Transactions {
				hashes[i] = txn.Hash
			}
			assert.Equal(t, tt.wantHashes, hashes)
			assert.Equal(t, len(tt.wantHashes), resp.Count)
		})
	}
}

func TestEscrowAccounts(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/escrow-accounts", `{"address":"rEscrow","poll_interval":"1m"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	interval, ok := env.scheduler.ScheduleInterval(testEscrow)
	require.True(t, ok)
	assert.Equal(t, time.Minute, interval)

	env.seed(t, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/escrow-accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Accounts []accountResponse `json:"escrow_accounts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Accounts, 1)
	assert.Equal(t, testEscrow, resp.Accounts[0].Address)
	assert.Equal(t, int64(2), resp.Accounts[0].Unsettled)
	assert.False(t, resp.Accounts[0].Ingested)
}

func TestCreateEscrowAccount_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "malformed JSON", body: `{"address":`, wantErr: "invalid request body"},
		{name: "missing address", body: `{}`, wantErr: "address is required"},
		{name: "bad characters", body: `{"address":"r;DROP"}`, wantErr: "base58"},
		{name: "interval too short", body: `{"address":"rEscrow","poll_interval":"1s"}`, wantErr: "at least"},
		{name: "interval unparsable", body: `{"address":"rEscrow","poll_interval":"soon"}`, wantErr: "invalid poll_interval"},
		{name: "body too large", body: `{"address":"` + strings.Repeat("r", 2<<20) + `"}`, wantErr: "too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.do(t, http.MethodPost, "/api/v1/escrow-accounts", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantErr)
		})
	}
}

func TestCreateEscrowAccount_ScheduleFailure(t *testing.T) {
	env := newTestEnv(t)
	env.scheduler.SetCreateError(errors.New("temporal unavailable"))

	rec := env.do(t, http.MethodPost, "/api/v1/escrow-accounts", `{"address":"rEscrow"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthAndCORS(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(t, http.MethodOptions, "/api/v1/escrow-accounts", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
