package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCycle_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/escrow-accounts/rEscrow/reconcile", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"result":  map[string]interface{}{"escrow_address": "rEscrow", "ingested": 4, "settled": 1},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", nil, nil)
	result, err := client.RunCycle(context.Background(), "rEscrow")
	require.NoError(t, err)
	assert.Equal(t, "rEscrow", result.EscrowAddress)
	assert.Equal(t, 4, result.Ingested)
	assert.Equal(t, 1, result.Settled)
}

func TestRunCycle_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
		isBusy  bool
	}{
		{name: "coarse failure", status: http.StatusInternalServerError, body: `{"success":false,"error":"reconciliation cycle failed"}`, wantErr: "reconciliation cycle failed"},
		{name: "in progress", status: http.StatusConflict, body: `{"success":false,"error":"reconciliation cycle already in progress"}`, isBusy: true},
		{name: "garbage", status: http.StatusBadGateway, body: `<html>`, wantErr: "failed to decode response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			_, err := NewClient(server.URL, nil, nil).RunCycle(context.Background(), "rEscrow")
			require.Error(t, err)
			if tt.isBusy {
				assert.ErrorIs(t, err, ErrCycleInProgress)
				return
			}
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/transactions/S1":
			fmt.Fprint(w, `{"hash":"S1","account":"rEscrow","amount":"10.5","currency":"GOLD","recipient":"rBuyer","price":"0.1","memo_status":"present","ledger_index":7}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"transaction not found"}`)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	txn, err := client.GetTransaction(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, "S1", txn.Hash)
	assert.True(t, decimal.RequireFromString("10.5").Equal(txn.Amount))
	require.NotNil(t, txn.Recipient)
	assert.Equal(t, "rBuyer", *txn.Recipient)
	require.NotNil(t, txn.Price)
	assert.Equal(t, "0.1", txn.Price.String())

	_, err = client.GetTransaction(context.Background(), "MISSING")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction not found")
}

func TestListTransactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/escrow-accounts/rEscrow/transactions", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "4", r.URL.Query().Get("offset"))
		fmt.Fprint(w, `{"transactions":[{"hash":"A","amount":"1"},{"hash":"B","amount":"2"}],"count":2}`)
	}))
	defer server.Close()

	txns, err := NewClient(server.URL, nil, nil).ListTransactions(context.Background(), "rEscrow", 2, 4)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "B", txns[1].Hash)
}

func TestEscrowAccounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "rEscrow", body["address"])
			assert.Equal(t, "1m0s", body["poll_interval"])
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"address":"rEscrow","poll_interval":"1m0s"}`)
		case http.MethodGet:
			fmt.Fprint(w, `{"escrow_accounts":[{"address":"rEscrow","unsettled":3,"ingested":true}]}`)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	acct, err := client.CreateEscrowAccount(context.Background(), "rEscrow", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "1m0s", acct.PollInterval)

	accounts, err := client.ListEscrowAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, int64(3), accounts[0].Unsettled)
	assert.True(t, accounts[0].Ingested)
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		fmt.Fprint(w, "OK")
	}))
	defer server.Close()

	assert.NoError(t, NewClient(server.URL, nil, nil).Health(context.Background()))
}

func TestAwaitSettlement_Matching(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/settlements/rEscrow", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		fmt.Fprint(w, "event: connected\ndata: {\"escrow_address\":\"rEscrow\"}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: settlement\ndata: {\"sell_hash\":\"S0\",\"buy_hash\":\"B0\"}\n\n")
		fmt.Fprint(w, "event: settlement\ndata: not-json\n\n")
		fmt.Fprint(w, "event: settlement\ndata: {\"sell_hash\":\"S1\",\"buy_hash\":\"B1\",\"payment_amount\":\"1\",\"transfer_token\":\"GOLD\"}\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewClient(server.URL, nil, nil).AwaitSettlement(ctx, "rEscrow", func(s *Settlement) bool {
		return s.SellHash == "S1"
	})
	require.NoError(t, err)
	assert.Equal(t, "B1", s.BuyHash)
	assert.Equal(t, "GOLD", s.TransferToken)
	assert.True(t, decimal.NewFromInt(1).Equal(s.PaymentAmount))
}

func TestAwaitSettlement_StreamClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: settlement\ndata: {\"sell_hash\":\"S0\"}\n\n")
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).AwaitSettlement(context.Background(), "rEscrow", func(s *Settlement) bool {
		return false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestAwaitSettlement_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewClient(server.URL, nil, nil).AwaitSettlement(ctx, "rEscrow", nil)
	require.Error(t, err)
}
