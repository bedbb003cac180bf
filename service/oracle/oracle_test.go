package oracle

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/escrowd/service/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeOracle struct {
	assetStatus   int
	paymentStatus int
	paymentBody   string

	assetRequests   []CheckRequest
	paymentRequests []CheckRequest
	authHeaders     []string
}

func (f *fakeOracle) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /check-asset-transaction", func(w http.ResponseWriter, r *http.Request) {
		var req CheckRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.assetRequests = append(f.assetRequests, req)
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		w.WriteHeader(f.assetStatus)
		w.Write([]byte(`{"message":"ok"}`))
	})
	mux.HandleFunc("POST /check-payment-transaction", func(w http.ResponseWriter, r *http.Request) {
		var req CheckRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.paymentRequests = append(f.paymentRequests, req)
		w.WriteHeader(f.paymentStatus)
		w.Write([]byte(f.paymentBody))
	})
	return mux
}

const approvedBody = `{
	"result": "SuccessMatch",
	"payment_transaction": {"recipient": "rSeller", "amount": "50", "token": "XRP"},
	"asset_transaction": {"recipient": "rBuyer", "amount": "10", "token": "GOLD"}
}`

func proposal() Proposal {
	return Proposal{
		SellHash:      "S1",
		Seller:        "rSeller",
		SellTo:        "rBuyer",
		TokenAmount:   decimal.NewFromInt(10),
		Price:         decimal.NewFromInt(5),
		BuyHash:       "B1",
		Buyer:         "rBuyer",
		PaymentAmount: decimal.RequireFromString("1.0"),
	}
}

func newVerifier(t *testing.T, f *fakeOracle) *Verifier {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL+"/", "secret", 5*time.Second, srv.Client())
	return NewVerifier(client, metrics.NewMetrics(prometheus.NewRegistry()), testLogger())
}

func TestVerifyApproved(t *testing.T) {
	f := &fakeOracle{assetStatus: http.StatusOK, paymentStatus: http.StatusOK, paymentBody: approvedBody}
	v := newVerifier(t, f)

	d := v.Verify(context.Background(), proposal())
	require.True(t, d.Approved, d.Reason)

	require.NotNil(t, d.PaymentLeg)
	assert.Equal(t, "rSeller", d.PaymentLeg.Recipient)
	assert.Equal(t, "XRP", d.PaymentLeg.Token)
	assert.True(t, decimal.NewFromInt(50).Equal(d.PaymentLeg.Amount))

	require.NotNil(t, d.TransferLeg)
	assert.Equal(t, "rBuyer", d.TransferLeg.Recipient)
	assert.Equal(t, "GOLD", d.TransferLeg.Token)

	require.Len(t, f.assetRequests, 1)
	asset := f.assetRequests[0]
	assert.Equal(t, "S1", asset.Transaction.TransactionID)
	assert.Equal(t, "rSeller", asset.Transaction.Sender)
	assert.Equal(t, "rBuyer", asset.Transaction.Recipient)
	assert.True(t, decimal.NewFromInt(10).Equal(asset.AgreedTokenAmount))
	assert.True(t, decimal.NewFromInt(5).Equal(asset.AgreedTradePrice))
	assert.Equal(t, "Bearer secret", f.authHeaders[0])

	require.Len(t, f.paymentRequests, 1)
	payment := f.paymentRequests[0]
	assert.Equal(t, "B1", payment.Transaction.TransactionID)
	assert.Equal(t, "rBuyer", payment.Transaction.Sender)
	assert.Equal(t, "rSeller", payment.Transaction.Recipient)
	assert.True(t, decimal.NewFromInt(1).Equal(payment.Transaction.Amount))
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name            string
		oracle          fakeOracle
		wantPaymentCall bool
	}{
		{
			name:            "asset check fails",
			oracle:          fakeOracle{assetStatus: http.StatusBadRequest, paymentStatus: http.StatusOK, paymentBody: approvedBody},
			wantPaymentCall: false,
		},
		{
			name:            "payment check fails",
			oracle:          fakeOracle{assetStatus: http.StatusOK, paymentStatus: http.StatusInternalServerError, paymentBody: `{}`},
			wantPaymentCall: true,
		},
		{
			name:            "no match",
			oracle:          fakeOracle{assetStatus: http.StatusOK, paymentStatus: http.StatusOK, paymentBody: `{"result":"NoMatch"}`},
			wantPaymentCall: true,
		},
		{
			name: "missing asset authorization",
			oracle: fakeOracle{assetStatus: http.StatusOK, paymentStatus: http.StatusOK, paymentBody: `{
				"result": "SuccessMatch",
				"payment_transaction": {"recipient": "rSeller", "amount": "50", "token": "XRP"}
			}`},
			wantPaymentCall: true,
		},
		{
			name: "non-positive payout",
			oracle: fakeOracle{assetStatus: http.StatusOK, paymentStatus: http.StatusOK, paymentBody: `{
				"result": "SuccessMatch",
				"payment_transaction": {"recipient": "rSeller", "amount": "0", "token": "XRP"},
				"asset_transaction": {"recipient": "rBuyer", "amount": "10", "token": "GOLD"}
			}`},
			wantPaymentCall: true,
		},
		{
			name:            "malformed response",
			oracle:          fakeOracle{assetStatus: http.StatusOK, paymentStatus: http.StatusOK, paymentBody: `not json`},
			wantPaymentCall: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.oracle
			v := newVerifier(t, &f)

			d := v.Verify(context.Background(), proposal())
			assert.False(t, d.Approved)
			assert.NotEmpty(t, d.Reason)
			assert.Nil(t, d.PaymentLeg)
			assert.Nil(t, d.TransferLeg)
			assert.Equal(t, tt.wantPaymentCall, len(f.paymentRequests) == 1)
		})
	}
}

func TestVerifyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	v := NewVerifier(NewClient(url, "", time.Second, nil), nil, testLogger())
	d := v.Verify(context.Background(), proposal())
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "asset check failed")
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second, nil).CheckAsset(context.Background(), CheckRequest{})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}
