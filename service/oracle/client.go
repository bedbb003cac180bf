// Package oracle talks to the trust oracle that authorizes settlements.
//
// The oracle exposes two checks. The asset check confirms the seller's token
// deposit; the payment check confirms the buyer's payment and, on success,
// returns the authorized payouts for both sides.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SuccessMatch is the marker a payment check carries when the pair is authorized.
const SuccessMatch = "SuccessMatch"

const (
	assetCheckPath   = "/check-asset-transaction"
	paymentCheckPath = "/check-payment-transaction"
)

// TransactionRef identifies one leg to the oracle.
type TransactionRef struct {
	TransactionID string          `json:"transaction_id"`
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	Amount        decimal.Decimal `json:"amount"`
}

// CheckRequest is the body of both oracle checks.
type CheckRequest struct {
	Transaction       TransactionRef  `json:"transaction"`
	AgreedTokenAmount decimal.Decimal `json:"agreed_token_amount"`
	AgreedTradePrice  decimal.Decimal `json:"agreed_trade_price"`
}

// Authorization is a payout the oracle approved. It is executed verbatim.
type Authorization struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Token     string          `json:"token"`
}

// AssetCheckResponse is the body of a successful asset check.
type AssetCheckResponse struct {
	Result  string `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
}

// PaymentCheckResponse is the body of a successful payment check.
type PaymentCheckResponse struct {
	Result             string         `json:"result"`
	Message            string         `json:"message,omitempty"`
	PaymentTransaction *Authorization `json:"payment_transaction"`
	AssetTransaction   *Authorization `json:"asset_transaction"`
}

// StatusError is returned when the oracle answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("oracle returned status %d: %s", e.StatusCode, e.Body)
}

// Client is an HTTP client for the trust oracle.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates an oracle client. If httpClient is nil, http.DefaultClient is used.
// apiKey, when set, is sent as a bearer token.
func NewClient(baseURL, apiKey string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: httpClient,
	}
}

// CheckAsset submits the seller's leg.
func (c *Client) CheckAsset(ctx context.Context, req CheckRequest) (*AssetCheckResponse, error) {
	var resp AssetCheckResponse
	if err := c.post(ctx, assetCheckPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckPayment submits the buyer's leg.
func (c *Client) CheckPayment(ctx context.Context, req CheckRequest) (*PaymentCheckResponse, error) {
	var resp PaymentCheckResponse
	if err := c.post(ctx, paymentCheckPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
