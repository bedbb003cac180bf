// Package client is the Go HTTP client for the escrowd trigger surface.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrCycleInProgress is returned by RunCycle when another cycle holds the account.
var ErrCycleInProgress = errors.New("reconciliation cycle already in progress")

// CycleResult summarizes one reconciliation cycle.
type CycleResult struct {
	EscrowAddress string        `json:"escrow_address"`
	Ingested      int           `json:"ingested"`
	Candidates    int           `json:"candidates"`
	Approved      int           `json:"approved"`
	Rejected      int           `json:"rejected"`
	Settled       int           `json:"settled"`
	Failed        int           `json:"failed"`
	Duration      time.Duration `json:"duration"`
}

// Transaction is a stored escrow record.
type Transaction struct {
	Hash        string           `json:"hash"`
	Type        string           `json:"type"`
	Account     string           `json:"account"`
	Sender      *string          `json:"sender,omitempty"`
	Recipient   *string          `json:"recipient,omitempty"`
	Asset       *string          `json:"asset,omitempty"`
	Amount      decimal.Decimal  `json:"amount"`
	Currency    string           `json:"currency"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	MemoStatus  string           `json:"memo_status"`
	LedgerIndex int64            `json:"ledger_index"`
	Settled     bool             `json:"settled"`
	SettledAt   *time.Time       `json:"settled_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// EscrowAccount is a monitored escrow account.
type EscrowAccount struct {
	Address      string    `json:"address"`
	Ingested     bool      `json:"ingested"`
	Unsettled    int64     `json:"unsettled"`
	PollInterval string    `json:"poll_interval,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Settlement is a settled pair as streamed by the server.
type Settlement struct {
	EscrowAddress      string          `json:"escrow_address"`
	SellHash           string          `json:"sell_hash"`
	BuyHash            string          `json:"buy_hash"`
	Seller             string          `json:"seller"`
	Buyer              string          `json:"buyer"`
	PaymentAmount      decimal.Decimal `json:"payment_amount"`
	PaymentToken       string          `json:"payment_token"`
	PaymentLedgerHash  string          `json:"payment_ledger_hash"`
	TransferAmount     decimal.Decimal `json:"transfer_amount"`
	TransferToken      string          `json:"transfer_token"`
	TransferLedgerHash string          `json:"transfer_ledger_hash"`
	SettledAt          time.Time       `json:"settled_at"`
}

// Client is the HTTP client for the escrowd service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new escrowd client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		// No client timeout: a cycle and a settlement stream both run long.
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// RunCycle triggers one reconciliation cycle and waits for its outcome.
func (c *Client) RunCycle(ctx context.Context, escrow string) (*CycleResult, error) {
	u := fmt.Sprintf("%s/api/v1/escrow-accounts/%s/reconcile", c.baseURL, url.PathEscape(escrow))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool         `json:"success"`
		Result  *CycleResult `json:"result"`
		Error   string       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode == http.StatusConflict {
		return nil, ErrCycleInProgress
	}
	if !out.Success || out.Result == nil {
		return nil, fmt.Errorf("reconciliation failed: %s", out.Error)
	}

	c.logger.Debug("reconciliation cycle completed", "escrow", escrow, "settled", out.Result.Settled)
	return out.Result, nil
}

// GetTransaction retrieves a stored record by hash.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	var txn Transaction
	if err := c.getJSON(ctx, "/api/v1/transactions/"+url.PathEscape(hash), &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// ListTransactions lists an escrow account's records, newest first.
func (c *Client) ListTransactions(ctx context.Context, escrow string, limit, offset int) ([]*Transaction, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	path := fmt.Sprintf("/api/v1/escrow-accounts/%s/transactions", url.PathEscape(escrow))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Transactions []*Transaction `json:"transactions"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// ListEscrowAccounts lists the monitored escrow accounts.
func (c *Client) ListEscrowAccounts(ctx context.Context) ([]*EscrowAccount, error) {
	var out struct {
		Accounts []*EscrowAccount `json:"escrow_accounts"`
	}
	if err := c.getJSON(ctx, "/api/v1/escrow-accounts", &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// CreateEscrowAccount registers an escrow account. A zero interval uses the
// server default.
func (c *Client) CreateEscrowAccount(ctx context.Context, address string, pollInterval time.Duration) (*EscrowAccount, error) {
	reqBody := map[string]interface{}{"address": address}
	if pollInterval > 0 {
		reqBody["poll_interval"] = pollInterval.String()
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/escrow-accounts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseErrorResponse(resp)
	}

	var acct EscrowAccount
	if err := json.NewDecoder(resp.Body).Decode(&acct); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &acct, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// AwaitSettlement follows the account's settlement stream until match
// accepts an event or ctx ends. A nil match accepts the first settlement.
func (c *Client) AwaitSettlement(ctx context.Context, escrow string, match func(*Settlement) bool) (*Settlement, error) {
	u := fmt.Sprintf("%s/api/v1/stream/settlements/%s", c.baseURL, url.PathEscape(escrow))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event != "settlement" {
				continue
			}
			var s Settlement
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &s); err != nil {
				c.logger.Warn("skipping malformed settlement event", "error", err)
				continue
			}
			if match == nil || match(&s) {
				return &s, nil
			}
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("settlement stream failed: %w", err)
	}
	return nil, fmt.Errorf("settlement stream closed")
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
