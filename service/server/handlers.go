package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/settlement"
	"github.com/brojonat/escrowd/service/temporal"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100
	minPollInterval    = 10 * time.Second
	maxPollInterval    = 24 * time.Hour
	defaultListLimit   = 100
	maxListLimit       = 1000
)

var (
	// XRPL and Solana addresses share the base58 character set (no 0, O, I, l).
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
	validHashRegex    = regexp.MustCompile(`^[0-9A-Za-z]+$`)
)

// Store is the read side of the persistent store plus account creation.
type Store interface {
	GetOrCreateEscrowAccount(ctx context.Context, address string) (*db.EscrowAccount, error)
	ListEscrowAccounts(ctx context.Context) ([]*db.EscrowAccount, error)
	GetTransactionByHash(ctx context.Context, hash string) (*db.Transaction, error)
	ListTransactionsByAccount(ctx context.Context, params db.ListTransactionsByAccountParams) ([]*db.Transaction, error)
	CountUnsettled(ctx context.Context, account string) (int64, error)
}

// handleReconcile runs one reconciliation cycle for the account and reports
// a coarse outcome.
// POST /api/v1/escrow-accounts/{address}/reconcile
func handleReconcile(runner temporal.CycleRunner, escrow string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if escrow != "" && address != escrow {
			writeError(w, "escrow account not served by this deployment", http.StatusNotFound)
			return
		}

		result, err := runner.RunCycleNow(r.Context(), address)
		if err != nil {
			if temporal.IsCycleInProgress(err) {
				logger.InfoContext(r.Context(), "reconcile rejected, cycle in progress", "escrow", address)
				writeJSON(w, reconcileResponse{Success: false, Error: settlement.ErrCycleInProgress.Error()}, http.StatusConflict)
				return
			}
			logger.ErrorContext(r.Context(), "reconciliation cycle failed", "escrow", address, "error", err)
			writeJSON(w, reconcileResponse{Success: false, Error: "reconciliation cycle failed"}, http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "reconciliation cycle completed",
			"escrow", address,
			"ingested", result.Ingested,
			"candidates", result.Candidates,
			"settled", result.Settled,
		)
		writeJSON(w, reconcileResponse{Success: true, Result: result}, http.StatusOK)
	})
}

type reconcileResponse struct {
	Success bool                    `json:"success"`
	Result  *settlement.CycleResult `json:"result,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// handleGetTransaction looks up one stored record.
// GET /api/v1/transactions/{hash}
func handleGetTransaction(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		if hash == "" || len(hash) > maxAddressLength || !validHashRegex.MatchString(hash) {
			writeError(w, "invalid transaction hash", http.StatusBadRequest)
			return
		}

		txn, err := store.GetTransactionByHash(r.Context(), hash)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get transaction", "hash", hash, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, transactionToResponse(txn), http.StatusOK)
	})
}

// handleListAccountTransactions lists the records of one escrow account.
// GET /api/v1/escrow-accounts/{address}/transactions?limit=N&offset=N
func handleListAccountTransactions(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit, offset, err := parsePagination(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		transactions, err := store.ListTransactionsByAccount(r.Context(), db.ListTransactionsByAccountParams{
			Account: address,
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list transactions", "escrow", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]transactionResponse, len(transactions))
		for i := range transactions {
			resp[i] = transactionToResponse(transactions[i])
		}

		writeJSON(w, map[string]interface{}{
			"transactions": resp,
			"count":        len(resp),
			"limit":        limit,
			"offset":       offset,
		}, http.StatusOK)
	})
}

// handleListEscrowAccounts lists monitored escrow accounts.
// GET /api/v1/escrow-accounts
func handleListEscrowAccounts(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accounts, err := store.ListEscrowAccounts(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list escrow accounts", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]accountResponse, 0, len(accounts))
		for _, acct := range accounts {
			unsettled, err := store.CountUnsettled(r.Context(), acct.Address)
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to count unsettled", "escrow", acct.Address, "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
			resp = append(resp, accountToResponse(acct, unsettled))
		}

		writeJSON(w, map[string]interface{}{
			"escrow_accounts": resp,
		}, http.StatusOK)
	})
}

// handleCreateEscrowAccount records an escrow account and schedules its
// reconciliation. Ledger-side provisioning is not performed.
// POST /api/v1/escrow-accounts
func handleCreateEscrowAccount(store Store, scheduler temporal.Scheduler, defaultInterval time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Address      string `json:"address"`
			PollInterval string `json:"poll_interval"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if err := validateAddress(req.Address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		interval := defaultInterval
		if req.PollInterval != "" {
			d, err := time.ParseDuration(req.PollInterval)
			if err != nil {
				writeError(w, "invalid poll_interval: must be a valid duration (e.g. '30s', '1m')", http.StatusBadRequest)
				return
			}
			interval = d
		}
		if err := validatePollInterval(interval); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		acct, err := store.GetOrCreateEscrowAccount(r.Context(), req.Address)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create escrow account", "escrow", req.Address, "error", err)
			writeError(w, "failed to create escrow account", http.StatusInternalServerError)
			return
		}

		if scheduler != nil {
			if err := scheduler.UpsertReconcileSchedule(r.Context(), req.Address, interval); err != nil {
				logger.ErrorContext(r.Context(), "failed to schedule reconciliation", "escrow", req.Address, "error", err)
				writeError(w, "failed to schedule reconciliation", http.StatusInternalServerError)
				return
			}
		}

		logger.InfoContext(r.Context(), "escrow account registered", "escrow", acct.Address, "poll_interval", interval)

		resp := accountToResponse(acct, 0)
		resp.PollInterval = interval.String()
		writeJSON(w, resp, http.StatusCreated)
	})
}

// transactionResponse is the JSON form of a stored record.
type transactionResponse struct {
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

func transactionToResponse(t *db.Transaction) transactionResponse {
	return transactionResponse{
		Hash:        t.Hash,
		Type:        t.Type,
		Account:     t.Account,
		Sender:      t.Sender,
		Recipient:   t.Recipient,
		Asset:       t.Asset,
		Amount:      t.Amount,
		Currency:    t.Currency,
		Price:       t.Price,
		MemoStatus:  t.MemoStatus,
		LedgerIndex: t.LedgerIndex,
		Settled:     t.Settled,
		SettledAt:   t.SettledAt,
		CreatedAt:   t.CreatedAt,
	}
}

type accountResponse struct {
	Address      string    `json:"address"`
	Ingested     bool      `json:"ingested"` // a cursor has been stored
	Unsettled    int64     `json:"unsettled"`
	PollInterval string    `json:"poll_interval,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func accountToResponse(a *db.EscrowAccount, unsettled int64) accountResponse {
	return accountResponse{
		Address:   a.Address,
		Ingested:  a.Cursor != nil,
		Unsettled: unsettled,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// parsePagination reads limit (default 100, max 1000) and offset (default 0).
func parsePagination(r *http.Request) (int32, int32, error) {
	query := r.URL.Query()

	limit := int32(defaultListLimit)
	if limitStr := query.Get("limit"); limitStr != "" {
		var parsed int
		if _, err := fmt.Sscanf(limitStr, "%d", &parsed); err != nil {
			return 0, 0, errorf("invalid limit parameter: must be an integer")
		}
		if parsed < 1 {
			return 0, 0, errorf("limit must be at least 1")
		}
		if parsed > maxListLimit {
			return 0, 0, errorf("limit cannot exceed %d", maxListLimit)
		}
		limit = int32(parsed)
	}

	offset := int32(0)
	if offsetStr := query.Get("offset"); offsetStr != "" {
		var parsed int
		if _, err := fmt.Sscanf(offsetStr, "%d", &parsed); err != nil {
			return 0, 0, errorf("invalid offset parameter: must be an integer")
		}
		if parsed < 0 {
			return 0, 0, errorf("offset cannot be negative")
		}
		offset = int32(parsed)
	}

	return limit, offset, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}

// validateAddress validates an account address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// validatePollInterval validates a poll interval for reasonable bounds.
func validatePollInterval(interval time.Duration) error {
	if interval <= 0 {
		return errorf("poll_interval must be positive")
	}
	if interval < minPollInterval {
		return errorf("poll_interval must be at least %v", minPollInterval)
	}
	if interval > maxPollInterval {
		return errorf("poll_interval cannot exceed %v", maxPollInterval)
	}
	return nil
}

func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
