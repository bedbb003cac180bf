package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/escrowd/service/metrics"
	"github.com/shopspring/decimal"
)

const (
	xrplNativeCurrency = "XRP"
	xrplNativeDecimals = 6
	xrplDefaultLimit   = 200

	// xrplLedgerWindow is how many ledgers a payment stays eligible for inclusion.
	xrplLedgerWindow = 20
	xrplMaxFeeDrops  = 100000

	// xrplCodeExpired is reported when LastLedgerSequence passed without validation.
	xrplCodeExpired = "expired"
)

// XRPLClient talks to a rippled node over JSON-RPC and signs payments locally.
type XRPLClient struct {
	rpc            XRPLRPC
	signer         Signer
	account        string
	tokens         *TokenRegistry
	timeout        time.Duration
	pageLimit      int
	confirmPoll    time.Duration
	confirmTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewXRPLClient creates an XRPL client. signer may be nil for read-only use.
func NewXRPLClient(opts Options, rpc XRPLRPC, signer Signer, m *metrics.Metrics, logger *slog.Logger) *XRPLClient {
	limit := opts.PageLimit
	if limit <= 0 {
		limit = xrplDefaultLimit
	}
	if opts.Tokens == nil {
		opts.Tokens = &TokenRegistry{}
	}
	opts.confirmDefaults()
	return &XRPLClient{
		rpc:            rpc,
		signer:         signer,
		account:        opts.Account,
		tokens:         opts.Tokens,
		timeout:        opts.Timeout,
		pageLimit:      limit,
		confirmPoll:    opts.ConfirmPoll,
		confirmTimeout: opts.ConfirmTimeout,
		metrics:        m,
		logger:         logger,
	}
}

func (c *XRPLClient) NativeCurrency() string { return xrplNativeCurrency }
func (c *XRPLClient) NativeDecimals() int32  { return xrplNativeDecimals }

// Connect verifies the node answers server_info and returns a handle.
func (c *XRPLClient) Connect(ctx context.Context) (Conn, error) {
	var info struct {
		Info struct {
			BuildVersion string `json:"build_version"`
			ServerState  string `json:"server_state"`
		} `json:"info"`
	}
	if err := c.call(ctx, "server_info", struct{}{}, &info); err != nil {
		return nil, fmt.Errorf("failed to connect to ledger node: %w", err)
	}

	c.logger.DebugContext(ctx, "connected to ledger node",
		"network", NetworkXRPL,
		"server_state", info.Info.ServerState,
		"build_version", info.Info.BuildVersion,
	)
	return &xrplConn{client: c}, nil
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// call performs one JSON-RPC request under its own timeout.
func (c *XRPLClient) call(ctx context.Context, method string, params any, out any) (err error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if c.metrics == nil {
			return
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordLedgerCall(method, status, NetworkXRPL, time.Since(start).Seconds())
	}()

	result, err := c.rpc.Request(ctx, method, params)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}

	var status rpcStatus
	if err := json.Unmarshal(result, &status); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	if status.Status == "error" || status.Error != "" {
		msg := status.ErrorMessage
		if msg == "" {
			msg = status.Error
		}
		return fmt.Errorf("%s failed: %s", method, msg)
	}

	if out != nil {
		if err := json.Unmarshal(result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

type xrplConn struct {
	client *XRPLClient
}

// xrplCursor resumes account_tx. Marker continues an interrupted scan; otherwise
// the scan restarts at LedgerIndexMin.
type xrplCursor struct {
	Marker         json.RawMessage `json:"marker,omitempty"`
	LedgerIndexMin int64           `json:"ledger_index_min,omitempty"`
}

type accountTxParams struct {
	Account        string          `json:"account"`
	LedgerIndexMin int64           `json:"ledger_index_min"`
	LedgerIndexMax int64           `json:"ledger_index_max"`
	Limit          int             `json:"limit"`
	Forward        bool            `json:"forward"`
	Marker         json.RawMessage `json:"marker,omitempty"`
}

type accountTxResult struct {
	Marker       json.RawMessage `json:"marker"`
	Transactions []struct {
		Meta struct {
			TransactionResult string          `json:"TransactionResult"`
			DeliveredAmount   json.RawMessage `json:"delivered_amount"`
		} `json:"meta"`
		Tx        xrplTx `json:"tx"`
		Validated bool   `json:"validated"`
	} `json:"transactions"`
}

type xrplTx struct {
	Hash            string          `json:"hash"`
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination"`
	Amount          json.RawMessage `json:"Amount"`
	LedgerIndex     int64           `json:"ledger_index"`
	Memos           []struct {
		Memo struct {
			MemoData string `json:"MemoData"`
		} `json:"Memo"`
	} `json:"Memos"`
}

func (c *xrplConn) AccountTransactions(ctx context.Context, address string, cursor Cursor) (*Page, error) {
	params := accountTxParams{
		Account:        address,
		LedgerIndexMin: -1,
		LedgerIndexMax: -1,
		Limit:          c.client.pageLimit,
		Forward:        true,
	}

	if len(cursor) > 0 {
		var cur xrplCursor
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return nil, fmt.Errorf("failed to decode cursor: %w", err)
		}
		if cur.LedgerIndexMin > 0 {
			params.LedgerIndexMin = cur.LedgerIndexMin
		}
		params.Marker = cur.Marker
	}

	var result accountTxResult
	if err := c.client.call(ctx, "account_tx", params, &result); err != nil {
		return nil, err
	}

	page := &Page{Transactions: make([]Transaction, 0, len(result.Transactions))}
	var highest int64
	for _, entry := range result.Transactions {
		if !entry.Validated {
			continue
		}
		txn, err := c.client.toTransaction(entry.Tx, entry.Meta.TransactionResult, entry.Meta.DeliveredAmount)
		if err != nil {
			// Skipping would advance the cursor past the entry for good.
			return nil, fmt.Errorf("failed to parse ledger transaction %s: %w", entry.Tx.Hash, err)
		}
		if txn.LedgerIndex > highest {
			highest = txn.LedgerIndex
		}
		page.Transactions = append(page.Transactions, txn)
	}

	if c.client.metrics != nil {
		c.client.metrics.RecordLedgerPageSize(NetworkXRPL, len(page.Transactions))
	}

	var next *xrplCursor
	switch {
	case len(result.Marker) > 0 && string(result.Marker) != "null":
		next = &xrplCursor{Marker: result.Marker, LedgerIndexMin: params.LedgerIndexMin}
	case highest > 0:
		next = &xrplCursor{LedgerIndexMin: highest}
	}
	if next != nil {
		b, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("failed to encode cursor: %w", err)
		}
		page.NextCursor = b
	}

	return page, nil
}

func (c *XRPLClient) toTransaction(tx xrplTx, result string, delivered json.RawMessage) (Transaction, error) {
	raw := tx.Amount
	if len(delivered) > 0 && string(delivered) != "\"unavailable\"" {
		raw = delivered
	}

	txn := Transaction{
		Hash:        tx.Hash,
		Type:        tx.TransactionType,
		Sender:      tx.Account,
		Destination: tx.Destination,
		LedgerIndex: tx.LedgerIndex,
		Succeeded:   result == "tesSUCCESS",
	}
	for _, m := range tx.Memos {
		if m.Memo.MemoData != "" {
			txn.Memos = append(txn.Memos, m.Memo.MemoData)
		}
	}

	if len(raw) > 0 {
		amount, err := parseXRPLAmount(raw)
		if err != nil {
			return Transaction{}, err
		}
		txn.Amount = amount
	}
	return txn, nil
}

// parseXRPLAmount decodes an XRPL amount: a string of drops for XRP, or an
// object {currency, issuer, value} for issued tokens.
func parseXRPLAmount(raw json.RawMessage) (Amount, error) {
	var drops string
	if err := json.Unmarshal(raw, &drops); err == nil {
		v, err := decimal.NewFromString(drops)
		if err != nil {
			return Amount{}, fmt.Errorf("invalid drops amount %q: %w", drops, err)
		}
		return Amount{Native: true, Value: v}, nil
	}

	var issued struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(raw, &issued); err != nil {
		return Amount{}, fmt.Errorf("invalid amount: %w", err)
	}
	v, err := decimal.NewFromString(issued.Value)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid token amount %q: %w", issued.Value, err)
	}
	return Amount{
		Value:    v,
		Currency: decodeCurrencyCode(issued.Currency),
		Issuer:   issued.Issuer,
	}, nil
}

// encodeCurrencyCode renders a token code for the wire. Codes longer than
// three characters use the 160-bit hex form.
func encodeCurrencyCode(code string) string {
	code = strings.ToUpper(code)
	if len(code) <= 3 {
		return code
	}
	buf := make([]byte, 20)
	copy(buf, code)
	return strings.ToUpper(hex.EncodeToString(buf))
}

func decodeCurrencyCode(code string) string {
	if len(code) != 40 {
		return code
	}
	b, err := hex.DecodeString(code)
	if err != nil {
		return code
	}
	return strings.TrimRight(string(b), "\x00")
}

// BuildUnsignedPayment renders the payment and fills in Sequence, Fee and
// LastLedgerSequence from the node.
func (c *xrplConn) BuildUnsignedPayment(ctx context.Context, req PaymentRequest) (*UnsignedTx, error) {
	code := strings.ToUpper(req.AssetCode)

	var amount any
	if code == xrplNativeCurrency {
		drops, err := ToMinorUnits(req.Amount, xrplNativeDecimals)
		if err != nil {
			return nil, fmt.Errorf("failed to convert payment amount: %w", err)
		}
		amount = drops.String()
	} else {
		tok, ok := c.client.tokens.Lookup(code)
		if !ok {
			return nil, fmt.Errorf("failed to build payment for %s: %w", code, ErrUnknownToken)
		}
		amount = map[string]any{
			"currency": encodeCurrencyCode(code),
			"issuer":   tok.Issuer,
			"value":    req.Amount.String(),
		}
	}

	sequence, err := c.accountSequence(ctx)
	if err != nil {
		return nil, err
	}
	fee, err := c.fee(ctx)
	if err != nil {
		return nil, err
	}
	current, err := c.currentLedger(ctx)
	if err != nil {
		return nil, err
	}

	txJSON := map[string]any{
		"TransactionType":    TypePayment,
		"Account":            c.client.account,
		"Destination":        req.Recipient,
		"Amount":             amount,
		"Sequence":           sequence,
		"Fee":                fee,
		"LastLedgerSequence": current + xrplLedgerWindow,
	}
	raw, err := json.Marshal(txJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment: %w", err)
	}

	return &UnsignedTx{
		Request: PaymentRequest{Recipient: req.Recipient, AssetCode: code, Amount: req.Amount},
		Raw:     raw,
		payload: txJSON,
	}, nil
}

func (c *xrplConn) accountSequence(ctx context.Context) (uint32, error) {
	var result struct {
		AccountData struct {
			Sequence uint32 `json:"Sequence"`
		} `json:"account_data"`
	}
	params := map[string]any{"account": c.client.account, "ledger_index": "current"}
	if err := c.client.call(ctx, "account_info", params, &result); err != nil {
		return 0, fmt.Errorf("failed to get account sequence: %w", err)
	}
	return result.AccountData.Sequence, nil
}

// fee returns the open ledger fee in drops, bounded by xrplMaxFeeDrops.
func (c *xrplConn) fee(ctx context.Context) (string, error) {
	var result struct {
		Drops struct {
			BaseFee       string `json:"base_fee"`
			OpenLedgerFee string `json:"open_ledger_fee"`
		} `json:"drops"`
	}
	if err := c.client.call(ctx, "fee", struct{}{}, &result); err != nil {
		return "", fmt.Errorf("failed to get network fee: %w", err)
	}

	raw := result.Drops.OpenLedgerFee
	if raw == "" {
		raw = result.Drops.BaseFee
	}
	drops, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("invalid fee %q: %w", raw, err)
	}
	if drops.GreaterThan(decimal.NewFromInt(xrplMaxFeeDrops)) {
		return "", fmt.Errorf("network fee %s drops exceeds limit of %d", drops, xrplMaxFeeDrops)
	}
	return drops.String(), nil
}

func (c *xrplConn) currentLedger(ctx context.Context) (uint32, error) {
	var result struct {
		LedgerCurrentIndex uint32 `json:"ledger_current_index"`
	}
	if err := c.client.call(ctx, "ledger_current", struct{}{}, &result); err != nil {
		return 0, fmt.Errorf("failed to get current ledger: %w", err)
	}
	return result.LedgerCurrentIndex, nil
}

func (c *xrplConn) validatedLedger(ctx context.Context) (uint32, error) {
	var result struct {
		LedgerIndex uint32 `json:"ledger_index"`
	}
	params := map[string]any{"ledger_index": "validated"}
	if err := c.client.call(ctx, "ledger", params, &result); err != nil {
		return 0, fmt.Errorf("failed to get validated ledger: %w", err)
	}
	return result.LedgerIndex, nil
}

// SignAndSubmit signs the payment with the escrow wallet, submits the blob
// and polls tx until the payment is in a validated ledger or its
// LastLedgerSequence has passed.
func (c *xrplConn) SignAndSubmit(ctx context.Context, tx *UnsignedTx) (*SubmitResult, error) {
	txJSON, ok := tx.payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("transaction was not built by the xrpl backend: %w", ErrNotSubmitted)
	}
	if c.client.signer == nil {
		return nil, fmt.Errorf("no signing wallet configured: %w", ErrNotSubmitted)
	}
	lastLedger, _ := txJSON["LastLedgerSequence"].(uint32)

	signable := make(map[string]any, len(txJSON))
	for k, v := range txJSON {
		signable[k] = v
	}
	blob, hash, err := c.client.signer.Sign(signable)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment: %w: %w", ErrNotSubmitted, err)
	}

	var submitted struct {
		EngineResult        string `json:"engine_result"`
		EngineResultMessage string `json:"engine_result_message"`
	}
	if err := c.client.call(ctx, "submit", map[string]any{"tx_blob": blob}, &submitted); err != nil {
		return nil, fmt.Errorf("failed to submit payment %s: %w", hash, err)
	}

	logger := c.client.logger.With("hash", hash, "engine_result", submitted.EngineResult)
	if neverApplied(submitted.EngineResult) {
		logger.WarnContext(ctx, "payment rejected on submit", "message", submitted.EngineResultMessage)
		return &SubmitResult{LedgerHash: hash, Code: submitted.EngineResult}, nil
	}
	logger.DebugContext(ctx, "payment submitted, awaiting validation", "last_ledger_sequence", lastLedger)

	return c.awaitValidation(ctx, hash, lastLedger)
}

// neverApplied reports engine results that guarantee the blob is not applied.
func neverApplied(code string) bool {
	for _, prefix := range []string{"tem", "tef", "tel"} {
		if strings.HasPrefix(code, prefix) {
			return true
		}
	}
	return false
}

func (c *xrplConn) awaitValidation(ctx context.Context, hash string, lastLedger uint32) (*SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.client.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.client.confirmPoll)
	defer ticker.Stop()

	for {
		// Read the validated index first so a miss below it is final.
		validated, ledgerErr := c.validatedLedger(ctx)

		var status struct {
			Validated bool `json:"validated"`
			Meta      struct {
				TransactionResult string `json:"TransactionResult"`
			} `json:"meta"`
		}
		err := c.client.call(ctx, "tx", map[string]any{"transaction": hash, "binary": false}, &status)
		switch {
		case err == nil && status.Validated:
			code := status.Meta.TransactionResult
			return &SubmitResult{Success: code == "tesSUCCESS", LedgerHash: hash, Code: code}, nil
		case ledgerErr == nil && lastLedger > 0 && validated > lastLedger:
			c.client.logger.WarnContext(ctx, "payment expired before validation",
				"hash", hash,
				"last_ledger_sequence", lastLedger,
				"validated_ledger", validated,
			)
			return &SubmitResult{LedgerHash: hash, Code: xrplCodeExpired}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("payment %s not validated: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Disconnect is a no-op: JSON-RPC over HTTP keeps no session.
func (c *xrplConn) Disconnect(ctx context.Context) error {
	return nil
}
