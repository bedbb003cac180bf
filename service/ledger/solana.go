package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/escrowd/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

const (
	solanaNativeCurrency = "SOL"
	solanaNativeDecimals = 9
	solanaDefaultLimit   = 100
	solanaMaxAttempts    = 3

	solanaCodeExpired  = "expired"
	solanaCodeRejected = "rejected"
	solanaCodeFailed   = "failed"
)

// SolanaClient reads and pays from an escrow wallet on Solana.
type SolanaClient struct {
	rpc       RPCClient
	key       solana.PrivateKey
	tokens    *TokenRegistry
	timeout   time.Duration
	pageLimit int
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// retryBackoff is the base delay between GetTransaction attempts.
	retryBackoff time.Duration

	confirmPoll    time.Duration
	confirmTimeout time.Duration
}

// NewSolanaClient creates a Solana client. The signing secret is the escrow
// wallet's base58 private key; an empty secret yields a read-only client.
func NewSolanaClient(opts Options, rpcClient RPCClient, m *metrics.Metrics, logger *slog.Logger) (*SolanaClient, error) {
	opts.confirmDefaults()
	c := &SolanaClient{
		rpc:            rpcClient,
		tokens:         opts.Tokens,
		timeout:        opts.Timeout,
		pageLimit:      opts.PageLimit,
		metrics:        m,
		logger:         logger,
		retryBackoff:   time.Second,
		confirmPoll:    opts.ConfirmPoll,
		confirmTimeout: opts.ConfirmTimeout,
	}
	if c.pageLimit <= 0 {
		c.pageLimit = solanaDefaultLimit
	}
	if opts.SigningSecret != "" {
		key, err := solana.PrivateKeyFromBase58(opts.SigningSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		c.key = key
	}
	return c, nil
}

func (c *SolanaClient) NativeCurrency() string { return solanaNativeCurrency }
func (c *SolanaClient) NativeDecimals() int32  { return solanaNativeDecimals }

func (c *SolanaClient) Connect(ctx context.Context) (Conn, error) {
	err := c.observe(ctx, "getHealth", func(ctx context.Context) error {
		return c.rpc.GetHealth(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger node: %w", err)
	}
	return &solanaConn{client: c}, nil
}

// observe runs one RPC call under the client timeout and records it.
func (c *SolanaClient) observe(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if c.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordLedgerCall(method, status, NetworkSolana, time.Since(start).Seconds())
	}
	return err
}

type solanaConn struct {
	client *SolanaClient
}

type solanaCursor struct {
	NewestSignature string `json:"newest_signature"`
}

// AccountTransactions pages backwards from the newest signature until it
// reaches the cursor's signature. With no cursor, only the most recent page is read.
// Transactions are returned oldest first.
func (c *solanaConn) AccountTransactions(ctx context.Context, address string, cursor Cursor) (*Page, error) {
	wallet, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid account address %q: %w", address, err)
	}

	var until solana.Signature
	if len(cursor) > 0 {
		var cur solanaCursor
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return nil, fmt.Errorf("failed to decode cursor: %w", err)
		}
		if cur.NewestSignature != "" {
			until, err = solana.SignatureFromBase58(cur.NewestSignature)
			if err != nil {
				return nil, fmt.Errorf("invalid cursor signature: %w", err)
			}
		}
	}

	limit := c.client.pageLimit
	var sigs []*rpc.TransactionSignature
	var before solana.Signature
	for {
		opts := &rpc.GetSignaturesForAddressOpts{
			Limit:  &limit,
			Until:  until,
			Before: before,
		}
		var batch []*rpc.TransactionSignature
		err := c.client.observe(ctx, "getSignaturesForAddress", func(ctx context.Context) error {
			var err error
			batch, err = c.client.rpc.GetSignaturesForAddress(ctx, wallet, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get signatures: %w", err)
		}
		sigs = append(sigs, batch...)

		if len(batch) < limit || until.IsZero() {
			break
		}
		before = batch[len(batch)-1].Signature
	}

	c.client.logger.DebugContext(ctx, "fetched transaction signatures",
		"wallet", address,
		"count", len(sigs),
	)
	if c.client.metrics != nil {
		c.client.metrics.RecordLedgerPageSize(NetworkSolana, len(sigs))
	}

	page := &Page{Transactions: make([]Transaction, 0, len(sigs))}
	for i := len(sigs) - 1; i >= 0; i-- {
		txn, err := c.fetch(ctx, sigs[i])
		if err != nil {
			return nil, err
		}
		page.Transactions = append(page.Transactions, txn)
	}

	if len(sigs) > 0 {
		b, err := json.Marshal(solanaCursor{NewestSignature: sigs[0].Signature.String()})
		if err != nil {
			return nil, fmt.Errorf("failed to encode cursor: %w", err)
		}
		page.NextCursor = b
	}
	return page, nil
}

// fetch loads and parses one transaction, retrying rate limits with backoff.
// A transaction that cannot be parsed is kept as metadata only.
func (c *solanaConn) fetch(ctx context.Context, sig *rpc.TransactionSignature) (Transaction, error) {
	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	var result *rpc.GetTransactionResult
	var err error
	for attempt := range solanaMaxAttempts {
		err = c.client.observe(ctx, "getTransaction", func(ctx context.Context) error {
			var err error
			result, err = c.client.rpc.GetTransaction(ctx, sig.Signature, opts)
			return err
		})
		if err == nil {
			break
		}

		reason := "error"
		if strings.Contains(err.Error(), "429") {
			reason = "rate_limit"
		}
		if attempt == solanaMaxAttempts-1 {
			break
		}
		if c.client.metrics != nil {
			c.client.metrics.RecordLedgerRetry("getTransaction", reason)
		}

		backoff := c.client.retryBackoff * time.Duration(1<<uint(attempt))
		c.client.logger.WarnContext(ctx, "failed to get transaction, retrying",
			"signature", sig.Signature.String(),
			"attempt", attempt+1,
			"reason", reason,
			"backoff_seconds", backoff.Seconds(),
		)
		select {
		case <-ctx.Done():
			return Transaction{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to get transaction %s: %w", sig.Signature, err)
	}

	txn, err := parseSolanaTransaction(sig, result, c.client.tokens)
	if err != nil {
		c.client.logger.WarnContext(ctx, "failed to parse transaction, using metadata only",
			"signature", sig.Signature.String(),
			"error", err,
		)
		return signatureToTransaction(sig), nil
	}
	return txn, nil
}

func (c *solanaConn) BuildUnsignedPayment(ctx context.Context, req PaymentRequest) (*UnsignedTx, error) {
	if c.client.key == nil {
		return nil, fmt.Errorf("no signing key configured")
	}
	owner := c.client.key.PublicKey()

	recipient, err := solana.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", req.Recipient, err)
	}

	code := strings.ToUpper(req.AssetCode)
	var instruction solana.Instruction
	if code == solanaNativeCurrency {
		lamports, err := ToMinorUnits(req.Amount, solanaNativeDecimals)
		if err != nil {
			return nil, fmt.Errorf("failed to convert payment amount: %w", err)
		}
		instruction = system.NewTransferInstruction(lamports.BigInt().Uint64(), owner, recipient).Build()
	} else {
		tok, ok := c.client.tokens.Lookup(code)
		if !ok {
			return nil, fmt.Errorf("failed to build payment for %s: %w", code, ErrUnknownToken)
		}
		mint, err := solana.PublicKeyFromBase58(tok.Issuer)
		if err != nil {
			return nil, fmt.Errorf("invalid mint for %s: %w", code, err)
		}
		units, err := ToMinorUnits(req.Amount, tok.Decimals)
		if err != nil {
			return nil, fmt.Errorf("failed to convert payment amount: %w", err)
		}
		source, _, err := solana.FindAssociatedTokenAddress(owner, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive source token account: %w", err)
		}
		destination, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive destination token account: %w", err)
		}
		instruction = token.NewTransferCheckedInstruction(
			units.BigInt().Uint64(),
			uint8(tok.Decimals),
			source,
			mint,
			destination,
			owner,
			[]solana.PublicKey{},
		).Build()
	}

	var blockhash solana.Hash
	var lastValid uint64
	err = c.client.observe(ctx, "getLatestBlockhash", func(ctx context.Context) error {
		var err error
		blockhash, lastValid, err = c.client.rpc.GetLatestBlockhash(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction([]solana.Instruction{instruction}, blockhash, solana.TransactionPayer(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	raw, err := json.Marshal(map[string]string{
		"recipient":               req.Recipient,
		"asset":                   code,
		"amount":                  req.Amount.String(),
		"blockhash":               blockhash.String(),
		"last_valid_block_height": fmt.Sprint(lastValid),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment: %w", err)
	}

	return &UnsignedTx{
		Request: PaymentRequest{Recipient: req.Recipient, AssetCode: code, Amount: req.Amount},
		Raw:     raw,
		payload: &solanaPayment{tx: tx, lastValid: lastValid},
	}, nil
}

// solanaPayment is a built transaction and the block height its blockhash expires at.
type solanaPayment struct {
	tx        *solana.Transaction
	lastValid uint64
}

// SignAndSubmit sends the payment and waits until the cluster confirms it,
// reports it failed, or its blockhash expires.
func (c *solanaConn) SignAndSubmit(ctx context.Context, utx *UnsignedTx) (*SubmitResult, error) {
	p, ok := utx.payload.(*solanaPayment)
	if !ok {
		return nil, fmt.Errorf("transaction was not built by the solana backend: %w", ErrNotSubmitted)
	}
	tx := p.tx

	key := c.client.key
	owner := key.PublicKey()
	if _, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(owner) {
			return &key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w: %w", ErrNotSubmitted, err)
	}

	var sig solana.Signature
	err := c.client.observe(ctx, "sendTransaction", func(ctx context.Context) error {
		var err error
		sig, err = c.client.rpc.SendTransaction(ctx, tx)
		return err
	})
	if err != nil {
		// A JSON-RPC error means the node refused the transaction during preflight.
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			c.client.logger.WarnContext(ctx, "transaction rejected by node",
				"code", rpcErr.Code,
				"message", rpcErr.Message,
			)
			return &SubmitResult{Code: solanaCodeRejected}, nil
		}
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	return c.awaitConfirmation(ctx, sig, p.lastValid)
}

func (c *solanaConn) awaitConfirmation(ctx context.Context, sig solana.Signature, lastValid uint64) (*SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.client.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.client.confirmPoll)
	defer ticker.Stop()

	hash := sig.String()
	for {
		// Read the height first so a missing status below it is final.
		var height uint64
		heightErr := c.client.observe(ctx, "getBlockHeight", func(ctx context.Context) error {
			var err error
			height, err = c.client.rpc.GetBlockHeight(ctx)
			return err
		})

		var status *rpc.SignatureStatusesResult
		err := c.client.observe(ctx, "getSignatureStatuses", func(ctx context.Context) error {
			var err error
			status, err = c.client.rpc.GetSignatureStatus(ctx, sig)
			return err
		})
		switch {
		case err == nil && status != nil && status.Err != nil && confirmed(status.ConfirmationStatus):
			c.client.logger.WarnContext(ctx, "transaction failed on chain",
				"signature", hash,
				"error", fmt.Sprint(status.Err),
			)
			return &SubmitResult{LedgerHash: hash, Code: solanaCodeFailed}, nil
		case err == nil && status != nil && status.Err == nil && confirmed(status.ConfirmationStatus):
			return &SubmitResult{Success: true, LedgerHash: hash, Code: string(status.ConfirmationStatus)}, nil
		case err == nil && status == nil && heightErr == nil && lastValid > 0 && height > lastValid:
			c.client.logger.WarnContext(ctx, "transaction expired before confirmation",
				"signature", hash,
				"last_valid_block_height", lastValid,
				"block_height", height,
			)
			return &SubmitResult{LedgerHash: hash, Code: solanaCodeExpired}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction %s not confirmed: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func confirmed(s rpc.ConfirmationStatusType) bool {
	return s == rpc.ConfirmationStatusConfirmed || s == rpc.ConfirmationStatusFinalized
}

// Disconnect releases nothing: the RPC client is stateless HTTP.
func (c *solanaConn) Disconnect(ctx context.Context) error {
	return nil
}
