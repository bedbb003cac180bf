// Package ledger is the engine's view of the distributed ledger: paging an
// account's transaction history, building payments and submitting them.
//
// Callers acquire a Conn per reconciliation cycle via Client.Connect and must
// release it with Conn.Disconnect on every exit path.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/escrowd/service/metrics"
	"github.com/shopspring/decimal"
)

// TypePayment is the only transaction type the engine stores.
const TypePayment = "Payment"

// Supported networks.
const (
	NetworkXRPL   = "xrpl"
	NetworkSolana = "solana"
)

// ErrUnknownToken is returned when a payment names an asset code that is
// neither the native currency nor a registered token.
var ErrUnknownToken = errors.New("unknown token")

// ErrNotSubmitted marks a SignAndSubmit failure that happened before the
// transaction reached the network. Any other SignAndSubmit error leaves the
// transaction's fate unknown.
var ErrNotSubmitted = errors.New("transaction not submitted")

// Client opens scoped connections to a ledger node.
type Client interface {
	Connect(ctx context.Context) (Conn, error)
	NativeCurrency() string
	NativeDecimals() int32
}

// Conn is a connection handle owned by a single reconciliation cycle.
type Conn interface {
	// AccountTransactions returns the next page of the account's history after
	// cursor. A nil cursor asks for the most recent window.
	AccountTransactions(ctx context.Context, address string, cursor Cursor) (*Page, error)
	BuildUnsignedPayment(ctx context.Context, req PaymentRequest) (*UnsignedTx, error)
	// SignAndSubmit signs tx locally, submits it and waits until the ledger
	// has either confirmed it or can no longer include it.
	SignAndSubmit(ctx context.Context, tx *UnsignedTx) (*SubmitResult, error)
	Disconnect(ctx context.Context) error
}

// Cursor is an opaque, JSON-encoded position in an account's history.
// Only the backend that produced it interprets its contents.
type Cursor []byte

// Page is one fetch of account history.
type Page struct {
	Transactions []Transaction
	// NextCursor is nil when nothing new was seen; the caller keeps its cursor.
	NextCursor Cursor
}

// Amount is what a transaction moved.
// Native amounts are in minor units (drops, lamports), token amounts in major units.
type Amount struct {
	Native   bool
	Value    decimal.Decimal
	Currency string // token code, empty for native
	Issuer   string // token issuer or mint, empty for native
}

// Transaction is a ledger transaction touching a monitored account.
type Transaction struct {
	Hash        string
	Type        string
	Sender      string
	Destination string
	Amount      Amount
	Memos       []string // hex-encoded memo payloads
	LedgerIndex int64
	Succeeded   bool
}

// PaymentRequest describes a payment out of the escrow account.
// Amount is in major units of AssetCode.
type PaymentRequest struct {
	Recipient string
	AssetCode string
	Amount    decimal.Decimal
}

// UnsignedTx is a payment built by a Conn, ready for SignAndSubmit on the
// same backend.
type UnsignedTx struct {
	Request PaymentRequest
	Raw     json.RawMessage // backend rendering, for logs

	payload any
}

// SubmitResult is the final outcome of a submitted transaction. Success is
// only set once the transaction is confirmed on-ledger; otherwise the ledger
// rejected it or it expired and it will never be applied.
type SubmitResult struct {
	Success    bool
	LedgerHash string
	Code       string
}

// Options configures New.
type Options struct {
	Network       string
	RPCURL        string
	Account       string // escrow account that signs payments
	SigningSecret string
	Tokens        *TokenRegistry
	Timeout       time.Duration
	PageLimit     int
	// ConfirmPoll is the interval between confirmation checks after submit.
	ConfirmPoll time.Duration
	// ConfirmTimeout bounds the wait for confirmation.
	ConfirmTimeout time.Duration
}

const (
	defaultConfirmPoll    = time.Second
	defaultConfirmTimeout = 90 * time.Second
)

// New builds the Client for opts.Network.
// If m is nil, no metrics are recorded.
func New(opts Options, m *metrics.Metrics, logger *slog.Logger) (Client, error) {
	if opts.Tokens == nil {
		opts.Tokens = &TokenRegistry{}
	}
	switch opts.Network {
	case NetworkXRPL, "":
		signer, err := NewWalletSigner(opts.SigningSecret)
		if err != nil {
			return nil, err
		}
		if signer.Address() != opts.Account {
			return nil, fmt.Errorf("signing secret belongs to %s, not escrow account %s", signer.Address(), opts.Account)
		}
		rpc, err := NewXRPLRPC(opts.RPCURL, opts.Timeout)
		if err != nil {
			return nil, err
		}
		return NewXRPLClient(opts, rpc, signer, m, logger), nil
	case NetworkSolana:
		return NewSolanaClient(opts, NewRPCClient(opts.RPCURL), m, logger)
	default:
		return nil, fmt.Errorf("unsupported ledger network %q", opts.Network)
	}
}

func (o *Options) confirmDefaults() {
	if o.ConfirmPoll <= 0 {
		o.ConfirmPoll = defaultConfirmPoll
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = defaultConfirmTimeout
	}
}

// withTimeout bounds a single outbound call.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
