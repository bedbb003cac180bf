package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Peersyst/xrpl-go/xrpl/rpc"
	"github.com/Peersyst/xrpl-go/xrpl/wallet"
)

// XRPLRPC performs one rippled JSON-RPC call and returns its result object.
type XRPLRPC interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Signer signs XRPL transactions locally; the secret never leaves the process.
type Signer interface {
	Address() string
	// Sign returns the signed transaction blob and its hash.
	Sign(tx map[string]any) (blob string, hash string, err error)
}

type sdkRPC struct {
	client *rpc.Client
}

// NewXRPLRPC creates an XRPLRPC backed by the xrpl-go JSON-RPC client.
// timeout bounds each HTTP round trip.
func NewXRPLRPC(url string, timeout time.Duration) (XRPLRPC, error) {
	cfg, err := rpc.NewClientConfig(url, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("failed to configure xrpl rpc client: %w", err)
	}
	return &sdkRPC{client: rpc.NewClient(cfg)}, nil
}

// sdkRequest carries a method name and its params through the client.
type sdkRequest struct {
	method string
	params any
}

func (r sdkRequest) Method() string               { return r.method }
func (r sdkRequest) Validate() error              { return nil }
func (r sdkRequest) APIVersion() int              { return 1 }
func (r sdkRequest) SetAPIVersion(int)            {}
func (r sdkRequest) MarshalJSON() ([]byte, error) { return json.Marshal(r.params) }

// Request runs the call on its own goroutine since the client takes no context.
func (s *sdkRPC) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	type reply struct {
		raw json.RawMessage
		err error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := s.client.Request(sdkRequest{method: method, params: params})
		if err != nil {
			done <- reply{err: err}
			return
		}
		var result map[string]any
		if err := resp.GetResult(&result); err != nil {
			done <- reply{err: fmt.Errorf("failed to decode %s result: %w", method, err)}
			return
		}
		raw, err := json.Marshal(result)
		done <- reply{raw: raw, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.raw, r.err
	}
}

type walletSigner struct {
	address string
	sign    func(tx map[string]any) (string, string, error)
}

// NewWalletSigner derives the escrow wallet from its family seed.
func NewWalletSigner(seed string) (Signer, error) {
	w, err := wallet.FromSeed(seed, "")
	if err != nil {
		return nil, fmt.Errorf("failed to derive wallet from signing secret: %w", err)
	}
	return &walletSigner{address: string(w.ClassicAddress), sign: w.Sign}, nil
}

func (s *walletSigner) Address() string { return s.address }

func (s *walletSigner) Sign(tx map[string]any) (string, string, error) {
	return s.sign(tx)
}
