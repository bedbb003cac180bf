package nats

import (
	"time"

	"github.com/brojonat/escrowd/service/db"
	"github.com/shopspring/decimal"
)

// TransactionEvent is published to "txns.{escrow_address}" for every newly
// stored escrow record.
type TransactionEvent struct {
	Hash          string  `json:"hash"`
	EscrowAddress string  `json:"escrow_address"`
	Sender        *string `json:"sender,omitempty"`

	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	// Memo intent, present only when the memo decoded.
	Asset     *string          `json:"asset,omitempty"`
	Recipient *string          `json:"recipient,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`

	MemoStatus  string    `json:"memo_status"`
	LedgerIndex int64     `json:"ledger_index"`
	PublishedAt time.Time `json:"published_at"`
}

// FromCreateParams converts insert parameters to a TransactionEvent.
func FromCreateParams(p db.CreateTransactionParams) *TransactionEvent {
	return &TransactionEvent{
		Hash:          p.Hash,
		EscrowAddress: p.Account,
		Sender:        p.Sender,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Asset:         p.Asset,
		Recipient:     p.Recipient,
		Price:         p.Price,
		MemoStatus:    p.MemoStatus,
		LedgerIndex:   p.LedgerIndex,
		PublishedAt:   time.Now().UTC(),
	}
}

// SettlementEvent is published to "settlements.{escrow_address}" once a pair
// has been paid out and marked settled.
type SettlementEvent struct {
	EscrowAddress string `json:"escrow_address"`
	SellHash      string `json:"sell_hash"`
	BuyHash       string `json:"buy_hash"`

	Seller string `json:"seller"`
	Buyer  string `json:"buyer"`

	PaymentAmount      decimal.Decimal `json:"payment_amount"`
	PaymentToken       string          `json:"payment_token"`
	PaymentLedgerHash  string          `json:"payment_ledger_hash"`
	TransferAmount     decimal.Decimal `json:"transfer_amount"`
	TransferToken      string          `json:"transfer_token"`
	TransferLedgerHash string          `json:"transfer_ledger_hash"`

	SettledAt time.Time `json:"settled_at"`
}
