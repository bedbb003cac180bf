package ledger

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// Well-known Solana program IDs
var (
	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.TokenProgramID

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	// MemoProgramIDSPL is the SPL Memo program (most common)
	MemoProgramIDSPL = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	// MemoProgramIDLegacy is the legacy memo program (v1)
	MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
)

// System Program instruction types
const (
	SystemProgramTransferInstruction = uint32(2)
)

// Token Program instruction types
const (
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// TypeOther labels Solana transactions that moved no value we understand.
const TypeOther = "Other"

// signatureToTransaction builds a Transaction from signature metadata only.
func signatureToTransaction(sig *rpc.TransactionSignature) Transaction {
	return Transaction{
		Hash:        sig.Signature.String(),
		Type:        TypeOther,
		LedgerIndex: int64(sig.Slot),
		Succeeded:   sig.Err == nil,
	}
}

// parseSolanaTransaction extracts the transfer and memos from a fetched
// transaction. Tokens are resolved against the registry by mint.
func parseSolanaTransaction(sig *rpc.TransactionSignature, result *rpc.GetTransactionResult, tokens *TokenRegistry) (Transaction, error) {
	txn := signatureToTransaction(sig)

	if sig.Err != nil || result == nil || result.Transaction == nil {
		return txn, nil
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to decode transaction: %w", err)
	}

	accountKeys := tx.Message.AccountKeys
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		switch {
		case programID.Equals(solana.SystemProgramID):
			lamports, from, to, err := parseSystemTransfer(instruction, accountKeys)
			if err != nil {
				continue
			}
			txn.Type = TypePayment
			txn.Sender = from
			txn.Destination = to
			txn.Amount = Amount{Native: true, Value: decimalFromUint64(lamports)}

		case programID.Equals(TokenProgramID) || programID.Equals(Token2022ProgramID):
			transfer, err := parseTransferChecked(instruction, accountKeys)
			if err != nil {
				continue
			}
			code := transfer.mint.String()
			if tok, ok := tokens.LookupIssuer(code); ok {
				code = tok.Code
			}
			txn.Type = TypePayment
			txn.Sender = transfer.authority.String()
			txn.Destination = transfer.destination.String()
			txn.Amount = Amount{
				Value:    ToMajorUnits(decimalFromUint64(transfer.amount), int32(transfer.decimals)),
				Currency: code,
				Issuer:   transfer.mint.String(),
			}

		case programID.Equals(MemoProgramIDSPL) || programID.Equals(MemoProgramIDLegacy):
			if memo := parseMemo(instruction.Data); memo != "" {
				txn.Memos = append(txn.Memos, hex.EncodeToString([]byte(memo)))
			}
		}
	}

	return txn, nil
}

// parseSystemTransfer extracts lamports, source and destination from a System Program Transfer.
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (uint64, string, string, error) {
	// [0..4]  = instruction type (u32, 2 = Transfer)
	// [4..12] = lamports (u64)
	if len(instruction.Data) < 12 {
		return 0, "", "", fmt.Errorf("instruction data too short: %d bytes", len(instruction.Data))
	}
	if t := binary.LittleEndian.Uint32(instruction.Data[0:4]); t != SystemProgramTransferInstruction {
		return 0, "", "", fmt.Errorf("not a transfer instruction: type %d", t)
	}
	if len(instruction.Accounts) < 2 {
		return 0, "", "", fmt.Errorf("transfer missing accounts")
	}

	from, to := int(instruction.Accounts[0]), int(instruction.Accounts[1])
	if from >= len(accountKeys) || to >= len(accountKeys) {
		return 0, "", "", fmt.Errorf("transfer account index out of bounds")
	}

	amount := binary.LittleEndian.Uint64(instruction.Data[4:12])
	return amount, accountKeys[from].String(), accountKeys[to].String(), nil
}

type tokenTransfer struct {
	amount      uint64
	decimals    uint8
	mint        solana.PublicKey
	destination solana.PublicKey
	authority   solana.PublicKey
}

// parseTransferChecked decodes an SPL TransferChecked instruction. Plain
// Transfer carries no mint, so the asset cannot be identified and it is ignored.
func parseTransferChecked(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (tokenTransfer, error) {
	// [0]      = instruction type (u8, 12 = TransferChecked)
	// [1..9]   = amount (u64)
	// [9]      = decimals (u8)
	if len(instruction.Data) < 10 {
		return tokenTransfer{}, fmt.Errorf("transferChecked instruction data too short")
	}
	if instruction.Data[0] != TokenProgramTransferCheckedInstruction {
		return tokenTransfer{}, fmt.Errorf("unsupported token instruction type: %d", instruction.Data[0])
	}

	// [source_token_account, mint, destination_token_account, authority, ...]
	if len(instruction.Accounts) < 4 {
		return tokenTransfer{}, fmt.Errorf("transferChecked missing accounts")
	}
	for _, idx := range instruction.Accounts[:4] {
		if int(idx) >= len(accountKeys) {
			return tokenTransfer{}, fmt.Errorf("transferChecked account index out of bounds")
		}
	}

	return tokenTransfer{
		amount:      binary.LittleEndian.Uint64(instruction.Data[1:9]),
		decimals:    instruction.Data[9],
		mint:        accountKeys[instruction.Accounts[1]],
		destination: accountKeys[instruction.Accounts[2]],
		authority:   accountKeys[instruction.Accounts[3]],
	}, nil
}

func decimalFromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// parseMemo extracts memo text. Some wallets base64 encode it.
func parseMemo(data []byte) string {
	memo := string(data)
	if decoded, err := base64.StdEncoding.DecodeString(memo); err == nil && utf8.Valid(decoded) {
		return string(decoded)
	}
	return memo
}
