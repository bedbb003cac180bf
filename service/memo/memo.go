// Package memo decodes the trade intent that wallets attach to escrow payments.
//
// A trade intent is a hex-encoded memo payload whose text is exactly three
// whitespace-separated fields:
//
//	<asset> <recipient> <price>
//
// e.g. "GOLD rAlice123 50" means "I commit this payment toward GOLD, deliver
// to rAlice123, at an agreed price of 50".
package memo

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Status describes what a memo payload contained.
type Status string

const (
	// StatusAbsent means the transaction carried no memo payload.
	StatusAbsent Status = "absent"
	// StatusMalformed means a payload was present but did not match the schema.
	StatusMalformed Status = "malformed"
	// StatusPresent means a well-formed trade intent was decoded.
	StatusPresent Status = "present"
)

const fieldCount = 3

// Intent is the trade intent carried in a memo.
type Intent struct {
	Asset     string
	Recipient string
	Price     decimal.Decimal
}

// Result is the tagged outcome of decoding a memo payload.
// Intent is only meaningful when Status is StatusPresent.
type Result struct {
	Status Status
	Intent Intent
	Err    error // why the payload was malformed
}

// Present reports whether the result carries a usable intent.
func (r Result) Present() bool {
	return r.Status == StatusPresent
}

// Decode parses a hex-encoded memo payload.
// An empty payload decodes to StatusAbsent; anything that fails the
// positional schema decodes to StatusMalformed with Err set.
func Decode(payload string) Result {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return Result{Status: StatusAbsent}
	}

	raw, err := hex.DecodeString(payload)
	if err != nil {
		return malformed(fmt.Errorf("memo is not hex encoded: %w", err))
	}
	if !utf8.Valid(raw) {
		return malformed(fmt.Errorf("memo is not valid UTF-8"))
	}

	return DecodeText(string(raw))
}

// DecodeText parses an already-decoded memo text.
func DecodeText(text string) Result {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Result{Status: StatusAbsent}
	}
	if len(fields) != fieldCount {
		return malformed(fmt.Errorf("memo has %d fields, expected %d", len(fields), fieldCount))
	}

	price, err := decimal.NewFromString(fields[2])
	if err != nil {
		return malformed(fmt.Errorf("invalid price %q: %w", fields[2], err))
	}
	if price.IsNegative() {
		return malformed(fmt.Errorf("price cannot be negative: %s", price))
	}

	return Result{
		Status: StatusPresent,
		Intent: Intent{
			Asset:     strings.ToUpper(fields[0]),
			Recipient: fields[1],
			Price:     price,
		},
	}
}

// DecodeFirst decodes several memo payloads attached to one transaction and
// returns the first present intent. If none is present, a malformed result
// wins over an absent one so the caller can record why.
func DecodeFirst(payloads []string) Result {
	best := Result{Status: StatusAbsent}
	for _, p := range payloads {
		r := Decode(p)
		switch r.Status {
		case StatusPresent:
			return r
		case StatusMalformed:
			if best.Status == StatusAbsent {
				best = r
			}
		}
	}
	return best
}

// Encode renders an intent as a hex memo payload.
func Encode(intent Intent) string {
	text := strings.Join([]string{
		strings.ToUpper(intent.Asset),
		intent.Recipient,
		intent.Price.String(),
	}, " ")
	return strings.ToUpper(hex.EncodeToString([]byte(text)))
}

func malformed(err error) Result {
	return Result{Status: StatusMalformed, Err: err}
}
