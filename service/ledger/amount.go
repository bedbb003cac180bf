package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ToMajorUnits converts a minor-unit amount (drops, lamports) to major units.
// 1000000 drops with 6 decimals is 1 XRP.
func ToMajorUnits(minor decimal.Decimal, decimals int32) decimal.Decimal {
	return minor.Shift(-decimals)
}

// ToMinorUnits converts a major-unit amount to whole minor units.
// Fractions below one minor unit are rejected rather than rounded.
func ToMinorUnits(major decimal.Decimal, decimals int32) (decimal.Decimal, error) {
	minor := major.Shift(decimals)
	if !minor.Equal(minor.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("amount %s has more than %d decimal places", major, decimals)
	}
	if minor.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %s is negative", major)
	}
	return minor.Truncate(0), nil
}

// NormalizeAmount returns the amount in major units with the currency label
// to store it under: the native symbol for native amounts, the token code otherwise.
func NormalizeAmount(a Amount, nativeCurrency string, nativeDecimals int32) (decimal.Decimal, string) {
	if a.Native {
		return ToMajorUnits(a.Value, nativeDecimals), nativeCurrency
	}
	return a.Value, a.Currency
}
