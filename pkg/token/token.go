// Package token converts between the smallest on-chain units escrows are
// denominated in and human display amounts. All escrow arithmetic stays in
// integer base units; decimals appear only at the API edge.
package token

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Token describes a supported escrow denomination.
type Token struct {
	Symbol   string
	Decimals int32
}

// USDC is the default escrow token on both supported chain families.
var USDC = Token{Symbol: "USDC", Decimals: 6}

// ToDisplay converts base units to a display decimal.
func (t Token) ToDisplay(baseUnits uint64) decimal.Decimal {
	return decimal.New(int64(baseUnits), -t.Decimals)
}

// FormatAmount renders base units as a display string, e.g. 1_234_500 ->
// "1.2345" for a 6-decimal token.
func (t Token) FormatAmount(baseUnits uint64) string {
	return t.ToDisplay(baseUnits).String()
}

// ParseAmount converts a display string into base units. Amounts with more
// fractional digits than the token carries are rejected rather than silently
// truncated, and negative amounts are never valid.
func (t Token) ParseAmount(display string) (uint64, error) {
	d, err := decimal.NewFromString(display)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", display, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q is negative", display)
	}
	scaled := d.Shift(t.Decimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", display, t.Decimals)
	}
	if !scaled.BigInt().IsUint64() {
		return 0, fmt.Errorf("amount %q overflows the base unit range", display)
	}
	return scaled.BigInt().Uint64(), nil
}
