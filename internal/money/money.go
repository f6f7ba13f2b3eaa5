// Package money holds the gateway's single fixed-point currency unit.
//
// Every persisted amount is an int64 count of micro-cents:
// 1 USD = 100 cents = 100,000,000 micro-cents. Operator-facing values are
// written in USD and parsed exactly with decimal arithmetic, so floats never
// reach the ledger.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MicroCentsPerUSD is the scale between USD and the ledger unit.
const MicroCentsPerUSD int64 = 100_000_000

// usdExponent is log10(MicroCentsPerUSD).
const usdExponent = 8

// TokensPerRateUnit is the token count a Rate is quoted for.
const TokensPerRateUnit int64 = 1_000_000

// ParseUSD converts a decimal USD amount ("5", "0.075") to micro-cents.
// Amounts finer than one micro-cent are rejected rather than rounded.
func ParseUSD(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid USD amount %q: %w", s, err)
	}
	return fromDecimal(d, s)
}

// FromFloat converts a USD float read from a loosely typed source.
func FromFloat(usd float64) (int64, error) {
	d := decimal.NewFromFloat(usd)
	return fromDecimal(d, d.String())
}

func fromDecimal(d decimal.Decimal, raw string) (int64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("negative USD amount %q", raw)
	}
	scaled := d.Shift(usdExponent)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("USD amount %q is finer than one micro-cent", raw)
	}
	return scaled.IntPart(), nil
}

// FormatUSD renders micro-cents as a USD string without trailing zeros.
func FormatUSD(microCents int64) string {
	return decimal.New(microCents, -usdExponent).String()
}

// CostOf returns tokens × rate in micro-cents scaled by TokensPerRateUnit,
// i.e. before the final division. Callers sum these and call Settle once.
func CostOf(tokens, rate int64) int64 {
	if tokens <= 0 || rate <= 0 {
		return 0
	}
	return tokens * rate
}

// Settle divides a summed CostOf total down to micro-cents, rounding half up.
func Settle(scaled int64) int64 {
	if scaled <= 0 {
		return 0
	}
	return (scaled + TokensPerRateUnit/2) / TokensPerRateUnit
}
