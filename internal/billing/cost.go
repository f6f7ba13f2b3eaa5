// Package billing gates calls on balance and monthly caps, prices reported
// usage, settles it against the ledger and triggers auto-reloads.
package billing

import (
	"zengateway/internal/catalog"
	"zengateway/internal/format"
	"zengateway/internal/money"
)

// LongContextThreshold is the prompt size above which Cost200K applies.
const LongContextThreshold = 200_000

// PriceFor picks the pricing tier for a call.
func PriceFor(model *catalog.Model, u format.Usage) catalog.Price {
	if model.Cost200K != nil && u.PromptTotal() > LongContextThreshold {
		return *model.Cost200K
	}
	return model.Cost
}

// CalculateCost prices usage in micro-cents. Reasoning tokens are billed at
// the output rate. Rounding happens once on the sum.
func CalculateCost(model *catalog.Model, u format.Usage) int64 {
	p := PriceFor(model, u)
	scaled := money.CostOf(u.InputTokens, int64(p.Input)) +
		money.CostOf(u.OutputTokens, int64(p.Output)) +
		money.CostOf(u.ReasoningTokens, int64(p.Output)) +
		money.CostOf(u.CacheReadTokens, int64(p.CacheRead)) +
		money.CostOf(u.CacheWrite5mTokens, int64(p.CacheWrite5m)) +
		money.CostOf(u.CacheWrite1hTokens, int64(p.CacheWrite1h))
	return money.Settle(scaled)
}
