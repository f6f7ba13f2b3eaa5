package billing

import (
	"fmt"
	"time"

	"zengateway/internal/account"
	"zengateway/internal/auth"
	"zengateway/internal/catalog"
	"zengateway/internal/core"
	"zengateway/internal/money"
)

// Guard enforces the pre-dispatch billing invariants.
type Guard struct{}

// Check runs, in order: payment method, balance, workspace monthly cap, user
// monthly cap. A cap only counts when its counter was updated this UTC
// month. Anonymous, free-listed and BYOK callers and anonymous-capable
// models are never blocked.
func (Guard) Check(info *auth.Info, model *catalog.Model, now time.Time) error {
	if info.Unbilled() || model.AllowAnonymous {
		return nil
	}

	b := info.Billing
	if b.PaymentMethodID == "" {
		return core.NewCreditsError("No payment method. Add a payment method to your workspace to continue.")
	}
	if b.Balance <= 0 {
		return core.NewCreditsError("Insufficient balance. Add credits to your workspace to continue.")
	}
	if reached(b.MonthlyLimit, b.MonthlyUsage, b.TimeMonthlyUsageUpdated, now) {
		return core.NewMonthlyLimitError(fmt.Sprintf(
			"Your workspace has reached its monthly spending limit of $%s.", money.FormatUSD(*b.MonthlyLimit)))
	}
	u := info.User
	if reached(u.MonthlyLimit, u.MonthlyUsage, u.TimeMonthlyUsageUpdated, now) {
		return core.NewUserLimitError(fmt.Sprintf(
			"You have reached your monthly spending limit of $%s.", money.FormatUSD(*u.MonthlyLimit)))
	}
	return nil
}

func reached(limit *int64, usage int64, updated *time.Time, now time.Time) bool {
	return limit != nil && account.InCurrentMonth(updated, now) && usage >= *limit
}
