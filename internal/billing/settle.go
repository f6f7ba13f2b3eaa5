package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"zengateway/internal/account"
	"zengateway/internal/auth"
	"zengateway/internal/catalog"
	"zengateway/internal/core"
	"zengateway/internal/format"
	"zengateway/internal/observability"
	"zengateway/internal/routing"
)

// Ledger is the write side of the account store used by settlement.
type Ledger interface {
	SettleUsage(ctx context.Context, s account.Settlement) error
	TouchKey(ctx context.Context, keyID string, now time.Time) error
}

// Settler prices usage and persists it.
type Settler struct {
	ledger Ledger
	now    func() time.Time
}

// NewSettler creates a settler writing to ledger.
func NewSettler(ledger Ledger) *Settler {
	return &Settler{ledger: ledger, now: time.Now}
}

// Settle records one call's usage and returns the charged cost.
//
// Anonymous calls have no workspace and are only logged. Free-listed and
// BYOK calls get a zero-cost record without touching balances. The key's
// last-used stamp is written after the transaction; its failure is logged
// only.
func (s *Settler) Settle(ctx context.Context, info *auth.Info, sel *routing.Selection, model *catalog.Model, u format.Usage) (int64, error) {
	countTokens(model.ID, u)

	if info == nil {
		slog.Info("anonymous usage",
			"request_id", core.GetRequestID(ctx),
			"model", model.ID,
			"provider", sel.ProviderID,
			"input_tokens", u.InputTokens,
			"output_tokens", u.OutputTokens,
		)
		return 0, nil
	}

	var cost int64
	charge := !info.Unbilled()
	if charge {
		cost = CalculateCost(model, u)
	}

	now := s.now().UTC()
	err := s.ledger.SettleUsage(ctx, account.Settlement{
		Record: account.UsageRecord{
			ID:                 uuid.NewString(),
			WorkspaceID:        info.WorkspaceID,
			Model:              model.ID,
			Provider:           sel.ProviderID,
			InputTokens:        u.InputTokens,
			OutputTokens:       u.OutputTokens,
			ReasoningTokens:    u.ReasoningTokens,
			CacheReadTokens:    u.CacheReadTokens,
			CacheWrite5mTokens: u.CacheWrite5mTokens,
			CacheWrite1hTokens: u.CacheWrite1hTokens,
			Cost:               cost,
			KeyID:              info.APIKeyID,
			TimeCreated:        now,
		},
		UserID: info.UserID,
		Charge: charge,
	})
	if err != nil {
		return 0, fmt.Errorf("settling usage for workspace %s: %w", info.WorkspaceID, err)
	}
	if cost > 0 {
		observability.BilledMicroCents.WithLabelValues(model.ID).Add(float64(cost))
	}

	if err := s.ledger.TouchKey(ctx, info.APIKeyID, now); err != nil {
		slog.Warn("failed to stamp key usage", "key_id", info.APIKeyID, "error", err)
	}
	return cost, nil
}

func countTokens(model string, u format.Usage) {
	for _, c := range []struct {
		category string
		n        int64
	}{
		{"input", u.InputTokens},
		{"output", u.OutputTokens},
		{"reasoning", u.ReasoningTokens},
		{"cache_read", u.CacheReadTokens},
		{"cache_write_5m", u.CacheWrite5mTokens},
		{"cache_write_1h", u.CacheWrite1hTokens},
	} {
		if c.n > 0 {
			observability.Tokens.WithLabelValues(model, c.category).Add(float64(c.n))
		}
	}
}
