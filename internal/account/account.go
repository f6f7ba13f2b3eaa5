// Package account is the ledger: keys, workspaces, billing rows, per-user
// caps and the append-only usage records. Every write that must be race-free
// is a single transaction or a single conditional UPDATE in the database;
// nothing here coordinates through in-process locks except MemoryStore.
package account

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no live key matches a secret.
var ErrNotFound = errors.New("account: not found")

// ModelAccess is the explicit state derived from the sparse
// model_disablements table, where the presence of a row disables a model.
type ModelAccess int

const (
	ModelEnabled ModelAccess = iota
	ModelDisabled
)

func (a ModelAccess) String() string {
	if a == ModelDisabled {
		return "disabled"
	}
	return "enabled"
}

// Billing is the per-workspace money row. Amounts are micro-cents.
type Billing struct {
	WorkspaceID string
	Balance     int64
	// PaymentMethodID is empty when no payment method is on file.
	PaymentMethodID         string
	MonthlyLimit            *int64
	MonthlyUsage            int64
	TimeMonthlyUsageUpdated *time.Time
	Reload                  bool
	// ReloadTrigger and ReloadAmount fall back to configured defaults when nil.
	ReloadTrigger        *int64
	ReloadAmount         *int64
	TimeReloadLockedTill *time.Time
}

// User is a seat with its own optional monthly cap.
type User struct {
	ID                      string
	WorkspaceID             string
	MonthlyLimit            *int64
	MonthlyUsage            int64
	TimeMonthlyUsageUpdated *time.Time
}

// KeyBundle is everything one joined read returns for a caller key.
type KeyBundle struct {
	KeyID       string
	WorkspaceID string
	UserID      string
	Billing     Billing
	User        User
	ModelAccess ModelAccess
	// ProviderCredentials is the workspace's own upstream key, if any.
	ProviderCredentials string
}

// UsageRecord is written once per settled call and never updated.
type UsageRecord struct {
	ID                 string
	WorkspaceID        string
	Model              string
	Provider           string
	InputTokens        int64
	OutputTokens       int64
	ReasoningTokens    int64
	CacheReadTokens    int64
	CacheWrite5mTokens int64
	CacheWrite1hTokens int64
	Cost               int64
	KeyID              string
	TimeCreated        time.Time
}

// Settlement describes one settle transaction. When Charge is false only
// the record is inserted; balance and monthly counters are left alone.
type Settlement struct {
	Record UsageRecord
	UserID string
	Charge bool
}

// Store is the ledger interface the request path depends on.
type Store interface {
	// LookupKey resolves a live key together with its billing row, user row,
	// disablement state for model and the workspace's credentials for
	// provider. Returns ErrNotFound when nothing matches.
	LookupKey(ctx context.Context, secret, model, provider string) (*KeyBundle, error)

	// SettleUsage inserts the record and applies the charge atomically.
	SettleUsage(ctx context.Context, s Settlement) error

	// TouchKey stamps the key's last-used time.
	TouchKey(ctx context.Context, keyID string, now time.Time) error

	// AcquireReloadLock sets the reload lock if reload is on, the balance is
	// below the workspace trigger (or defaultThreshold) and no unexpired lock
	// is held. It reports whether this call took the lock.
	AcquireReloadLock(ctx context.Context, workspaceID string, defaultThreshold int64, now, lockUntil time.Time) (bool, error)

	Close() error
}

// Admin covers the account-management writes and reads that live outside
// the request path: seeding and inspection.
type Admin interface {
	Seed(ctx context.Context, f Fixture) error
	GetBilling(ctx context.Context, workspaceID string) (*Billing, error)
	GetUser(ctx context.Context, userID string) (*User, error)
	KeyLastUsed(ctx context.Context, keyID string) (*time.Time, error)
	UsageRecords(ctx context.Context, workspaceID string) ([]UsageRecord, error)
}

// Ledger is a store that also supports Admin operations.
type Ledger interface {
	Store
	Admin
}

// MonthStart returns the first instant of t's UTC month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// InCurrentMonth reports whether updated falls in now's UTC month. A nil
// timestamp never does.
func InCurrentMonth(updated *time.Time, now time.Time) bool {
	return updated != nil && !updated.Before(MonthStart(now))
}

// accrue applies the month rollover rule to a counter.
func accrue(usage int64, updated *time.Time, cost int64, now time.Time) int64 {
	if InCurrentMonth(updated, now) {
		return usage + cost
	}
	return cost
}
