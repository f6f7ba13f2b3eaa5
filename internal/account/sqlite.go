package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Timestamps are stored as unix milliseconds.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		monthly_limit INTEGER,
		monthly_usage INTEGER NOT NULL DEFAULT 0,
		time_monthly_usage_updated INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS keys (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		secret TEXT NOT NULL UNIQUE,
		time_used INTEGER,
		time_deleted INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS billing (
		workspace_id TEXT PRIMARY KEY REFERENCES workspaces(id),
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		payment_method_id TEXT,
		monthly_limit INTEGER,
		monthly_usage INTEGER NOT NULL DEFAULT 0,
		time_monthly_usage_updated INTEGER,
		reload INTEGER NOT NULL DEFAULT 0,
		reload_trigger INTEGER,
		reload_amount INTEGER,
		time_reload_locked_till INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS model_disablements (
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		model TEXT NOT NULL,
		time_created INTEGER NOT NULL,
		PRIMARY KEY (workspace_id, model)
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_providers (
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		provider TEXT NOT NULL,
		credentials TEXT,
		PRIMARY KEY (workspace_id, provider)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		model TEXT NOT NULL,
		provider TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		reasoning_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_5m_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_1h_tokens INTEGER NOT NULL DEFAULT 0,
		cost INTEGER NOT NULL,
		key_id TEXT NOT NULL,
		time_created INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_workspace ON usage_records(workspace_id, time_created)`,
}

// SQLiteStore implements Ledger for SQLite. The shared connection is capped
// at one and opened with _txlock=immediate, so settle transactions take the
// write lock up front.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the ledger tables if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create ledger schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteLookupKey = `
	SELECT k.id, k.workspace_id, k.user_id,
		b.balance, COALESCE(b.payment_method_id, ''), b.monthly_limit, b.monthly_usage,
		b.time_monthly_usage_updated, b.reload, b.reload_trigger, b.reload_amount, b.time_reload_locked_till,
		u.monthly_limit, u.monthly_usage, u.time_monthly_usage_updated,
		md.time_created, COALESCE(wp.credentials, '')
	FROM keys k
	JOIN workspaces w ON w.id = k.workspace_id
	JOIN billing b ON b.workspace_id = k.workspace_id
	JOIN users u ON u.id = k.user_id AND u.workspace_id = k.workspace_id
	LEFT JOIN model_disablements md ON md.workspace_id = k.workspace_id AND md.model = ?
	LEFT JOIN workspace_providers wp ON wp.workspace_id = k.workspace_id AND wp.provider = ?
	WHERE k.secret = ? AND k.time_deleted IS NULL`

func (s *SQLiteStore) LookupKey(ctx context.Context, secret, model, provider string) (*KeyBundle, error) {
	var (
		kb                                    KeyBundle
		bLimit, bUpdated, bTrigger, bAmount   sql.NullInt64
		bLocked, uLimit, uUpdated, disabledAt sql.NullInt64
		reload                                int64
	)
	err := s.db.QueryRowContext(ctx, sqliteLookupKey, model, provider, secret).Scan(
		&kb.KeyID, &kb.WorkspaceID, &kb.UserID,
		&kb.Billing.Balance, &kb.Billing.PaymentMethodID, &bLimit, &kb.Billing.MonthlyUsage,
		&bUpdated, &reload, &bTrigger, &bAmount, &bLocked,
		&uLimit, &kb.User.MonthlyUsage, &uUpdated,
		&disabledAt, &kb.ProviderCredentials,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up key: %w", err)
	}

	kb.Billing.WorkspaceID = kb.WorkspaceID
	kb.Billing.MonthlyLimit = nullInt(bLimit)
	kb.Billing.TimeMonthlyUsageUpdated = msToTime(bUpdated)
	kb.Billing.Reload = reload != 0
	kb.Billing.ReloadTrigger = nullInt(bTrigger)
	kb.Billing.ReloadAmount = nullInt(bAmount)
	kb.Billing.TimeReloadLockedTill = msToTime(bLocked)
	kb.User = User{
		ID:                      kb.UserID,
		WorkspaceID:             kb.WorkspaceID,
		MonthlyLimit:            nullInt(uLimit),
		MonthlyUsage:            kb.User.MonthlyUsage,
		TimeMonthlyUsageUpdated: msToTime(uUpdated),
	}
	if disabledAt.Valid {
		kb.ModelAccess = ModelDisabled
	}
	return &kb, nil
}

func (s *SQLiteStore) SettleUsage(ctx context.Context, st Settlement) error {
	r := st.Record
	now := r.TimeCreated.UnixMilli()
	monthStart := MonthStart(r.TimeCreated).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_records (id, workspace_id, model, provider, input_tokens, output_tokens,
			reasoning_tokens, cache_read_tokens, cache_write_5m_tokens, cache_write_1h_tokens,
			cost, key_id, time_created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, r.Model, r.Provider, r.InputTokens, r.OutputTokens,
		r.ReasoningTokens, r.CacheReadTokens, r.CacheWrite5mTokens, r.CacheWrite1hTokens,
		r.Cost, r.KeyID, now,
	); err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	if st.Charge {
		if _, err := tx.ExecContext(ctx, `
			UPDATE billing SET
				balance = MAX(balance - ?, 0),
				monthly_usage = CASE WHEN time_monthly_usage_updated >= ? THEN monthly_usage + ? ELSE ? END,
				time_monthly_usage_updated = ?
			WHERE workspace_id = ?`,
			r.Cost, monthStart, r.Cost, r.Cost, now, r.WorkspaceID,
		); err != nil {
			return fmt.Errorf("failed to update billing: %w", err)
		}
		if st.UserID != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE users SET
					monthly_usage = CASE WHEN time_monthly_usage_updated >= ? THEN monthly_usage + ? ELSE ? END,
					time_monthly_usage_updated = ?
				WHERE id = ? AND workspace_id = ?`,
				monthStart, r.Cost, r.Cost, now, st.UserID, r.WorkspaceID,
			); err != nil {
				return fmt.Errorf("failed to update user usage: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchKey(ctx context.Context, keyID string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE keys SET time_used = ? WHERE id = ?`, now.UnixMilli(), keyID); err != nil {
		return fmt.Errorf("failed to touch key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AcquireReloadLock(ctx context.Context, workspaceID string, defaultThreshold int64, now, lockUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE billing SET time_reload_locked_till = ?
		WHERE workspace_id = ?
			AND reload = 1
			AND balance < COALESCE(reload_trigger, ?)
			AND (time_reload_locked_till IS NULL OR time_reload_locked_till < ?)`,
		lockUntil.UnixMilli(), workspaceID, defaultThreshold, now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire reload lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read reload lock result: %w", err)
	}
	return n == 1, nil
}

// Close is a no-op; the connection belongs to the shared storage.
func (s *SQLiteStore) Close() error { return nil }

func (s *SQLiteStore) Seed(ctx context.Context, f Fixture) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin seed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	exec := func(query string, args ...any) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}
	for _, w := range f.Workspaces {
		if err := exec(`INSERT INTO workspaces (id, name) VALUES (?, ?) ON CONFLICT DO NOTHING`, w.ID, w.Name); err != nil {
			return fmt.Errorf("seed workspace %s: %w", w.ID, err)
		}
	}
	for _, u := range f.Users {
		if err := exec(`INSERT INTO users (id, workspace_id, monthly_limit, monthly_usage, time_monthly_usage_updated)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			u.ID, u.WorkspaceID, intArg(u.MonthlyLimit), u.MonthlyUsage, timeArg(u.TimeMonthlyUsageUpdated)); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	for _, b := range f.Billing {
		reload := 0
		if b.Reload {
			reload = 1
		}
		if err := exec(`INSERT INTO billing (workspace_id, balance, payment_method_id, monthly_limit, monthly_usage,
				time_monthly_usage_updated, reload, reload_trigger, reload_amount, time_reload_locked_till)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			b.WorkspaceID, b.Balance, stringArg(b.PaymentMethodID), intArg(b.MonthlyLimit), b.MonthlyUsage,
			timeArg(b.TimeMonthlyUsageUpdated), reload, intArg(b.ReloadTrigger), intArg(b.ReloadAmount),
			timeArg(b.TimeReloadLockedTill)); err != nil {
			return fmt.Errorf("seed billing %s: %w", b.WorkspaceID, err)
		}
	}
	for _, k := range f.Keys {
		if err := exec(`INSERT INTO keys (id, workspace_id, user_id, secret, time_deleted)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			k.ID, k.WorkspaceID, k.UserID, k.Secret, timeArg(k.TimeDeleted)); err != nil {
			return fmt.Errorf("seed key %s: %w", k.ID, err)
		}
	}
	now := time.Now().UnixMilli()
	for _, d := range f.Disablement {
		if err := exec(`INSERT INTO model_disablements (workspace_id, model, time_created)
			VALUES (?, ?, ?) ON CONFLICT DO NOTHING`, d.WorkspaceID, d.Model, now); err != nil {
			return fmt.Errorf("seed disablement %s/%s: %w", d.WorkspaceID, d.Model, err)
		}
	}
	for _, c := range f.Credentials {
		if err := exec(`INSERT INTO workspace_providers (workspace_id, provider, credentials)
			VALUES (?, ?, ?) ON CONFLICT DO NOTHING`, c.WorkspaceID, c.Provider, stringArg(c.Credentials)); err != nil {
			return fmt.Errorf("seed credentials %s/%s: %w", c.WorkspaceID, c.Provider, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetBilling(ctx context.Context, workspaceID string) (*Billing, error) {
	var (
		b                               Billing
		limit, updated, trigger, amount sql.NullInt64
		locked                          sql.NullInt64
		reload                          int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, balance, COALESCE(payment_method_id, ''), monthly_limit, monthly_usage,
			time_monthly_usage_updated, reload, reload_trigger, reload_amount, time_reload_locked_till
		FROM billing WHERE workspace_id = ?`, workspaceID,
	).Scan(&b.WorkspaceID, &b.Balance, &b.PaymentMethodID, &limit, &b.MonthlyUsage,
		&updated, &reload, &trigger, &amount, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read billing: %w", err)
	}
	b.MonthlyLimit = nullInt(limit)
	b.TimeMonthlyUsageUpdated = msToTime(updated)
	b.Reload = reload != 0
	b.ReloadTrigger = nullInt(trigger)
	b.ReloadAmount = nullInt(amount)
	b.TimeReloadLockedTill = msToTime(locked)
	return &b, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*User, error) {
	var (
		u              User
		limit, updated sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, monthly_limit, monthly_usage, time_monthly_usage_updated
		FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &u.WorkspaceID, &limit, &u.MonthlyUsage, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	u.MonthlyLimit = nullInt(limit)
	u.TimeMonthlyUsageUpdated = msToTime(updated)
	return &u, nil
}

func (s *SQLiteStore) KeyLastUsed(ctx context.Context, keyID string) (*time.Time, error) {
	var used sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT time_used FROM keys WHERE id = ?`, keyID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	return msToTime(used), nil
}

func (s *SQLiteStore) UsageRecords(ctx context.Context, workspaceID string) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, model, provider, input_tokens, output_tokens, reasoning_tokens,
			cache_read_tokens, cache_write_5m_tokens, cache_write_1h_tokens, cost, key_id, time_created
		FROM usage_records WHERE workspace_id = ? ORDER BY time_created, id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var (
			r       UsageRecord
			created int64
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Model, &r.Provider, &r.InputTokens, &r.OutputTokens,
			&r.ReasoningTokens, &r.CacheReadTokens, &r.CacheWrite5mTokens, &r.CacheWrite1hTokens,
			&r.Cost, &r.KeyID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.TimeCreated = time.UnixMilli(created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func msToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func intArg(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func timeArg(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixMilli()
}

func stringArg(v string) any {
	if v == "" {
		return nil
	}
	return v
}
