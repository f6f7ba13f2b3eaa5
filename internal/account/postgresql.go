package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		monthly_limit BIGINT,
		monthly_usage BIGINT NOT NULL DEFAULT 0,
		time_monthly_usage_updated TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS keys (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		secret TEXT NOT NULL UNIQUE,
		time_used TIMESTAMPTZ,
		time_deleted TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS billing (
		workspace_id TEXT PRIMARY KEY REFERENCES workspaces(id),
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		payment_method_id TEXT,
		monthly_limit BIGINT,
		monthly_usage BIGINT NOT NULL DEFAULT 0,
		time_monthly_usage_updated TIMESTAMPTZ,
		reload BOOLEAN NOT NULL DEFAULT FALSE,
		reload_trigger BIGINT,
		reload_amount BIGINT,
		time_reload_locked_till TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS model_disablements (
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		model TEXT NOT NULL,
		time_created TIMESTAMPTZ NOT NULL DEFAULT now(),
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
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		reasoning_tokens BIGINT NOT NULL DEFAULT 0,
		cache_read_tokens BIGINT NOT NULL DEFAULT 0,
		cache_write_5m_tokens BIGINT NOT NULL DEFAULT 0,
		cache_write_1h_tokens BIGINT NOT NULL DEFAULT 0,
		cost BIGINT NOT NULL,
		key_id TEXT NOT NULL,
		time_created TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_workspace ON usage_records(workspace_id, time_created)`,
}

// PostgreSQLStore implements Ledger for PostgreSQL.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the ledger tables if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create ledger schema: %w", err)
		}
	}
	return &PostgreSQLStore{pool: pool}, nil
}

const postgresLookupKey = `
	SELECT k.id, k.workspace_id, k.user_id,
		b.balance, COALESCE(b.payment_method_id, ''), b.monthly_limit, b.monthly_usage,
		b.time_monthly_usage_updated, b.reload, b.reload_trigger, b.reload_amount, b.time_reload_locked_till,
		u.monthly_limit, u.monthly_usage, u.time_monthly_usage_updated,
		md.time_created IS NOT NULL, COALESCE(wp.credentials, '')
	FROM keys k
	JOIN workspaces w ON w.id = k.workspace_id
	JOIN billing b ON b.workspace_id = k.workspace_id
	JOIN users u ON u.id = k.user_id AND u.workspace_id = k.workspace_id
	LEFT JOIN model_disablements md ON md.workspace_id = k.workspace_id AND md.model = $2
	LEFT JOIN workspace_providers wp ON wp.workspace_id = k.workspace_id AND wp.provider = $3
	WHERE k.secret = $1 AND k.time_deleted IS NULL`

func (s *PostgreSQLStore) LookupKey(ctx context.Context, secret, model, provider string) (*KeyBundle, error) {
	var (
		kb       KeyBundle
		disabled bool
	)
	err := s.pool.QueryRow(ctx, postgresLookupKey, secret, model, provider).Scan(
		&kb.KeyID, &kb.WorkspaceID, &kb.UserID,
		&kb.Billing.Balance, &kb.Billing.PaymentMethodID, &kb.Billing.MonthlyLimit, &kb.Billing.MonthlyUsage,
		&kb.Billing.TimeMonthlyUsageUpdated, &kb.Billing.Reload, &kb.Billing.ReloadTrigger,
		&kb.Billing.ReloadAmount, &kb.Billing.TimeReloadLockedTill,
		&kb.User.MonthlyLimit, &kb.User.MonthlyUsage, &kb.User.TimeMonthlyUsageUpdated,
		&disabled, &kb.ProviderCredentials,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up key: %w", err)
	}
	kb.Billing.WorkspaceID = kb.WorkspaceID
	kb.User.ID = kb.UserID
	kb.User.WorkspaceID = kb.WorkspaceID
	if disabled {
		kb.ModelAccess = ModelDisabled
	}
	return &kb, nil
}

func (s *PostgreSQLStore) SettleUsage(ctx context.Context, st Settlement) error {
	r := st.Record
	now := r.TimeCreated.UTC()
	monthStart := MonthStart(now)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO usage_records (id, workspace_id, model, provider, input_tokens, output_tokens,
				reasoning_tokens, cache_read_tokens, cache_write_5m_tokens, cache_write_1h_tokens,
				cost, key_id, time_created)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			r.ID, r.WorkspaceID, r.Model, r.Provider, r.InputTokens, r.OutputTokens,
			r.ReasoningTokens, r.CacheReadTokens, r.CacheWrite5mTokens, r.CacheWrite1hTokens,
			r.Cost, r.KeyID, now,
		); err != nil {
			return fmt.Errorf("failed to insert usage record: %w", err)
		}
		if !st.Charge {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE billing SET
				balance = GREATEST(balance - $1, 0),
				monthly_usage = CASE WHEN time_monthly_usage_updated >= $2 THEN monthly_usage + $1 ELSE $1 END,
				time_monthly_usage_updated = $3
			WHERE workspace_id = $4`,
			r.Cost, monthStart, now, r.WorkspaceID,
		); err != nil {
			return fmt.Errorf("failed to update billing: %w", err)
		}
		if st.UserID == "" {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE users SET
				monthly_usage = CASE WHEN time_monthly_usage_updated >= $2 THEN monthly_usage + $1 ELSE $1 END,
				time_monthly_usage_updated = $3
			WHERE id = $4 AND workspace_id = $5`,
			r.Cost, monthStart, now, st.UserID, r.WorkspaceID,
		); err != nil {
			return fmt.Errorf("failed to update user usage: %w", err)
		}
		return nil
	})
}

func (s *PostgreSQLStore) TouchKey(ctx context.Context, keyID string, now time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE keys SET time_used = $1 WHERE id = $2`, now.UTC(), keyID); err != nil {
		return fmt.Errorf("failed to touch key: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) AcquireReloadLock(ctx context.Context, workspaceID string, defaultThreshold int64, now, lockUntil time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE billing SET time_reload_locked_till = $1
		WHERE workspace_id = $2
			AND reload
			AND balance < COALESCE(reload_trigger, $3)
			AND (time_reload_locked_till IS NULL OR time_reload_locked_till < $4)`,
		lockUntil.UTC(), workspaceID, defaultThreshold, now.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire reload lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Close is a no-op; the pool belongs to the shared storage.
func (s *PostgreSQLStore) Close() error { return nil }

func (s *PostgreSQLStore) Seed(ctx context.Context, f Fixture) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, w := range f.Workspaces {
			batch.Queue(`INSERT INTO workspaces (id, name) VALUES ($1, $2) ON CONFLICT DO NOTHING`, w.ID, w.Name)
		}
		for _, u := range f.Users {
			batch.Queue(`INSERT INTO users (id, workspace_id, monthly_limit, monthly_usage, time_monthly_usage_updated)
				VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
				u.ID, u.WorkspaceID, u.MonthlyLimit, u.MonthlyUsage, u.TimeMonthlyUsageUpdated)
		}
		for _, b := range f.Billing {
			batch.Queue(`INSERT INTO billing (workspace_id, balance, payment_method_id, monthly_limit, monthly_usage,
					time_monthly_usage_updated, reload, reload_trigger, reload_amount, time_reload_locked_till)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT DO NOTHING`,
				b.WorkspaceID, b.Balance, stringArg(b.PaymentMethodID), b.MonthlyLimit, b.MonthlyUsage,
				b.TimeMonthlyUsageUpdated, b.Reload, b.ReloadTrigger, b.ReloadAmount, b.TimeReloadLockedTill)
		}
		for _, k := range f.Keys {
			batch.Queue(`INSERT INTO keys (id, workspace_id, user_id, secret, time_deleted)
				VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
				k.ID, k.WorkspaceID, k.UserID, k.Secret, k.TimeDeleted)
		}
		for _, d := range f.Disablement {
			batch.Queue(`INSERT INTO model_disablements (workspace_id, model) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				d.WorkspaceID, d.Model)
		}
		for _, c := range f.Credentials {
			batch.Queue(`INSERT INTO workspace_providers (workspace_id, provider, credentials)
				VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, c.WorkspaceID, c.Provider, stringArg(c.Credentials))
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to seed ledger: %w", err)
		}
		return nil
	})
}

func (s *PostgreSQLStore) GetBilling(ctx context.Context, workspaceID string) (*Billing, error) {
	var b Billing
	err := s.pool.QueryRow(ctx, `
		SELECT workspace_id, balance, COALESCE(payment_method_id, ''), monthly_limit, monthly_usage,
			time_monthly_usage_updated, reload, reload_trigger, reload_amount, time_reload_locked_till
		FROM billing WHERE workspace_id = $1`, workspaceID,
	).Scan(&b.WorkspaceID, &b.Balance, &b.PaymentMethodID, &b.MonthlyLimit, &b.MonthlyUsage,
		&b.TimeMonthlyUsageUpdated, &b.Reload, &b.ReloadTrigger, &b.ReloadAmount, &b.TimeReloadLockedTill)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read billing: %w", err)
	}
	return &b, nil
}

func (s *PostgreSQLStore) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, monthly_limit, monthly_usage, time_monthly_usage_updated
		FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.WorkspaceID, &u.MonthlyLimit, &u.MonthlyUsage, &u.TimeMonthlyUsageUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return &u, nil
}

func (s *PostgreSQLStore) KeyLastUsed(ctx context.Context, keyID string) (*time.Time, error) {
	var used *time.Time
	err := s.pool.QueryRow(ctx, `SELECT time_used FROM keys WHERE id = $1`, keyID).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	return used, nil
}

func (s *PostgreSQLStore) UsageRecords(ctx context.Context, workspaceID string) ([]UsageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, model, provider, input_tokens, output_tokens, reasoning_tokens,
			cache_read_tokens, cache_write_5m_tokens, cache_write_1h_tokens, cost, key_id, time_created
		FROM usage_records WHERE workspace_id = $1 ORDER BY time_created, id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Model, &r.Provider, &r.InputTokens, &r.OutputTokens,
			&r.ReasoningTokens, &r.CacheReadTokens, &r.CacheWrite5mTokens, &r.CacheWrite1hTokens,
			&r.Cost, &r.KeyID, &r.TimeCreated); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
