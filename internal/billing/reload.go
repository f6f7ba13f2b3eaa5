package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"zengateway/internal/auth"
	"zengateway/internal/money"
	"zengateway/internal/observability"
)

// DefaultLockDuration is how long a taken reload lock blocks other attempts.
const DefaultLockDuration = time.Minute

// DefaultReloadQueueKey is the redis list reload jobs are pushed onto.
const DefaultReloadQueueKey = "zen:reload"

// LockStore takes the per-workspace reload lock.
type LockStore interface {
	AcquireReloadLock(ctx context.Context, workspaceID string, defaultThreshold int64, now, lockUntil time.Time) (bool, error)
}

// Reloader performs the privileged top-up for one workspace.
type Reloader interface {
	Reload(ctx context.Context, workspaceID string, amount int64) error
}

// ReloadOptions carries the configured defaults. Per-workspace values on the
// billing row take precedence.
type ReloadOptions struct {
	Threshold    int64
	Amount       int64
	LockDuration time.Duration
}

// ReloadTrigger schedules top-ups for workspaces that fell below their
// threshold. Concurrent callers race on one conditional UPDATE; only the
// winner reloads.
type ReloadTrigger struct {
	locks    LockStore
	reloader Reloader
	opts     ReloadOptions
	now      func() time.Time
}

// NewReloadTrigger creates a trigger.
func NewReloadTrigger(locks LockStore, reloader Reloader, opts ReloadOptions) *ReloadTrigger {
	if opts.LockDuration <= 0 {
		opts.LockDuration = DefaultLockDuration
	}
	return &ReloadTrigger{locks: locks, reloader: reloader, opts: opts, now: time.Now}
}

// Maybe reports whether a reload was requested.
func (t *ReloadTrigger) Maybe(ctx context.Context, info *auth.Info) (bool, error) {
	if info.Unbilled() || !info.Billing.Reload {
		return false, nil
	}

	now := t.now().UTC()
	ok, err := t.locks.AcquireReloadLock(ctx, info.WorkspaceID, t.opts.Threshold, now, now.Add(t.opts.LockDuration))
	if err != nil {
		observability.ReloadLocks.WithLabelValues("error").Inc()
		return false, fmt.Errorf("acquiring reload lock: %w", err)
	}
	if !ok {
		observability.ReloadLocks.WithLabelValues("skipped").Inc()
		return false, nil
	}
	observability.ReloadLocks.WithLabelValues("acquired").Inc()

	amount := t.opts.Amount
	if info.Billing.ReloadAmount != nil {
		amount = *info.Billing.ReloadAmount
	}
	if err := t.reloader.Reload(ctx, info.WorkspaceID, amount); err != nil {
		return false, fmt.Errorf("reloading workspace %s: %w", info.WorkspaceID, err)
	}
	return true, nil
}

// LogReloader only records the request. Used when no payment worker is
// attached.
type LogReloader struct{}

func (LogReloader) Reload(_ context.Context, workspaceID string, amount int64) error {
	slog.Info("auto-reload requested", "workspace_id", workspaceID, "amount_usd", money.FormatUSD(amount))
	return nil
}

// ReloadJob is the queued payload consumed by the payment worker.
type ReloadJob struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Amount      int64     `json:"amount"`
	RequestedAt time.Time `json:"requested_at"`
}

// RedisQueueReloader pushes reload jobs onto a redis list.
type RedisQueueReloader struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisQueueReloader connects and pings before returning.
func NewRedisQueueReloader(url, key string) (*RedisQueueReloader, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisQueueReloaderWithClient(client, key), nil
}

// NewRedisQueueReloaderWithClient wraps an existing client.
func NewRedisQueueReloaderWithClient(client *redis.Client, key string) *RedisQueueReloader {
	if key == "" {
		key = DefaultReloadQueueKey
	}
	return &RedisQueueReloader{client: client, key: key, now: time.Now}
}

func (r *RedisQueueReloader) Reload(ctx context.Context, workspaceID string, amount int64) error {
	job, err := json.Marshal(ReloadJob{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Amount:      amount,
		RequestedAt: r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reload job: %w", err)
	}
	if err := r.client.LPush(ctx, r.key, job).Err(); err != nil {
		return fmt.Errorf("failed to queue reload job: %w", err)
	}
	slog.Info("auto-reload queued", "workspace_id", workspaceID, "amount_usd", money.FormatUSD(amount), "queue", r.key)
	return nil
}

// Close closes the Redis connection.
func (r *RedisQueueReloader) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
