package requestlog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore writes entries to the request_logs table.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewPostgreSQLStore creates the table and indexes and starts the retention
// loop when retentionDays is positive.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS request_logs (
			id UUID PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			duration_ns BIGINT DEFAULT 0,
			request_id TEXT,
			session_id TEXT,
			client_request_id TEXT,
			client_ip TEXT,
			method TEXT,
			path TEXT,
			format TEXT,
			model TEXT,
			provider TEXT,
			workspace_id TEXT,
			key_id TEXT,
			status_code INTEGER DEFAULT 0,
			stream BOOLEAN DEFAULT FALSE,
			ttfb_ms BIGINT DEFAULT 0,
			response_bytes BIGINT DEFAULT 0,
			input_tokens BIGINT DEFAULT 0,
			output_tokens BIGINT DEFAULT 0,
			cost BIGINT DEFAULT 0,
			error_type TEXT,
			error_message TEXT
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create request_logs table: %w", err)
	}

	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_request_logs_request_id ON request_logs(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_request_logs_workspace ON request_logs(workspace_id)",
		"CREATE INDEX IF NOT EXISTS idx_request_logs_model ON request_logs(model)",
	} {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &PostgreSQLStore{
		pool:          pool,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}
	return store, nil
}

var insertPostgreSQL = func() string {
	ph := make([]string, len(columns))
	for i := range columns {
		ph[i] = "$" + strconv.Itoa(i+1)
	}
	return "INSERT INTO request_logs (" + strings.Join(columns, ", ") + ") VALUES (" +
		strings.Join(ph, ", ") + ") ON CONFLICT (id) DO NOTHING"
}()

// WriteBatch sends every insert in one pgx batch.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertPostgreSQL, e.args(e.Timestamp.UTC())...)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert request logs: %w", err)
	}
	return nil
}

// Flush is a no-op; writes are synchronous.
func (s *PostgreSQLStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup loop. The pool belongs to the storage layer.
func (s *PostgreSQLStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *PostgreSQLStore) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	tag, err := s.pool.Exec(ctx, "DELETE FROM request_logs WHERE timestamp < $1", retentionCutoff(time.Now(), s.retentionDays))
	if err != nil {
		slog.Error("failed to clean up old request logs", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("cleaned up old request logs", "deleted", n)
	}
}
