package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite binds at most 999 parameters per statement. An entry has 23
// columns, so batches are chunked to 43 entries.
const (
	maxSQLiteParams    = 999
	maxEntriesPerBatch = maxSQLiteParams / 23
)

// SQLiteStore writes entries to the request_logs table. Timestamps are
// unix milliseconds, like the ledger tables.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the table and indexes and starts the retention
// loop when retentionDays is positive.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			duration_ns INTEGER DEFAULT 0,
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
			stream INTEGER DEFAULT 0,
			ttfb_ms INTEGER DEFAULT 0,
			response_bytes INTEGER DEFAULT 0,
			input_tokens INTEGER DEFAULT 0,
			output_tokens INTEGER DEFAULT 0,
			cost INTEGER DEFAULT 0,
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
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}
	return store, nil
}

// WriteBatch inserts entries in chunks. Duplicate IDs are ignored.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	prefix := "INSERT OR IGNORE INTO request_logs (" + strings.Join(columns, ", ") + ") VALUES "

	for i := 0; i < len(entries); i += maxEntriesPerBatch {
		chunk := entries[i:min(i+maxEntriesPerBatch, len(entries))]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*len(columns))
		for j, e := range chunk {
			placeholders[j] = row
			values = append(values, e.args(e.Timestamp.UnixMilli())...)
		}

		if _, err := s.db.ExecContext(ctx, prefix+strings.Join(placeholders, ", "), values...); err != nil {
			return fmt.Errorf("failed to insert request logs batch %d: %w", i/maxEntriesPerBatch, err)
		}
	}
	return nil
}

// Flush is a no-op; writes are synchronous.
func (s *SQLiteStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup loop. Safe to call more than once.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *SQLiteStore) cleanup() {
	cutoff := retentionCutoff(time.Now(), s.retentionDays).UnixMilli()

	result, err := s.db.Exec("DELETE FROM request_logs WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("failed to clean up old request logs", "error", err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Info("cleaned up old request logs", "deleted", n)
	}
}
