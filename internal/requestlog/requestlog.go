// Package requestlog persists one structured entry per gateway call.
//
// The echo middleware opens an entry before the handler runs and writes it
// once the handler returns; the gateway fills in routing, usage and cost on
// the entry it finds in the request context.
package requestlog

import (
	"context"
	"time"
)

// Entry is one logged gateway call. Cost is in micro-cents.
type Entry struct {
	ID         string    `json:"id" bson:"_id"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
	DurationNs int64     `json:"duration_ns" bson:"duration_ns"`

	RequestID       string `json:"request_id" bson:"request_id"`
	SessionID       string `json:"session_id,omitempty" bson:"session_id,omitempty"`
	ClientRequestID string `json:"client_request_id,omitempty" bson:"client_request_id,omitempty"`

	ClientIP string `json:"client_ip" bson:"client_ip"`
	Method   string `json:"method" bson:"method"`
	Path     string `json:"path" bson:"path"`

	Format      string `json:"format" bson:"format"`
	Model       string `json:"model" bson:"model"`
	Provider    string `json:"provider" bson:"provider"`
	WorkspaceID string `json:"workspace_id,omitempty" bson:"workspace_id,omitempty"`
	KeyID       string `json:"key_id,omitempty" bson:"key_id,omitempty"`

	StatusCode    int   `json:"status_code" bson:"status_code"`
	Stream        bool  `json:"stream" bson:"stream"`
	TTFBMs        int64 `json:"ttfb_ms" bson:"ttfb_ms"`
	ResponseBytes int64 `json:"response_bytes" bson:"response_bytes"`

	InputTokens  int64 `json:"input_tokens" bson:"input_tokens"`
	OutputTokens int64 `json:"output_tokens" bson:"output_tokens"`
	Cost         int64 `json:"cost" bson:"cost"`

	ErrorType    string `json:"error_type,omitempty" bson:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty" bson:"error_message,omitempty"`
}

// LogStore is a request-log sink.
type LogStore interface {
	WriteBatch(ctx context.Context, entries []*Entry) error
	// Flush forces pending writes out. Synchronous stores no-op.
	Flush(ctx context.Context) error
	// Close releases store resources. The underlying connection belongs to
	// the storage layer and stays open.
	Close() error
}

// Config holds request logging configuration.
type Config struct {
	Enabled bool

	// BufferSize is the capacity of the in-memory queue.
	BufferSize int

	// FlushInterval is how often queued entries are written.
	FlushInterval time.Duration

	// RetentionDays is how long entries are kept (0 = forever).
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 30,
	}
}

type entryKey struct{}

// WithEntry attaches the call's entry to ctx.
func WithEntry(ctx context.Context, e *Entry) context.Context {
	return context.WithValue(ctx, entryKey{}, e)
}

// FromContext returns the call's entry, or nil when logging is off.
func FromContext(ctx context.Context) *Entry {
	e, _ := ctx.Value(entryKey{}).(*Entry)
	return e
}

// columns is the SQL column order shared by the SQLite and PostgreSQL stores.
var columns = []string{
	"id", "timestamp", "duration_ns",
	"request_id", "session_id", "client_request_id",
	"client_ip", "method", "path",
	"format", "model", "provider", "workspace_id", "key_id",
	"status_code", "stream", "ttfb_ms", "response_bytes",
	"input_tokens", "output_tokens", "cost",
	"error_type", "error_message",
}

// args returns e's values in column order. ts is the backend's timestamp
// representation.
func (e *Entry) args(ts any) []any {
	return []any{
		e.ID, ts, e.DurationNs,
		e.RequestID, e.SessionID, e.ClientRequestID,
		e.ClientIP, e.Method, e.Path,
		e.Format, e.Model, e.Provider, e.WorkspaceID, e.KeyID,
		e.StatusCode, e.Stream, e.TTFBMs, e.ResponseBytes,
		e.InputTokens, e.OutputTokens, e.Cost,
		e.ErrorType, e.ErrorMessage,
	}
}
