package requestlog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zengateway/internal/core"
	"zengateway/internal/storage"
)

type mockStore struct {
	mu      sync.Mutex
	entries []*Entry
	flushed bool
	closed  bool
}

func (m *mockStore) WriteBatch(_ context.Context, entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *mockStore) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed = true
	return nil
}

func (m *mockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestLoggerFlushesOnInterval(t *testing.T) {
	store := &mockStore{}
	logger := NewLogger(store, Config{Enabled: true, BufferSize: 10, FlushInterval: 20 * time.Millisecond})
	defer logger.Close()

	logger.Write(&Entry{ID: "a"})
	logger.Write(&Entry{ID: "b"})

	assert.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestLoggerCloseDrains(t *testing.T) {
	store := &mockStore{}
	logger := NewLogger(store, Config{Enabled: true, BufferSize: 500, FlushInterval: time.Hour})

	for i := 0; i < 250; i++ {
		logger.Write(&Entry{ID: fmt.Sprintf("e-%d", i)})
	}
	require.NoError(t, logger.Close())

	assert.Equal(t, 250, store.count())
	assert.True(t, store.flushed)
	assert.True(t, store.closed)
	require.NoError(t, logger.Close(), "second close")
}

func TestLoggerDropsWhenFull(t *testing.T) {
	store := &mockStore{}
	logger := &Logger{
		store:  store,
		config: Config{Enabled: true, BufferSize: 1, FlushInterval: time.Hour},
		buffer: make(chan *Entry, 1),
		done:   make(chan struct{}),
	}

	logger.Write(&Entry{ID: "kept"})
	logger.Write(&Entry{ID: "dropped"})

	assert.Len(t, logger.buffer, 1)
}

func TestNoopLogger(t *testing.T) {
	var l LoggerInterface = NoopLogger{}
	l.Write(&Entry{ID: "x"})
	assert.False(t, l.Config().Enabled)
	assert.NoError(t, l.Close())
}

func TestIsGatewayPath(t *testing.T) {
	for path, want := range map[string]bool{
		"/v1/messages":          true,
		"/v1/responses":         true,
		"/v1/chat/completions":  true,
		"/v1/chat/completions/": true,
		"/v1/models":            false,
		"/health":               false,
	} {
		assert.Equal(t, want, IsGatewayPath(path), path)
	}
}

func TestSQLiteStoreWriteBatch(t *testing.T) {
	s, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "log.db")})
	require.NoError(t, err)
	defer s.Close()

	store, err := NewSQLiteStore(s.SQLiteDB(), 0)
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC()
	entries := make([]*Entry, 100)
	for i := range entries {
		entries[i] = &Entry{
			ID:          fmt.Sprintf("id-%03d", i),
			Timestamp:   now,
			RequestID:   "req",
			Model:       "claude-x",
			Provider:    "anthropic",
			WorkspaceID: "ws_1",
			StatusCode:  200,
			Stream:      i%2 == 0,
			Cost:        int64(i),
		}
	}
	ctx := context.Background()
	require.NoError(t, store.WriteBatch(ctx, entries))
	// duplicates are ignored
	require.NoError(t, store.WriteBatch(ctx, entries[:5]))

	var n, streamed, cost int64
	row := s.SQLiteDB().QueryRow(`SELECT COUNT(*), SUM(stream), SUM(cost) FROM request_logs`)
	require.NoError(t, row.Scan(&n, &streamed, &cost))
	assert.Equal(t, int64(100), n)
	assert.Equal(t, int64(50), streamed)
	assert.Equal(t, int64(4950), cost)
}

func TestSQLiteStoreCleanup(t *testing.T) {
	s, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "log.db")})
	require.NoError(t, err)
	defer s.Close()

	store, err := NewSQLiteStore(s.SQLiteDB(), 0)
	require.NoError(t, err)
	store.retentionDays = 7

	ctx := context.Background()
	require.NoError(t, store.WriteBatch(ctx, []*Entry{
		{ID: "old", Timestamp: time.Now().AddDate(0, 0, -30)},
		{ID: "new", Timestamp: time.Now()},
	}))
	store.cleanup()

	var id string
	require.NoError(t, s.SQLiteDB().QueryRow(`SELECT id FROM request_logs`).Scan(&id))
	assert.Equal(t, "new", id)
}

type capturingLogger struct {
	mu      sync.Mutex
	entries []*Entry
}

func (c *capturingLogger) Write(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *capturingLogger) Config() Config { return Config{Enabled: true} }

func (c *capturingLogger) Close() error { return nil }

func TestMiddleware(t *testing.T) {
	withRequestID := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := core.WithRequestID(c.Request().Context(), "req-1")
			ctx = core.WithIdentity(ctx, core.Identity{Session: "sess", Request: "creq"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}

	t.Run("enriched entry is written", func(t *testing.T) {
		logger := &capturingLogger{}
		e := echo.New()
		e.Use(withRequestID, Middleware(logger))
		e.POST("/v1/messages", func(c echo.Context) error {
			entry := FromContext(c.Request().Context())
			require.NotNil(t, entry)
			entry.Model = "claude-x"
			entry.Cost = 42
			return c.String(http.StatusOK, "ok")
		})

		req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		req.Header.Set("x-real-ip", "10.0.0.7")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		require.Len(t, logger.entries, 1)
		got := logger.entries[0]
		assert.Equal(t, "req-1", got.RequestID)
		assert.Equal(t, "sess", got.SessionID)
		assert.Equal(t, "creq", got.ClientRequestID)
		assert.Equal(t, "10.0.0.7", got.ClientIP)
		assert.Equal(t, "claude-x", got.Model)
		assert.Equal(t, int64(42), got.Cost)
		assert.Equal(t, http.StatusOK, got.StatusCode)
		assert.Positive(t, got.DurationNs)
	})

	t.Run("returned error sets status and type", func(t *testing.T) {
		logger := &capturingLogger{}
		e := echo.New()
		e.Use(withRequestID, Middleware(logger))
		e.POST("/v1/chat/completions", func(c echo.Context) error {
			return core.NewCreditsError("Insufficient balance.")
		})
		e.POST("/v1/responses", func(c echo.Context) error {
			return errors.New("boom")
		})

		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/responses", nil))

		require.Len(t, logger.entries, 2)
		assert.Equal(t, http.StatusUnauthorized, logger.entries[0].StatusCode)
		assert.Equal(t, "CreditsError", logger.entries[0].ErrorType)
		assert.Equal(t, http.StatusInternalServerError, logger.entries[1].StatusCode)
		assert.Equal(t, "*errors.errorString", logger.entries[1].ErrorType)
	})

	t.Run("non-gateway paths are skipped", func(t *testing.T) {
		logger := &capturingLogger{}
		e := echo.New()
		e.Use(Middleware(logger))
		e.GET("/health", func(c echo.Context) error {
			assert.Nil(t, FromContext(c.Request().Context()))
			return c.NoContent(http.StatusOK)
		})
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Empty(t, logger.entries)
	})
}
