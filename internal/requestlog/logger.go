package requestlog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// flushThreshold is the batch size that triggers a write before the ticker.
const flushThreshold = 100

// Logger buffers entries in a channel and writes them in batches, either
// when flushThreshold entries are queued or every FlushInterval.
type Logger struct {
	store  LogStore
	config Config
	buffer chan *Entry
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewLogger starts the background flush loop.
func NewLogger(store LogStore, cfg Config) *Logger {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}

	l := &Logger{
		store:  store,
		config: cfg,
		buffer: make(chan *Entry, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Write queues an entry. It never blocks; when the buffer is full the
// entry is dropped with a warning.
func (l *Logger) Write(entry *Entry) {
	if entry == nil {
		return
	}

	select {
	case l.buffer <- entry:
	default:
		slog.Warn("request log buffer full, dropping entry",
			"request_id", entry.RequestID,
			"model", entry.Model,
		)
	}
}

// Config returns the logger configuration
func (l *Logger) Config() Config {
	return l.config
}

// Close drains the queue, flushes the store and closes it. Writes after
// Close are not allowed.
func (l *Logger) Close() error {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, flushThreshold)

	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= flushThreshold {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, flushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, flushThreshold)
			}

		case <-l.done:
		drain:
			for {
				select {
				case entry := <-l.buffer:
					batch = append(batch, entry)
				default:
					break drain
				}
			}
			l.flushBatch(batch)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Flush(ctx); err != nil {
				slog.Error("failed to flush request log store", "error", err)
			}
			cancel()
			return
		}
	}
}

func (l *Logger) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		slog.Error("failed to write request log batch",
			"error", err,
			"count", len(batch),
		)
	}
}

// NoopLogger discards entries. Used when request logging is disabled.
type NoopLogger struct{}

func (NoopLogger) Write(_ *Entry) {}

func (NoopLogger) Config() Config { return Config{Enabled: false} }

func (NoopLogger) Close() error { return nil }

// LoggerInterface is satisfied by Logger and NoopLogger.
type LoggerInterface interface {
	Write(entry *Entry)
	Config() Config
	Close() error
}
