package requestlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zengateway/config"
	"zengateway/internal/storage"
)

// Result holds the request logger and any storage opened for it. Storage
// is nil when the logger shares the ledger's connection.
type Result struct {
	Logger  LoggerInterface
	Storage storage.Storage
}

// Close drains the logger and closes owned storage.
func (r *Result) Close() error {
	var errs []error
	if r.Logger != nil {
		if err := r.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logger close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// New builds the request logger. An empty request_log.storage_type writes
// into the shared ledger storage; "mongodb" opens its own connection.
// Disabled logging returns a NoopLogger.
func New(ctx context.Context, cfg *config.Config, shared storage.Storage) (*Result, error) {
	if !cfg.RequestLog.Enabled {
		return &Result{Logger: NoopLogger{}}, nil
	}

	logCfg := Config{
		Enabled:       true,
		BufferSize:    cfg.RequestLog.BufferSize,
		FlushInterval: time.Duration(cfg.RequestLog.FlushInterval) * time.Second,
		RetentionDays: cfg.RequestLog.RetentionDays,
	}

	var owned storage.Storage
	target := shared
	if cfg.RequestLog.StorageType == config.StorageMongoDB {
		s, err := storage.NewMongoDB(ctx, storage.MongoDBConfig{
			URL:      cfg.Storage.MongoDB.URL,
			Database: cfg.Storage.MongoDB.Database,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open request log storage: %w", err)
		}
		owned, target = s, s
	}
	if target == nil {
		return nil, errors.New("request log storage is not available")
	}

	logStore, err := createLogStore(ctx, target, logCfg.RetentionDays)
	if err != nil {
		if owned != nil {
			_ = owned.Close()
		}
		return nil, err
	}

	return &Result{Logger: NewLogger(logStore, logCfg), Storage: owned}, nil
}

func createLogStore(ctx context.Context, store storage.Storage, retentionDays int) (LogStore, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB(), retentionDays)

	case storage.TypePostgreSQL:
		pool := store.PostgreSQLPool()
		if pool == nil {
			return nil, errors.New("PostgreSQL pool is nil")
		}
		return NewPostgreSQLStore(ctx, pool, retentionDays)

	case storage.TypeMongoDB:
		db := store.MongoDatabase()
		if db == nil {
			return nil, errors.New("MongoDB database is nil")
		}
		return NewMongoDBStore(ctx, db, retentionDays)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
