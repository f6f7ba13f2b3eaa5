package account

import (
	"context"
	"fmt"

	"zengateway/internal/storage"
)

// NewFromStorage builds the ledger over a shared storage connection.
// MongoDB is rejected: settlement needs multi-row transactions and
// conditional updates reported by affected-row count.
func NewFromStorage(ctx context.Context, store storage.Storage) (Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required for the ledger")
	}
	switch store.Type() {
	case storage.TypeSQLite:
		s, err := NewSQLiteStore(store.SQLiteDB())
		if err != nil {
			return nil, err
		}
		return s, nil

	case storage.TypePostgreSQL:
		pool := store.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		s, err := NewPostgreSQLStore(ctx, pool)
		if err != nil {
			return nil, err
		}
		return s, nil

	case storage.TypeMongoDB:
		return nil, fmt.Errorf("mongodb cannot hold the ledger; use sqlite or postgresql (mongodb is supported for the request log)")

	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
