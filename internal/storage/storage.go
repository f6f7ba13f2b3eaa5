// Package storage holds the database connections shared by the ledger and
// the request log.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

const (
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
	TypeMongoDB    = "mongodb"
)

const (
	defaultSQLitePath    = "data/zengateway.db"
	defaultPostgresConns = 10
	defaultMongoDatabase = "zengateway"
)

// Config selects the ledger backend. MongoDB is opened separately with
// NewMongoDB because only the request log can live there.
type Config struct {
	Type       string
	SQLite     SQLiteConfig
	PostgreSQL PostgreSQLConfig
}

type SQLiteConfig struct {
	Path string
}

type PostgreSQLConfig struct {
	URL      string
	MaxConns int
}

type MongoDBConfig struct {
	URL      string
	Database string
}

// Storage is one open connection. Exactly one accessor returns non-nil,
// matching Type. Implementations are safe for concurrent use.
type Storage interface {
	Type() string
	SQLiteDB() *sql.DB
	PostgreSQLPool() *pgxpool.Pool
	MongoDatabase() *mongo.Database
	Close() error
}

// New opens the ledger storage.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Type {
	case TypeSQLite:
		return NewSQLite(cfg.SQLite)
	case TypePostgreSQL:
		return NewPostgreSQL(ctx, cfg.PostgreSQL)
	case TypeMongoDB:
		return nil, fmt.Errorf("storage type %q cannot hold the ledger (valid: sqlite, postgresql)", cfg.Type)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (valid: sqlite, postgresql)", cfg.Type)
	}
}
