package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// Read-modify-write transactions from many goroutines must not lose updates
// or fail with SQLITE_BUSY.
func TestSQLiteConcurrentTransactions(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "nested", "ledger.db")})
	if err != nil {
		t.Fatalf("failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	db := store.SQLiteDB()
	if _, err := db.Exec(`CREATE TABLE counter (id INTEGER PRIMARY KEY, value INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO counter (id, value) VALUES (1, 0)`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const goroutines = 10
	const incrementsPerGoroutine = 20

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*incrementsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				tx, err := db.BeginTx(ctx, nil)
				if err != nil {
					cancel()
					errs <- err
					continue
				}
				var v int
				if err := tx.QueryRowContext(ctx, `SELECT value FROM counter WHERE id = 1`).Scan(&v); err != nil {
					_ = tx.Rollback()
					cancel()
					errs <- err
					continue
				}
				if _, err := tx.ExecContext(ctx, `UPDATE counter SET value = ? WHERE id = 1`, v+1); err != nil {
					_ = tx.Rollback()
					cancel()
					errs <- err
					continue
				}
				if err := tx.Commit(); err != nil {
					errs <- err
				}
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent transaction error: %v", err)
	}

	var value int
	if err := db.QueryRow(`SELECT value FROM counter WHERE id = 1`).Scan(&value); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if want := goroutines * incrementsPerGoroutine; value != want {
		t.Errorf("counter = %d, want %d", value, want)
	}
}

func TestSQLiteUsesWAL(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "wal.db")})
	if err != nil {
		t.Fatalf("failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	var mode string
	if err := store.SQLiteDB().QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	if store.Type() != TypeSQLite || store.PostgreSQLPool() != nil || store.MongoDatabase() != nil {
		t.Error("unexpected accessors for sqlite storage")
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(context.Background(), Config{Type: "mysql"})
	if err == nil || !strings.Contains(err.Error(), "unknown storage type") {
		t.Fatalf("expected unknown storage type error, got %v", err)
	}
}

func TestNew_RejectsMongoForLedger(t *testing.T) {
	_, err := New(context.Background(), Config{Type: TypeMongoDB})
	if err == nil || !strings.Contains(err.Error(), "cannot hold the ledger") {
		t.Fatalf("expected ledger rejection, got %v", err)
	}
}

func TestNew_DefaultsSQLitePath(t *testing.T) {
	t.Chdir(t.TempDir())
	store, err := New(context.Background(), Config{Type: TypeSQLite})
	if err != nil {
		t.Fatalf("open default sqlite: %v", err)
	}
	defer store.Close()
	if _, err := os.Stat(defaultSQLitePath); err != nil {
		t.Errorf("expected database at %s: %v", defaultSQLitePath, err)
	}
}

func TestNew_RequiresURLs(t *testing.T) {
	if _, err := NewPostgreSQL(context.Background(), PostgreSQLConfig{}); err == nil {
		t.Error("expected error for empty PostgreSQL URL")
	}
	if _, err := NewMongoDB(context.Background(), MongoDBConfig{}); err == nil {
		t.Error("expected error for empty MongoDB URL")
	}
}
