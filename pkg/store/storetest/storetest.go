// Package storetest provides a throwaway SQLite database for package tests.
package storetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/cairn-dev/cairn/pkg/store"
)

// NewDB opens a file-backed SQLite database in a temp dir, applies the
// schema and returns it. The database is closed when the test ends.
func NewDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "cairn_test.db") + "?_pragma=busy_timeout(5000)"
	db, err := store.Open(context.Background(), "sqlite", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}
