package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/slotpulse/db"
)

// CreateTestDB creates a migrated SQLite database in a per-test temp dir.
// A file (not :memory:) so WAL, busy timeout and concurrent connections
// behave as they do in production. Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "slotpulse.db")
	conn, err := db.OpenWithMigrations(path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
