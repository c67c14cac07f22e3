// Package testing holds helpers shared by package tests: databases,
// recording listeners and scriptable change feeds.
package testing

import (
	"database/sql"
	"testing"

	"github.com/teranos/batchpub/db"
)

// CreateTestDB creates a migrated in-memory SQLite test database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(db.MemoryPath, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
