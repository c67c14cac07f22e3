package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/batchpub/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database successfully", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)

		// Open may connect lazily; Ping surfaces the failure then
		if err == nil && db != nil {
			err = db.Ping()
			db.Close()
		}
		require.Error(t, err)
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")

		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("in-memory database keeps one connection", func(t *testing.T) {
		db, err := Open(MemoryPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec("CREATE TABLE t (x INTEGER)")
		require.NoError(t, err)
		_, err = db.Exec("INSERT INTO t VALUES (1)")
		require.NoError(t, err)

		var n int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM t").Scan(&n))
		assert.Equal(t, 1, n)
		assert.Equal(t, 1, db.Stats().MaxOpenConnections)
	})

	t.Run("closed database errors are recognised", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		_, err = db.Exec("PRAGMA journal_mode")
		require.Error(t, err)
		assert.True(t, IsClosed(err))
		assert.False(t, IsClosed(nil))
		assert.True(t, IsClosed(fmt.Errorf("poll: %w", sql.ErrConnDone)))

		mapped := MapClosed(err, "poll tasks")
		assert.True(t, errors.Is(mapped, errors.ErrClosed))
		assert.Contains(t, mapped.Error(), "poll tasks")
		assert.Equal(t, mapped, MapClosed(mapped, "again"), "already mapped")

		other := errors.New("disk I/O error")
		assert.Equal(t, other, MapClosed(other, "poll tasks"))
		assert.NoError(t, MapClosed(nil, "poll tasks"))
	})
}

func TestOpen_WithLogger(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()
}
