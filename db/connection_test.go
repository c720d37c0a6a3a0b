package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tock/errors"
)

func TestOpen(t *testing.T) {
	t.Run("applies connection options", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "tock.db"), nil)
		require.NoError(t, err)
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

	t.Run("options reach every pooled connection", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "tock.db"), nil)
		require.NoError(t, err)
		defer db.Close()
		db.SetMaxOpenConns(4)

		// Hold two connections open at once so the second is a fresh one
		tx1, err := db.Begin()
		require.NoError(t, err)
		defer tx1.Rollback()

		conn, err := db.Conn(t.Context())
		require.NoError(t, err)
		defer conn.Close()

		var foreignKeys int
		require.NoError(t, conn.QueryRowContext(t.Context(), "PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)
	})

	t.Run("creates database file", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")
		_, err := os.Stat(dbPath)
		require.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("invalid path error carries stack", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/tock.db", nil)
		if err == nil && db != nil {
			err = db.Ping()
			db.Close()
		}
		require.Error(t, err)
		assert.NotNil(t, errors.GetStack(err))
	})
}

func TestDSN(t *testing.T) {
	got := dsn("/var/lib/tock/tock.db")
	assert.Contains(t, got, "file:/var/lib/tock/tock.db?")
	assert.Contains(t, got, "_journal_mode=WAL")
	assert.Contains(t, got, "_txlock=immediate")
	assert.Contains(t, got, "_busy_timeout=5000")

	got = dsn("file:tock.db?cache=shared")
	assert.Contains(t, got, "file:tock.db?cache=shared&")
}

func TestConstraintErrors(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "tock.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	now := FormatTime(mustNow())
	insert := `INSERT INTO workers (id, name, heartbeat_at, max_parallel, current_jobs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = db.Exec(insert, "w1", "alpha", now, 2, 0, now, now)
	require.NoError(t, err)

	_, err = db.Exec(insert, "w2", "alpha", now, 2, 0, now, now)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsCheckViolation(err))

	_, err = db.Exec(insert, "w3", "beta", now, 2, 3, now, now)
	require.Error(t, err)
	assert.True(t, IsCheckViolation(err))
	assert.False(t, IsUniqueViolation(err))

	assert.False(t, IsUniqueViolation(errors.New("plain")))
}

func TestIsDatabaseClosed(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "tock.db"), nil)
	require.NoError(t, err)
	db.Close()

	_, err = db.Exec("SELECT 1")
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "tick")))
	assert.False(t, IsDatabaseClosed(nil))
}
