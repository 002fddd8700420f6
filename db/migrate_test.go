package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "fetchq.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	var tables int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('schema_migrations', 'transfers', 'transfer_sequence', 'coordinator_lease')").Scan(&tables)
	require.NoError(t, err)
	assert.Equal(t, 4, tables)

	var versions int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 4, versions)

	var lastID int64
	require.NoError(t, db.QueryRow("SELECT last_id FROM transfer_sequence WHERE id = 1").Scan(&lastID))
	assert.Zero(t, lastID)
}

func TestMigrate(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "fetchq.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations twice should be safe")
	})

	t.Run("transfers table rejects unknown status", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "fetchq.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec(`INSERT INTO transfers (id, uri, destination, allowed_networks, status, created_at, updated_at)
			VALUES (1, 'https://example.test/a.jpg', 'a.jpg', 'WIFI', 'QUEUED', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
		assert.Error(t, err)
	})

	t.Run("closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "fetchq.db"), nil)
		require.NoError(t, err)
		db.Close()

		err = Migrate(db, nil)
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
	})
}
