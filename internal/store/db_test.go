package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesDirectoryAndFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "workflows.db")

	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	_, err = os.Stat(dbPath)
	require.NoError(t, err)
}

func TestOpen_RunsMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "workflows.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"workflows", "tasks", "task_dependencies", "checkpoints", "workspaces", "agents", "sessions", "messages", "memories", "templates", "repositories", "schema_migrations"} {
		var name string
		scanErr := db.Connection().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoErrorf(t, scanErr, "table %s should exist after migrations", table)
	}
}

func TestOpen_PreMigrationBackup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "workflows.db")

	db1, err := Open(dbPath)
	require.NoError(t, err)
	db1.Close()

	db2, err := Open(dbPath)
	require.NoError(t, err)
	defer db2.Close()

	info, err := os.Stat(dbPath + ".bak")
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestOpen_WALAndForeignKeys(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "workflows.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	var journalMode string
	require.NoError(t, db.Connection().QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	require.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, db.Connection().QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)
}

func TestOpen_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "workflows.db")
	db1, err := Open(dbPath)
	require.NoError(t, err)
	db1.Close()

	db2, err := Open(dbPath)
	require.NoError(t, err)
	defer db2.Close()
}

func TestTx_CommitsOnSuccess(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	err = db.Tx(context.Background(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(`INSERT INTO repositories (id, path, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			"rp_abc123", "/tmp/repo", 1, 1)
		return execErr
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Connection().QueryRow("SELECT COUNT(*) FROM repositories").Scan(&count))
	require.Equal(t, 1, count)
}

func TestTx_RollsBackOnError(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	err = db.Tx(context.Background(), func(tx *sql.Tx) error {
		if _, execErr := tx.Exec(`INSERT INTO repositories (id, path, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			"rp_def456", "/tmp/repo2", 1, 1); execErr != nil {
			return execErr
		}
		return sql.ErrTxDone
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.Connection().QueryRow("SELECT COUNT(*) FROM repositories").Scan(&count))
	require.Equal(t, 0, count)
}
