// Package store implements the embedded relational store (C2): a single
// SQLite file opened with write-ahead journaling and foreign keys on, schema
// management via numbered migrations, and the repositories (C3) built on top
// of it. Grounded on perles/internal/infrastructure/sqlite, whose db_test.go
// specifies the contract (directory creation, WAL, foreign keys, busy
// timeout, pre-migration backup) that this package's db.go now implements —
// the teacher's own db.go never shipped in the retrieval pack.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the pure-Go sqlite3 wasm runtime

	"github.com/cawhq/caw/internal/log"
)

// busyTimeoutMillis bounds how long a writer waits on SQLITE_BUSY before
// giving up, matching the teacher's fixed 5s budget.
const busyTimeoutMillis = 5000

// DB wraps the shared *sql.DB handle the store exposes to every repository.
// The pool holds a single connection, so every statement, read or write, is
// serialized; callers that need an atomic multi-statement writer use Tx, and
// code running inside Tx must issue its statements through the tx handle.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates the parent directory (0700) if missing, opens (or creates)
// the SQLite file at path with WAL journaling and foreign keys enabled,
// backs up any pre-existing file before running migrations, and applies
// every pending migration. Re-opening an already-migrated file is a no-op
// on the schema.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}

		if _, err := os.Stat(path); err == nil {
			if backupErr := backupFile(path); backupErr != nil {
				return nil, fmt.Errorf("backup existing store: %w", backupErr)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busyTimeoutMillis)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: path}
	if migrateErr := db.migrate(); migrateErr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate store: %w", migrateErr)
	}

	log.Info(log.CatStore, "store opened", "path", path)
	return db, nil
}

// backupFile copies an existing store file to path+".bak" before migrations
// run, so a failed migration never destroys the only copy of the data.
func backupFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".bak")
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// migrate applies every pending schema step, failing the process on any
// step error (spec §4.1). schema_migrations is maintained by golang-migrate
// itself, satisfying the migration-ledger requirement without a hand-rolled
// table.
func (db *DB) migrate() error {
	driver, err := migratesqlite3.WithInstance(db.conn, &migratesqlite3.Config{})
	if err != nil {
		return fmt.Errorf("build migration driver: %w", err)
	}

	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}

	if upErr := m.Up(); upErr != nil && upErr != migrate.ErrNoChange {
		return upErr
	}
	return nil
}

// Connection returns the underlying *sql.DB for repositories to build
// prepared statements against.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Close releases the store's connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
