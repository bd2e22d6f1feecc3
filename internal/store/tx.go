package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx runs work inside a single write transaction, committing on success and
// rolling back on error or panic. This is the explicit single-writer
// transaction combinator required by spec §4.1 — every multi-row mutation in
// every repository goes through it instead of issuing bare statements.
func (db *DB) Tx(ctx context.Context, work func(tx *sql.Tx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = work(tx)
	return err
}
