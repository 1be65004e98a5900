package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const maxTxRetries = 3

// isBusy reports whether err indicates an SQLite BUSY condition.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx executes fn inside a transaction, retrying on SQLITE_BUSY up to
// 3 times with 100/200/300 ms backoff. WAL mode makes busy errors rare but
// a concurrent checkpoint can still produce one.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var lastErr error
	for i := range maxTxRetries {
		lastErr = runOnce(ctx, db, fn)
		if lastErr == nil {
			return nil
		}
		if !isBusy(lastErr) || i == maxTxRetries-1 {
			return lastErr
		}
		t := time.NewTimer(time.Duration(100*(i+1)) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: context cancelled during retry: %w", ctx.Err())
		case <-t.C:
		}
	}
	return lastErr
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}
