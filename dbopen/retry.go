package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Busy retry policy. The driver-level busy_timeout handles most contention;
// this catches the writes that still surface SQLITE_BUSY, such as a mirror
// projection racing a metrics flush on the same volume.
const busyAttempts = 3

func busyDelay(attempt int) time.Duration {
	return time.Duration(attempt+1) * 100 * time.Millisecond
}

// IsBusy reports whether err is an SQLite BUSY condition. The driver exposes
// these as strings, so this matches SQLITE_BUSY and both lock messages.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withBusyRetry runs fn, repeating on BUSY with 100/200/300 ms pauses.
// Non-busy errors return immediately; the last busy error returns as is.
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := range busyAttempts {
		if err = fn(); err == nil || !IsBusy(err) {
			return err
		}
		if attempt == busyAttempts-1 {
			break
		}
		if werr := sleepCtx(ctx, busyDelay(attempt)); werr != nil {
			return fmt.Errorf("dbopen: %s interrupted during busy retry: %w", op, werr)
		}
	}
	return err
}

// RunTx executes fn inside a transaction, retrying the whole transaction on
// SQLITE_BUSY. fn must be safe to run more than once.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withBusyRetry(ctx, "RunTx", func() error {
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
	})
}

// Exec executes a single statement with the same busy retry as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := withBusyRetry(ctx, "Exec", func() error {
		var err error
		result, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
