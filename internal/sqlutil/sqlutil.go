// Package sqlutil provides the transaction and advisory-locking helpers
// shared by the storage layer, modeled on the teacher's sqlutil.WithTransaction
// / EndTransactionWithCheck convention (see
// roomserver/internal/input/input_resync.go, which opens a room updater,
// defers the check, and commits/rolls back based on the named return error).
package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
)

// WithTransaction begins a transaction on db, runs fn, and commits on
// success or rolls back on error or panic. The transaction is always closed
// before WithTransaction returns.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlutil: begin transaction: %w", err)
	}
	succeeded := false
	defer EndTransactionWithCheck(txn, &succeeded, &err)

	if err = fn(txn); err != nil {
		return err
	}
	succeeded = true
	return nil
}

// EndTransactionWithCheck commits txn if *succeeded is true and *err is nil,
// otherwise rolls back. It is designed to be deferred right after
// txn, err := db.BeginTx(...), with succeeded flipped to true only once the
// transactional body has fully completed.
func EndTransactionWithCheck(txn *sql.Tx, succeeded *bool, err *error) {
	if !*succeeded || *err != nil {
		if rbErr := txn.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			if *err == nil {
				*err = rbErr
			}
		}
		return
	}
	if cErr := txn.Commit(); cErr != nil {
		*err = cErr
	}
}

// AdvisoryLockKey derives the int64 key used by pg_advisory_xact_lock from a
// (room, set, label) triple, serializing concurrent original-tracking
// inserts into the same logical series (spec.md §4.B step 1).
func AdvisoryLockKey(roomID, set, label string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(roomID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(set))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(label))
	return int64(h.Sum64())
}

// LockSeries takes the transaction-scoped advisory lock for a (room,set,label)
// series. The lock is released automatically when txn commits or rolls back.
func LockSeries(ctx context.Context, txn *sql.Tx, roomID, set, label string) error {
	key := AdvisoryLockKey(roomID, set, label)
	_, err := txn.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key)
	if err != nil {
		return fmt.Errorf("sqlutil: advisory lock: %w", err)
	}
	return nil
}
