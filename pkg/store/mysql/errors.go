package mysql

import (
	"errors"

	gomysql "github.com/go-sql-driver/mysql"
)

var (
	// ErrConflictRetryExhausted means the atomic upsert could not resolve a
	// write conflict within its retry budget. Safe to retry the whole batch
	// because merges are idempotent.
	ErrConflictRetryExhausted = errors.New("merge upsert: conflict retries exhausted")

	// ErrOversizedDocument means the store rejected the document on a hard
	// size limit. Retrying cannot fix size, so callers drop and log.
	ErrOversizedDocument = errors.New("merge upsert: document exceeds store limit")
)

// conflictRetryBudget bounds automatic retry-on-conflict inside MergeUpsert.
const conflictRetryBudget = 3

// maxDocumentBytes is checked before writing so an oversized document fails
// deterministically instead of depending on server limits.
const maxDocumentBytes = 1 << 20

// MySQL server error numbers.
const (
	errDuplicateEntry  = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errDataTooLong     = 1406
	errRowTooLarge     = 1118
)

// isRetryableConflict reports whether err is a concurrent-writer race the
// upsert should retry: a duplicate key from two first-writers, a deadlock,
// or a lock wait timeout.
func isRetryableConflict(err error) bool {
	var myErr *gomysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case errDuplicateEntry, errLockWaitTimeout, errDeadlock:
		return true
	}
	return false
}

// isOversized reports whether err is a per-document size limit.
func isOversized(err error) bool {
	var myErr *gomysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case errDataTooLong, errRowTooLarge:
		return true
	}
	return false
}
