// Package dberr defines the error kinds the storage core surfaces.
package dberr

import (
	"errors"

	"go.uber.org/zap"
)

// Page-level and handle-level error kinds. These are returned as values;
// upper layers that can prove an operation must succeed assert on them and
// treat a failure as a bug rather than a user error.
var (
	// ErrPageFull means a write cannot fit in the target page.
	ErrPageFull = errors.New("page full")

	// ErrPageEmpty means a read or delete was issued against an empty page.
	ErrPageEmpty = errors.New("page empty")

	// ErrInvalidOffset, ErrInvalidRecord, ErrInvalidKey and ErrInvalidRid
	// indicate an argument-vs-state inconsistency: a logic bug or on-disk
	// corruption, never ordinary user input.
	ErrInvalidOffset = errors.New("invalid offset")
	ErrInvalidRecord = errors.New("invalid record")
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidRid    = errors.New("invalid record id")

	// ErrDeletedRecord means the operation referenced a tombstoned slot.
	ErrDeletedRecord = errors.New("deleted record")

	// ErrInvalidTimestamp means a handle was used after its frame was
	// reclaimed; the holder must re-fetch the page.
	ErrInvalidTimestamp = errors.New("stale handle: frame reclaimed")

	// ErrIoFailure carries a negative status from the kernel on submit or
	// completion. It bubbles out of SyncWait to the issuing caller.
	ErrIoFailure = errors.New("i/o failure")
)

// Fatalf terminates the process. Reserved for violated invariants; the
// B+tree order check in btree.NewMeta panics instead of calling it.
func Fatalf(log *zap.Logger, msg string, fields ...zap.Field) {
	if log == nil {
		log = zap.L()
	}
	log.Fatal(msg, fields...)
}
