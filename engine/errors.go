package engine

import (
	"errors"
	"fmt"

	"github.com/stratadb/strata/model"
)

var (
	// ErrNotFound is returned when no visible value exists for a key.
	ErrNotFound = errors.New("not found")

	// ErrTxnNotActive is returned when an operation is attempted on a
	// transaction that already committed or aborted.
	ErrTxnNotActive = errors.New("transaction is not active")

	// ErrTxnTimeout is returned when a transaction exceeds its configured
	// lifetime. The check runs at commit; a timed-out transaction aborts
	// instead of committing.
	ErrTxnTimeout = errors.New("transaction timed out")

	// ErrVersionKindMismatch is returned when a versioned read asks a chain
	// for a version of a different numbering scheme.
	ErrVersionKindMismatch = errors.New("version kind mismatch")

	// ErrClosed is returned when the engine has been shut down.
	ErrClosed = errors.New("engine is closed")
)

// VersionConflictError reports a failed commit validation: a key the
// transaction read or CAS-guarded changed before the commit.
type VersionConflictError struct {
	Ref model.EntityRef

	// Observed is the version the transaction saw (or expected, for CAS).
	Observed model.Version

	// Actual is the version at validation time.
	Actual model.Version

	// CAS marks conflicts from a compare-and-swap guard rather than a read.
	CAS bool
}

func (e *VersionConflictError) Error() string {
	kind := "read"
	if e.CAS {
		kind = "cas"
	}
	return fmt.Sprintf("version conflict on %s (%s): observed %s, actual %s",
		e.Ref, kind, e.Observed, e.Actual)
}

// IsConflict reports whether err is a commit validation conflict.
func IsConflict(err error) bool {
	var conflict *VersionConflictError
	return errors.As(err, &conflict)
}

// HistoryTrimmedError reports a versioned read below the earliest retained
// version of a trimmed chain. The value is gone by policy, which is a
// different answer than "never existed".
type HistoryTrimmedError struct {
	Ref              model.EntityRef
	Requested        model.Version
	EarliestRetained model.Version
}

func (e *HistoryTrimmedError) Error() string {
	return fmt.Sprintf("history trimmed on %s: requested %s, earliest retained %s",
		e.Ref, e.Requested, e.EarliestRetained)
}
