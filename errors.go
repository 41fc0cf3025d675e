package strata

import (
	"errors"
	"fmt"

	"github.com/stratadb/strata/engine"
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/persistence"
	"github.com/stratadb/strata/wal"
)

var (
	// ErrNotFound is returned when no visible value exists for a key.
	ErrNotFound = engine.ErrNotFound

	// ErrTxnNotActive is returned when a finished transaction is used again.
	ErrTxnNotActive = engine.ErrTxnNotActive

	// ErrTxnTimeout is returned when a transaction outlives its configured
	// lifetime.
	ErrTxnTimeout = engine.ErrTxnTimeout

	// ErrVersionKindMismatch is returned when a versioned read asks a chain
	// for a version of a different numbering scheme.
	ErrVersionKindMismatch = engine.ErrVersionKindMismatch

	// ErrClosed is returned when the database has been closed.
	ErrClosed = engine.ErrClosed

	// ErrCorruption is returned when on-disk state fails validation outside
	// the repairable torn-tail case.
	ErrCorruption = errors.New("corrupted database state")
)

// VersionConflictError reports a failed commit validation. Use IsConflict
// (or errors.As) to detect it.
type VersionConflictError = engine.VersionConflictError

// HistoryTrimmedError reports a read below the earliest version retention
// kept.
type HistoryTrimmedError = engine.HistoryTrimmedError

// IsConflict reports whether err is a commit validation conflict. Conflicts
// are transient: retrying the transaction against fresh state may succeed.
func IsConflict(err error) bool {
	return engine.IsConflict(err)
}

// IsRetryable reports whether retrying the failed operation can succeed
// without intervention.
func IsRetryable(err error) bool {
	return IsConflict(err) || errors.Is(err, ErrTxnTimeout)
}

// translateError folds the storage layers' corruption errors into the public
// ErrCorruption sentinel. Everything else passes through.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var walCorrupt *wal.CorruptionError
	var checksum *persistence.ChecksumMismatchError
	switch {
	case errors.Is(err, manifest.ErrCorrupt),
		errors.Is(err, persistence.ErrCorrupt),
		errors.As(err, &walCorrupt),
		errors.As(err, &checksum):
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	}

	return err
}
