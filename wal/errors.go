package wal

import "fmt"

// CorruptionError reports a checksum or format failure in a closed segment.
// Closed segments are immutable by construction, so damage there is real
// storage corruption, never crash residue, and is never auto-repaired.
type CorruptionError struct {
	Path   string
	Offset int64
	cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupt segment %s at offset %d: %v", e.Path, e.Offset, e.cause)
}

func (e *CorruptionError) Unwrap() error { return e.cause }
