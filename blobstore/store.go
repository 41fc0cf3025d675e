// Package blobstore abstracts archival storage for closed WAL segments and
// retired snapshots.
//
// Compaction moves cold files out of the live database directory into a blob
// store before deleting them locally. Archived blobs are immutable: they are
// written once, read back for audits or point-in-time restores, and deleted
// only by explicit retention decisions.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// errors.Is(err, ErrNotFound). The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// Store is an abstraction for writing and reading archived blobs.
type Store interface {
	// Put uploads a blob under name. Size is the exact byte count when
	// known, or -1 for streaming uploads. The blob must not be visible
	// under name until the upload is complete.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
