package wal

import (
	"log/slog"
	"time"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/model"
)

// DurabilityMode defines how commit appends reach stable storage.
type DurabilityMode int

const (
	// DurabilityInMemory disables the log entirely. No bytes hit disk;
	// total data loss on crash is expected and acceptable.
	DurabilityInMemory DurabilityMode = iota

	// DurabilityBuffered writes records to the OS immediately but fsyncs
	// only at the configured byte threshold, at segment rotation, or when
	// the background flush worker runs. A crash loses at most the unsynced
	// window.
	DurabilityBuffered

	// DurabilityStrict writes and fsyncs before Append returns. A commit
	// that returned success is durable, with no exceptions.
	DurabilityStrict
)

func (m DurabilityMode) String() string {
	switch m {
	case DurabilityInMemory:
		return "in-memory"
	case DurabilityBuffered:
		return "buffered"
	case DurabilityStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// Options contains configuration for the segment writer.
type Options struct {
	// Dir is the directory where segment files are stored.
	Dir string

	// FS is the filesystem implementation. Defaults to fs.Default.
	FS fs.FileSystem

	// DatabaseID is embedded in every segment header.
	DatabaseID model.DatabaseID

	// Mode controls fsync behavior.
	Mode DurabilityMode

	// SegmentSize is the rotation threshold in bytes. When the active
	// segment reaches it, the segment is closed (and becomes immutable)
	// before the next record is written to a fresh one.
	SegmentSize int64

	// SyncThreshold is the Buffered-mode byte threshold that forces an
	// inline fsync.
	SyncThreshold int

	// FlushInterval is the Buffered-mode background fsync period.
	FlushInterval time.Duration

	// StartSegment is the active segment number to open, normally taken
	// from the manifest.
	StartSegment uint64

	// OnRotate is called after a rotation with the new active segment
	// number, before any record is written to it. The manifest update
	// hangs off this hook.
	OnRotate func(segment uint64) error

	// Logger receives diagnostics. Defaults to a discarding logger.
	Logger *slog.Logger
}

// DefaultOptions returns default writer options.
var DefaultOptions = Options{
	Dir:           ".",
	Mode:          DurabilityBuffered,
	SegmentSize:   64 * 1024 * 1024,
	SyncThreshold: 256 * 1024,
	FlushInterval: 10 * time.Millisecond,
	StartSegment:  1,
}
