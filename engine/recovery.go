package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/model"
	"github.com/stratadb/strata/persistence"
	"github.com/stratadb/strata/wal"
)

// RecoverOptions contains configuration for startup recovery.
type RecoverOptions struct {
	FS     fs.FileSystem
	Logger *slog.Logger
}

// RecoveryResult reports what recovery rebuilt.
type RecoveryResult struct {
	// Fresh is set when no manifest exists: a brand-new database.
	Fresh bool

	// Manifest is the loaded (or zero, when Fresh) manifest.
	Manifest manifest.Manifest

	// SnapshotLoaded reports whether a checkpoint seeded the store.
	SnapshotLoaded bool

	// Replayed is the number of writesets applied from the log.
	Replayed int

	// MaxTxn is the highest txn id in the rebuilt state; the commit
	// counter must resume above it.
	MaxTxn uint64

	// ActiveSegment is the segment the writer should resume appending to.
	ActiveSegment uint64

	// Truncated is set when a torn tail was repaired on the active segment.
	Truncated bool
}

// Recover rebuilds the store from the manifest, snapshot and WAL in dir.
//
// Recovery is deterministic and idempotent: writesets replay with their
// recorded versions, transactions at or below the snapshot watermark are
// skipped, and duplicate txn ids are applied once. A torn tail on the active
// segment is repaired silently; damage anywhere else fails recovery.
func Recover(store *Store, dir string, optFns ...func(o *RecoverOptions)) (*RecoveryResult, error) {
	opts := RecoverOptions{}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	start := time.Now()
	result := &RecoveryResult{ActiveSegment: 1}

	m, err := manifest.NewStore(opts.FS, dir).Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Fresh = true
			return result, nil
		}
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	result.Manifest = *m
	result.ActiveSegment = m.ActiveSegment

	var watermark uint64
	if m.HasSnapshot {
		cp, err := persistence.Read(opts.FS, dir, m.SnapshotID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %d: %w", m.SnapshotID, err)
		}
		if cp.DatabaseID != m.DatabaseID {
			return nil, fmt.Errorf("snapshot %d belongs to database %s, manifest says %s",
				m.SnapshotID, cp.DatabaseID, m.DatabaseID)
		}
		store.Restore(cp)
		watermark = cp.Watermark
		result.SnapshotLoaded = true
		result.MaxTxn = watermark

		opts.Logger.Info("loaded snapshot",
			slog.Uint64("snapshot", cp.ID),
			slog.Uint64("watermark", watermark))
	}

	segments, err := wal.ListSegments(opts.FS, dir)
	if err != nil {
		return nil, err
	}

	// The applied set guards idempotence when segment ranges overlap after
	// an interrupted compaction.
	applied := roaring64.New()

	for i, seg := range segments {
		// The highest-numbered segment on disk is the active one, even if
		// a crash hit between rotation and the manifest update; only it
		// may carry a torn tail.
		tail := i == len(segments)-1

		stats, err := wal.ReplaySegment(opts.FS, dir, seg, tail, opts.Logger, func(ws *model.Writeset) error {
			if ws.Txn <= watermark || applied.Contains(ws.Txn) {
				return nil
			}
			store.Apply(ws)
			applied.Add(ws.Txn)
			if ws.Txn > result.MaxTxn {
				result.MaxTxn = ws.Txn
			}
			result.Replayed++
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("replay segment %d: %w", seg, err)
		}
		if stats.Truncated {
			result.Truncated = true
		}
	}

	if len(segments) > 0 {
		last := segments[len(segments)-1]
		if last > result.ActiveSegment {
			// Rotation happened but the crash preempted the manifest
			// update. Resume on what is actually on disk.
			opts.Logger.Warn("manifest behind wal; resuming on newest segment",
				slog.Uint64("manifest_segment", result.ActiveSegment),
				slog.Uint64("newest_segment", last))
			result.ActiveSegment = last
		}
	}

	opts.Logger.Info("recovery complete",
		slog.Int("replayed", result.Replayed),
		slog.Uint64("max_txn", result.MaxTxn),
		slog.Bool("truncated", result.Truncated),
		slog.Duration("elapsed", time.Since(start)))

	return result, nil
}
