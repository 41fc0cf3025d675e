package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratadb/strata/blobstore"
	"github.com/stratadb/strata/codec"
	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/model"
	"github.com/stratadb/strata/persistence"
	"github.com/stratadb/strata/resource"
	"github.com/stratadb/strata/wal"
)

// CompactionMode selects how much a compaction pass reclaims.
type CompactionMode int

const (
	// CompactWALOnly drops WAL segments and snapshots that the newest
	// checkpoint fully covers. Version history in memory is untouched.
	CompactWALOnly CompactionMode = iota + 1

	// CompactFull additionally prunes version chains under each run's
	// retention policy.
	CompactFull
)

func (m CompactionMode) String() string {
	switch m {
	case CompactWALOnly:
		return "wal-only"
	case CompactFull:
		return "full"
	default:
		return "unknown"
	}
}

// CompactionStats reports what one pass reclaimed.
type CompactionStats struct {
	SegmentsArchived int
	SegmentsDropped  int
	SnapshotsDropped int
	ChainsTrimmed    int
	EntriesDropped   int
}

// CompactorOptions contains configuration for the compactor.
type CompactorOptions struct {
	// FS is the filesystem implementation. Defaults to fs.Default.
	FS fs.FileSystem

	// Archive, when set, receives covered segments and retired snapshots
	// before they are deleted locally.
	Archive blobstore.Store

	// Controller throttles archival IO and bounds concurrent passes.
	Controller *resource.Controller

	// Codec decodes stored retention policies.
	Codec codec.Codec

	// Workers sizes the chain-pruning pool. Non-positive means GOMAXPROCS.
	Workers int

	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics MetricsObserver
}

// Compactor reclaims WAL segments, old snapshots and pruned version history.
// Passes are serialized; reads and commits continue concurrently.
type Compactor struct {
	mu        sync.Mutex
	store     *Store
	mgr       *TxnManager
	manifests *manifest.Store
	dir       string
	opts      CompactorOptions
}

// NewCompactor creates a compactor over the store and its on-disk state.
func NewCompactor(store *Store, mgr *TxnManager, manifests *manifest.Store, dir string, optFns ...func(o *CompactorOptions)) *Compactor {
	opts := CompactorOptions{}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}

	return &Compactor{
		store:     store,
		mgr:       mgr,
		manifests: manifests,
		dir:       dir,
		opts:      opts,
	}
}

// Compact runs one compaction pass.
func (c *Compactor) Compact(ctx context.Context, mode CompactionMode) (CompactionStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.opts.Controller.AcquireBackground(ctx); err != nil {
		return CompactionStats{}, err
	}
	defer c.opts.Controller.ReleaseBackground()

	start := c.opts.Clock()
	var stats CompactionStats

	m, err := c.manifests.Load()
	if err != nil {
		return stats, fmt.Errorf("load manifest: %w", err)
	}

	if err := c.dropCoveredSegments(ctx, m, &stats); err != nil {
		return stats, err
	}
	if err := c.dropOldSnapshots(ctx, m, &stats); err != nil {
		return stats, err
	}

	if mode == CompactFull {
		if err := c.pruneChains(ctx, &stats); err != nil {
			return stats, err
		}
	}

	elapsed := c.opts.Clock().Sub(start)
	c.opts.Metrics.OnCompaction(stats.SegmentsDropped, stats.ChainsTrimmed, elapsed)
	c.opts.Logger.Info("compaction complete",
		slog.String("mode", mode.String()),
		slog.Int("segments_dropped", stats.SegmentsDropped),
		slog.Int("snapshots_dropped", stats.SnapshotsDropped),
		slog.Int("chains_trimmed", stats.ChainsTrimmed),
		slog.Int("entries_dropped", stats.EntriesDropped),
		slog.Duration("elapsed", elapsed))

	return stats, nil
}

// dropCoveredSegments removes closed WAL segments whose every transaction is
// at or below the snapshot watermark. The active segment is never touched.
func (c *Compactor) dropCoveredSegments(ctx context.Context, m *manifest.Manifest, stats *CompactionStats) error {
	if !m.HasSnapshot {
		return nil
	}

	segments, err := wal.ListSegments(c.opts.FS, c.dir)
	if err != nil {
		return err
	}

	for _, seg := range segments {
		if seg >= m.ActiveSegment {
			continue
		}
		maxTxn, err := wal.SegmentMaxTxn(c.opts.FS, c.dir, seg)
		if err != nil {
			return err
		}
		if maxTxn > m.Watermark {
			continue
		}

		name := wal.SegmentName(seg)
		if err := c.archiveFile(ctx, name, path.Join("wal", name)); err != nil {
			return err
		}
		if c.opts.Archive != nil {
			stats.SegmentsArchived++
		}

		if err := c.opts.FS.Remove(filepath.Join(c.dir, name)); err != nil {
			return fmt.Errorf("remove segment %d: %w", seg, err)
		}
		stats.SegmentsDropped++
	}
	return nil
}

// dropOldSnapshots removes checkpoints older than the one the manifest
// points at. They are unreachable: recovery always starts from the manifest.
func (c *Compactor) dropOldSnapshots(ctx context.Context, m *manifest.Manifest, stats *CompactionStats) error {
	if !m.HasSnapshot {
		return nil
	}

	ids, err := persistence.ListSnapshots(c.opts.FS, c.dir)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if id >= m.SnapshotID {
			continue
		}

		name := persistence.SnapshotName(id)
		if err := c.archiveFile(ctx, name, path.Join("snapshots", name)); err != nil {
			return err
		}
		if err := c.opts.FS.Remove(filepath.Join(c.dir, name)); err != nil {
			return fmt.Errorf("remove snapshot %d: %w", id, err)
		}
		stats.SnapshotsDropped++
	}
	return nil
}

// archiveFile uploads a local file to the archive store, paced by the IO
// budget. A nil archive store means compaction deletes without archiving.
func (c *Compactor) archiveFile(ctx context.Context, localName, blobName string) error {
	if c.opts.Archive == nil {
		return nil
	}

	file, err := c.opts.FS.OpenFile(filepath.Join(c.dir, localName), os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s for archival: %w", localName, err)
	}
	defer file.Close()

	st, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localName, err)
	}

	pr, pw := io.Pipe()
	go func() {
		lw := resource.NewRateLimitedWriter(ctx, pw, c.opts.Controller)
		_, err := io.Copy(lw, file)
		_ = pw.CloseWithError(err)
	}()

	if err := c.opts.Archive.Put(ctx, blobName, pr, st.Size()); err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("archive %s: %w", localName, err)
	}
	return nil
}

// pruneChains applies each run's retention policy to its version chains.
//
// Invariants: the newest entry of every chain survives, so current reads are
// unaffected; a chain that loses entries is marked trimmed with its earliest
// retained version, turning deep historical reads into HistoryTrimmedError
// rather than false not-founds. System-namespace chains are exempt; the
// retention policy cannot prune itself.
func (c *Compactor) pruneChains(ctx context.Context, stats *CompactionStats) error {
	horizon := c.mgr.CurrentTxn()
	now := c.opts.Clock()

	policies := make(map[model.RunID]model.RetentionPolicy)
	policyFor := func(run model.RunID) (model.RetentionPolicy, error) {
		if p, ok := policies[run]; ok {
			return p, nil
		}
		p, err := EffectivePolicy(c.store, run, c.opts.Codec, horizon, now)
		if err != nil {
			return model.RetentionPolicy{}, err
		}
		policies[run] = p
		return p, nil
	}

	pool := NewWorkerPool(c.opts.Workers)
	defer pool.Close()

	var (
		wg             sync.WaitGroup
		chainsTrimmed  atomic.Int64
		entriesDropped atomic.Int64
	)

	var submitErr error
	c.store.ForEachChain(func(ref model.EntityRef, ch *chain) bool {
		if ref.Primitive == model.PrimitiveSystem {
			return true
		}

		policy, err := policyFor(ref.Run)
		if err != nil {
			submitErr = err
			return false
		}

		wg.Add(1)
		err = pool.Submit(ctx, func() {
			defer wg.Done()
			dropped := c.pruneChain(ref, ch, policy, now)
			if dropped > 0 {
				chainsTrimmed.Add(1)
				entriesDropped.Add(int64(dropped))
			}
		})
		if err != nil {
			wg.Done()
			submitErr = err
			return false
		}
		return true
	})

	wg.Wait()
	if submitErr != nil {
		return submitErr
	}

	stats.ChainsTrimmed += int(chainsTrimmed.Load())
	stats.EntriesDropped += int(entriesDropped.Load())
	return nil
}

// pruneChain rewrites one chain under its run's commit lock and reports how
// many entries it dropped.
func (c *Compactor) pruneChain(ref model.EntityRef, ch *chain, policy model.RetentionPolicy, now time.Time) int {
	sh := c.store.lockRun(ref.Run)
	defer sh.mu.Unlock()

	st := ch.load()
	if len(st.entries) <= 1 {
		return 0
	}

	kept := make([]model.StoredValue, 0, len(st.entries))
	// The head always survives; retention decides the rest.
	kept = append(kept, st.entries[0])

	for i := 1; i < len(st.entries); i++ {
		e := &st.entries[i]
		if policy.ShouldRetain(e.Version, e.Timestamp, len(kept), now, ref.Primitive) {
			kept = append(kept, *e)
		}
	}

	dropped := len(st.entries) - len(kept)
	if dropped == 0 {
		return 0
	}

	ch.replace(&chainState{
		entries:  kept,
		trimmed:  true,
		earliest: kept[len(kept)-1].Version,
	})
	return dropped
}
