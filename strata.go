package strata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratadb/strata/codec"
	"github.com/stratadb/strata/engine"
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/model"
	"github.com/stratadb/strata/persistence"
	"github.com/stratadb/strata/resource"
	"github.com/stratadb/strata/wal"
)

// Txn is an optimistic transaction. See engine.Txn for the full contract.
type Txn = engine.Txn

// Snapshot is an immutable point-in-time read view.
type Snapshot = engine.Snapshot

// CompactionMode selects how much a compaction pass reclaims.
type CompactionMode = engine.CompactionMode

const (
	// CompactWALOnly drops WAL segments and snapshots covered by the newest
	// checkpoint.
	CompactWALOnly = engine.CompactWALOnly

	// CompactFull additionally prunes version history under each run's
	// retention policy.
	CompactFull = engine.CompactFull
)

// CompactionStats reports what one compaction pass reclaimed.
type CompactionStats = engine.CompactionStats

// DB is an embedded multi-primitive database handle. It is safe for
// concurrent use.
type DB struct {
	dir  string
	opts options

	store      *engine.Store
	mgr        *engine.TxnManager
	wal        *wal.Writer
	manifests  *manifest.Store
	compactor  *engine.Compactor
	controller *resource.Controller

	// manMu guards man, the in-memory copy of the durable manifest.
	manMu sync.Mutex
	man   manifest.Manifest

	// checkpointMu serializes Checkpoint calls.
	checkpointMu sync.Mutex

	closed atomic.Bool
}

// Open opens (or creates) the database in dir and recovers its state.
//
// Recovery loads the manifest, restores the newest checkpoint and replays the
// write-ahead log; a torn record at the tail of the active segment is
// repaired, any other on-disk damage fails Open with ErrCorruption.
func Open(dir string, optFns ...Option) (*DB, error) {
	opts := applyOptions(optFns)
	start := opts.clock()

	store := engine.NewStore()
	result, err := engine.Recover(store, dir, func(o *engine.RecoverOptions) {
		o.FS = opts.fsys
		o.Logger = opts.logger.Logger
	})
	if err != nil {
		return nil, translateError(err)
	}

	manifests := manifest.NewStore(opts.fsys, dir)

	var man manifest.Manifest
	if result.Fresh {
		man = manifest.Manifest{
			FormatVersion: manifest.FormatVersion,
			DatabaseID:    model.NewDatabaseID(),
			ActiveSegment: 1,
			CodecID:       opts.codec.Name(),
		}
		if err := manifests.Save(&man); err != nil {
			return nil, fmt.Errorf("create manifest: %w", err)
		}
		opts.logger.Info("created database",
			slog.String("dir", dir),
			slog.String("database", man.DatabaseID.String()))
	} else {
		man = result.Manifest

		// The stored codec is authoritative for values the database itself
		// encoded, such as retention policies.
		if c, ok := codec.ByName(man.CodecID); ok {
			opts.codec = c
		}

		if result.ActiveSegment != man.ActiveSegment {
			// Recovery found a newer segment than the manifest knew about.
			man.ActiveSegment = result.ActiveSegment
			if err := manifests.Save(&man); err != nil {
				return nil, fmt.Errorf("heal manifest: %w", err)
			}
		}
	}

	db := &DB{
		dir:       dir,
		opts:      opts,
		store:     store,
		manifests: manifests,
		man:       man,
		controller: resource.NewController(resource.Config{
			MaxBackgroundWorkers: opts.maxBackgroundWorkers,
			IOLimitBytesPerSec:   opts.ioLimitBytesPerSec,
		}),
	}

	w, err := wal.NewWriter(func(o *wal.Options) {
		for _, fn := range opts.walOptions {
			fn(o)
		}
		// These are authoritative; user WAL options cannot override them.
		o.Dir = dir
		o.FS = opts.fsys
		o.DatabaseID = man.DatabaseID
		o.Mode = opts.durability
		o.StartSegment = man.ActiveSegment
		o.OnRotate = db.onRotate
		o.Logger = opts.logger.Logger
	})
	if err != nil {
		return nil, translateError(err)
	}
	db.wal = w

	db.mgr = engine.NewTxnManager(store, func(o *engine.ManagerOptions) {
		o.Log = w
		o.Clock = opts.clock
		o.Metrics = opts.metrics
		o.Logger = opts.logger.Logger
		o.TxnTimeout = opts.txnTimeout
		if opts.maxRetries > 0 {
			o.MaxRetries = opts.maxRetries
		}
		if opts.retryBackoff > 0 {
			o.RetryBackoff = opts.retryBackoff
		}
	})
	db.mgr.SetNextTxn(result.MaxTxn)

	db.compactor = engine.NewCompactor(store, db.mgr, manifests, dir, func(o *engine.CompactorOptions) {
		o.FS = opts.fsys
		o.Archive = opts.archive
		o.Controller = db.controller
		o.Codec = opts.codec
		o.Workers = opts.compactionWorkers
		o.Clock = opts.clock
		o.Logger = opts.logger.Logger
		o.Metrics = opts.metrics
	})

	opts.metrics.OnRecovery(result.Replayed, opts.clock().Sub(start))
	if !result.Fresh {
		opts.logger.Info("opened database",
			slog.String("dir", dir),
			slog.Int("replayed", result.Replayed),
			slog.Uint64("max_txn", result.MaxTxn),
			slog.Bool("tail_repaired", result.Truncated))
	}

	return db, nil
}

// onRotate persists the new active segment number. It runs inside the WAL
// writer's rotation, before any record lands in the fresh segment.
func (db *DB) onRotate(segment uint64) error {
	db.manMu.Lock()
	defer db.manMu.Unlock()

	db.man.ActiveSegment = segment
	return db.manifests.Save(&db.man)
}

// DatabaseID returns the database's stable identity.
func (db *DB) DatabaseID() model.DatabaseID {
	db.manMu.Lock()
	defer db.manMu.Unlock()
	return db.man.DatabaseID
}

// Dir returns the database directory.
func (db *DB) Dir() string { return db.dir }

// Begin starts a transaction bound to run. The caller must finish it with
// Commit or Abort.
func (db *DB) Begin(run model.RunID) (*Txn, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return db.mgr.Begin(run)
}

// Commit validates and applies the transaction.
func (db *DB) Commit(ctx context.Context, t *Txn) error {
	return db.mgr.Commit(ctx, t)
}

// Update executes fn inside a transaction and commits it, retrying on
// conflicts with exponential backoff. fn may run several times.
func (db *DB) Update(ctx context.Context, run model.RunID, fn func(t *Txn) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return db.mgr.RunInTxn(ctx, run, fn)
}

// View executes fn against a stable snapshot of committed state.
func (db *DB) View(fn func(s *Snapshot) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return fn(db.mgr.Snapshot())
}

// Snapshot captures the current committed state. Taking one is O(1).
func (db *DB) Snapshot() *Snapshot {
	return db.mgr.Snapshot()
}

// Get returns the newest committed value of ref.
func (db *DB) Get(ref model.EntityRef) ([]byte, model.Version, error) {
	if db.closed.Load() {
		return nil, model.Version{}, ErrClosed
	}
	return db.mgr.Snapshot().Get(ref)
}

// GetAtVersion returns the value of ref at the given version in the chain's
// own numbering: commit order for most primitives, append position for the
// event log, mutation count for state cells. Reads below the retention floor
// fail with a *HistoryTrimmedError.
func (db *DB) GetAtVersion(ref model.EntityRef, v model.Version) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	sv, err := db.store.GetAtVersion(ref, v, db.opts.clock())
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(sv.Value))
	copy(out, sv.Value)
	return out, nil
}

// Put writes a single value in its own transaction. TTL zero means no expiry.
func (db *DB) Put(ctx context.Context, ref model.EntityRef, value []byte, ttl time.Duration) error {
	return db.Update(ctx, ref.Run, func(t *Txn) error {
		return t.Put(ref, value, ttl)
	})
}

// Delete removes a key in its own transaction.
func (db *DB) Delete(ctx context.Context, ref model.EntityRef) error {
	return db.Update(ctx, ref.Run, func(t *Txn) error {
		return t.Delete(ref)
	})
}

// CompareAndSwap writes value only if the key's current version equals
// expected; a zero expected version requires that the key not exist. Unlike
// Update, a failed guard is not retried: the conflict is the answer.
func (db *DB) CompareAndSwap(ctx context.Context, ref model.EntityRef, expected model.Version, value []byte, ttl time.Duration) error {
	t, err := db.Begin(ref.Run)
	if err != nil {
		return err
	}
	if err := t.CompareAndSwap(ref, expected, value, ttl); err != nil {
		_ = t.Abort()
		return err
	}
	return db.Commit(ctx, t)
}

// SetRetentionPolicy stores the run's retention policy. The policy is an
// ordinary versioned entry: it is logged, checkpointed and recovered like any
// other write, and takes effect at the next full compaction.
func (db *DB) SetRetentionPolicy(ctx context.Context, run model.RunID, policy model.RetentionPolicy) error {
	encoded, err := db.opts.codec.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode retention policy: %w", err)
	}
	return db.Update(ctx, run, func(t *Txn) error {
		return t.Put(model.RetentionRef(run), encoded, 0)
	})
}

// RetentionPolicy returns the run's effective retention policy. A run that
// never stored one retains everything.
func (db *DB) RetentionPolicy(run model.RunID) (model.RetentionPolicy, error) {
	if db.closed.Load() {
		return model.RetentionPolicy{}, ErrClosed
	}
	return engine.EffectivePolicy(db.store, run, db.opts.codec, db.mgr.CurrentTxn(), db.opts.clock())
}

// StoredRetentionPolicy returns the policy exactly as stored for the run, or
// ErrNotFound when none was stored. RetentionPolicy resolves the effective
// policy instead.
func (db *DB) StoredRetentionPolicy(run model.RunID) (model.RetentionPolicy, error) {
	value, _, err := db.Get(model.RetentionRef(run))
	if err != nil {
		return model.RetentionPolicy{}, err
	}

	var policy model.RetentionPolicy
	if err := db.opts.codec.Unmarshal(value, &policy); err != nil {
		return model.RetentionPolicy{}, fmt.Errorf("decode retention policy: %w", err)
	}
	return policy, nil
}

// DeleteRetentionPolicy removes the run's stored policy. The run falls back
// to retaining everything.
func (db *DB) DeleteRetentionPolicy(ctx context.Context, run model.RunID) error {
	return db.Update(ctx, run, func(t *Txn) error {
		return t.Delete(model.RetentionRef(run))
	})
}

// CheckpointResult reports what a checkpoint captured.
type CheckpointResult struct {
	// ID is the checkpoint's number, one above its predecessor's.
	ID uint64

	// Watermark is the highest txn id the checkpoint covers. Recovery skips
	// replaying transactions at or below it.
	Watermark uint64

	// Path is the checkpoint file written.
	Path string

	// Chains is the number of version chains captured.
	Chains int
}

// Checkpoint writes a snapshot of all committed state, rotates the log and
// points the manifest at the new snapshot. Commits proceed concurrently;
// the snapshot covers everything up to its watermark.
func (db *DB) Checkpoint(ctx context.Context) (CheckpointResult, error) {
	if db.closed.Load() {
		return CheckpointResult{}, ErrClosed
	}

	db.checkpointMu.Lock()
	defer db.checkpointMu.Unlock()

	if err := db.controller.AcquireBackground(ctx); err != nil {
		return CheckpointResult{}, err
	}
	defer db.controller.ReleaseBackground()

	start := db.opts.clock()

	db.manMu.Lock()
	id := db.man.SnapshotID + 1
	dbid := db.man.DatabaseID
	db.manMu.Unlock()

	watermark := db.mgr.CurrentTxn()
	sections := db.store.Capture(watermark)

	chains := 0
	for _, s := range sections {
		chains += len(s.Chains)
	}

	cp := &persistence.Checkpoint{
		ID:         id,
		Watermark:  watermark,
		CreatedAt:  start.UnixNano(),
		DatabaseID: dbid,
		CodecID:    db.opts.codec.Name(),
		Sections:   sections,
	}

	path, err := persistence.Write(ctx, db.dir, cp, func(o *persistence.WriteOptions) {
		o.FS = db.opts.fsys
		o.Compression = db.opts.compression
		o.Limiter = db.controller.IOLimiter()
	})
	if err != nil {
		return CheckpointResult{}, translateError(err)
	}

	// Rotate so every segment holding only covered transactions is closed
	// and becomes reclaimable by compaction.
	if err := db.wal.Rotate(); err != nil {
		return CheckpointResult{}, fmt.Errorf("rotate wal after checkpoint: %w", err)
	}

	db.manMu.Lock()
	db.man.HasSnapshot = true
	db.man.SnapshotID = id
	db.man.Watermark = watermark
	err = db.manifests.Save(&db.man)
	db.manMu.Unlock()
	if err != nil {
		return CheckpointResult{}, fmt.Errorf("save manifest: %w", err)
	}

	elapsed := db.opts.clock().Sub(start)
	db.opts.metrics.OnCheckpoint(id, chains, elapsed)
	db.opts.logger.Info("checkpoint written",
		slog.Uint64("id", id),
		slog.Uint64("watermark", watermark),
		slog.Int("chains", chains),
		slog.Duration("elapsed", elapsed))

	return CheckpointResult{ID: id, Watermark: watermark, Path: path, Chains: chains}, nil
}

// Compact runs one compaction pass. CompactWALOnly reclaims log segments and
// snapshots the newest checkpoint covers; CompactFull additionally prunes
// version history under each run's retention policy.
func (db *DB) Compact(ctx context.Context, mode CompactionMode) (CompactionStats, error) {
	if db.closed.Load() {
		return CompactionStats{}, ErrClosed
	}
	stats, err := db.compactor.Compact(ctx, mode)
	return stats, translateError(err)
}

// Sync forces pending log bytes to stable storage. Only meaningful in
// buffered mode; strict mode syncs every commit and in-memory mode has
// nothing to sync.
func (db *DB) Sync() error {
	if db.closed.Load() {
		return ErrClosed
	}
	return db.wal.Sync()
}

// Close flushes the log and releases all resources. In-flight commits
// finish; operations after Close fail with ErrClosed. Close is idempotent.
func (db *DB) Close() error {
	if db == nil || !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.mgr.Close()
	return db.wal.Close()
}
