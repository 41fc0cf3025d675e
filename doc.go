// Package strata provides an embedded transactional store for multi-primitive
// agent runs.
//
// Strata keeps the working set of every run in memory as immutable version
// chains and makes it durable through a segmented write-ahead log, periodic
// checkpoints and an atomically updated manifest. All mutations go through
// optimistic transactions with first-committer-wins validation.
//
//   - Multi-version storage: every write creates a new version; reads resolve
//     against a fixed commit horizon and never block writers
//   - Optimistic transactions with buffered writes, compare-and-swap guards
//     and automatic conflict retry
//   - Three durability modes: in-memory, buffered (bounded loss window) and
//     strict (fsync per commit)
//   - Checkpoints with zstd/lz4 compression and rate-limited writes
//   - Deterministic crash recovery: manifest, snapshot, then WAL replay
//   - Per-run retention policies enforced by background compaction, with
//     optional archival of retired segments and snapshots to a blob store
//
// # Quick Start
//
// Open a database, write inside a transaction, read it back:
//
//	db, err := strata.Open("./data",
//	    strata.WithDurability(wal.DurabilityStrict),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	run := model.NewRunID()
//	ref := model.EntityRef{Run: run, Primitive: model.PrimitiveKV, Key: "greeting"}
//
//	err = db.Update(ctx, run, func(t *strata.Txn) error {
//	    return t.Put(ref, []byte("hello"), 0)
//	})
//
//	value, version, err := db.Get(ref)
//
// Event appends accumulate within one transaction, each getting its own
// sequence position:
//
//	log := model.EntityRef{Run: run, Primitive: model.PrimitiveEvent, Key: "steps"}
//	err = db.Update(ctx, run, func(t *strata.Txn) error {
//	    if err := t.Put(log, []byte("step 1"), 0); err != nil {
//	        return err
//	    }
//	    return t.Put(log, []byte("step 2"), 0)
//	})
//
// Checkpoints bound recovery time and unlock compaction:
//
//	if _, err := db.Checkpoint(ctx); err != nil {
//	    panic(err)
//	}
//	stats, err := db.Compact(ctx, strata.CompactWALOnly)
package strata
