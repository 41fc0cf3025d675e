package engine

import (
	"sync"
	"time"

	"github.com/stratadb/strata/model"
	"github.com/stratadb/strata/persistence"
)

// chainKey addresses a chain within its run shard.
type chainKey struct {
	primitive model.PrimitiveType
	key       string
}

// runShard holds all chains of one run. The shard mutex is the run's commit
// lock: validation and apply happen under it, reads never take it.
type runShard struct {
	mu     sync.Mutex
	chains sync.Map // chainKey -> *chain
}

func (s *runShard) chain(k chainKey) (*chain, bool) {
	v, ok := s.chains.Load(k)
	if !ok {
		return nil, false
	}
	return v.(*chain), true
}

func (s *runShard) getOrCreate(k chainKey) *chain {
	if c, ok := s.chain(k); ok {
		return c
	}
	v, _ := s.chains.LoadOrStore(k, newChain(k.primitive.VersionKind()))
	return v.(*chain)
}

// Store is the in-memory versioned store, sharded by run. Runs never contend
// with each other; within a run, writers serialize on the shard lock and
// readers go lock-free through the chains' atomic state.
type Store struct {
	shards sync.Map // model.RunID -> *runShard
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) shard(run model.RunID) *runShard {
	if v, ok := s.shards.Load(run); ok {
		return v.(*runShard)
	}
	v, _ := s.shards.LoadOrStore(run, &runShard{})
	return v.(*runShard)
}

// lockRun takes the run's commit lock.
func (s *Store) lockRun(run model.RunID) *runShard {
	sh := s.shard(run)
	sh.mu.Lock()
	return sh
}

// Head returns the newest entry of the chain, tombstones included, or false
// when the chain does not exist.
func (s *Store) Head(ref model.EntityRef) (model.StoredValue, bool) {
	sh := s.shard(ref.Run)
	c, ok := sh.chain(chainKey{ref.Primitive, ref.Key})
	if !ok {
		return model.StoredValue{}, false
	}
	return c.head()
}

// VisibleAt returns the value of ref as of the commit horizon.
func (s *Store) VisibleAt(ref model.EntityRef, horizon uint64, now time.Time) (model.StoredValue, error) {
	sh := s.shard(ref.Run)
	c, ok := sh.chain(chainKey{ref.Primitive, ref.Key})
	if !ok {
		return model.StoredValue{}, ErrNotFound
	}
	return c.visibleAt(ref, horizon, now)
}

// GetAtVersion returns the newest entry at or below v in the chain's own
// version numbering.
func (s *Store) GetAtVersion(ref model.EntityRef, v model.Version, now time.Time) (model.StoredValue, error) {
	sh := s.shard(ref.Run)
	c, ok := sh.chain(chainKey{ref.Primitive, ref.Key})
	if !ok {
		return model.StoredValue{}, ErrNotFound
	}
	return c.getAtVersion(ref, v, now)
}

// Apply installs a committed writeset. The caller either holds the run's
// commit lock (live commits) or is the only writer (recovery replay).
// Replayed duplicates are dropped by the per-chain version check, so Apply
// is idempotent.
func (s *Store) Apply(ws *model.Writeset) {
	sh := s.shard(ws.Run)

	for i := range ws.Ops {
		op := &ws.Ops[i]
		c := sh.getOrCreate(chainKey{op.Ref.Primitive, op.Ref.Key})
		c.append(model.StoredValue{
			Value:     op.Value,
			Version:   op.Version,
			CommitTxn: ws.Txn,
			Timestamp: ws.Timestamp,
			TTL:       op.TTL,
			Tombstone: op.Tombstone,
		})
	}
}

// ForEachChain visits every chain in the store. The callback receives the
// chain's current immutable state; iteration order is unspecified.
// Checkpoint capture and compaction are the callers.
func (s *Store) ForEachChain(fn func(ref model.EntityRef, c *chain) bool) {
	s.shards.Range(func(runKey, shardVal any) bool {
		run := runKey.(model.RunID)
		sh := shardVal.(*runShard)

		cont := true
		sh.chains.Range(func(ck, cv any) bool {
			k := ck.(chainKey)
			ref := model.EntityRef{Run: run, Primitive: k.primitive, Key: k.key}
			cont = fn(ref, cv.(*chain))
			return cont
		})
		return cont
	})
}

// Capture snapshots every chain entry committed at or below the watermark,
// grouped by primitive for the checkpoint writer. Chains whose entries are
// all above the watermark are omitted.
func (s *Store) Capture(watermark uint64) []persistence.Section {
	byPrimitive := make(map[model.PrimitiveType][]persistence.ChainState)

	s.ForEachChain(func(ref model.EntityRef, c *chain) bool {
		st := c.load()

		var entries []model.StoredValue
		for i := range st.entries {
			if st.entries[i].CommitTxn <= watermark {
				entries = append(entries, st.entries[i].Clone())
			}
		}
		if len(entries) == 0 && !st.trimmed {
			return true
		}

		byPrimitive[ref.Primitive] = append(byPrimitive[ref.Primitive], persistence.ChainState{
			Ref:      ref,
			Trimmed:  st.trimmed,
			Earliest: st.earliest,
			Entries:  entries,
		})
		return true
	})

	sections := make([]persistence.Section, 0, len(byPrimitive))
	for p := model.PrimitiveKV; p <= model.PrimitiveSystem; p++ {
		if chains, ok := byPrimitive[p]; ok {
			sections = append(sections, persistence.Section{Primitive: p, Chains: chains})
		}
	}
	return sections
}

// Restore loads a checkpoint into an empty store.
func (s *Store) Restore(cp *persistence.Checkpoint) {
	for _, section := range cp.Sections {
		for _, cs := range section.Chains {
			sh := s.shard(cs.Ref.Run)
			c := sh.getOrCreate(chainKey{cs.Ref.Primitive, cs.Ref.Key})
			entries := make([]model.StoredValue, len(cs.Entries))
			copy(entries, cs.Entries)
			c.replace(&chainState{
				entries:  entries,
				trimmed:  cs.Trimmed,
				earliest: cs.Earliest,
			})
		}
	}
}
