package engine

import (
	"sync/atomic"
	"time"

	"github.com/stratadb/strata/model"
)

// chainState is the immutable snapshot of one version chain. Every mutation
// builds a new state and swaps the pointer, so readers never take a lock and
// never observe a half-applied change.
type chainState struct {
	// entries are ordered newest-first by per-key version.
	entries []model.StoredValue

	// trimmed is set once compaction has discarded old versions.
	trimmed bool

	// earliest is the oldest version still present. Only meaningful when
	// trimmed is set.
	earliest model.Version
}

// chain is one key's version history.
type chain struct {
	kind  model.VersionKind
	state atomic.Pointer[chainState]
}

func newChain(kind model.VersionKind) *chain {
	c := &chain{kind: kind}
	c.state.Store(&chainState{})
	return c
}

func (c *chain) load() *chainState {
	return c.state.Load()
}

// head returns the newest entry regardless of tombstones or TTL, or false
// for an empty chain.
func (c *chain) head() (model.StoredValue, bool) {
	st := c.load()
	if len(st.entries) == 0 {
		return model.StoredValue{}, false
	}
	return st.entries[0], true
}

// append adds an entry with a strictly newer version. Callers serialize
// appends per run; the copy-on-write swap is what read paths rely on.
// An entry at or below the current head version is a replay duplicate and is
// dropped, which makes recovery idempotent.
func (c *chain) append(entry model.StoredValue) {
	old := c.load()

	if len(old.entries) > 0 {
		cmp, ok := entry.Version.Compare(old.entries[0].Version)
		if !ok || cmp <= 0 {
			return
		}
	}

	entries := make([]model.StoredValue, 0, len(old.entries)+1)
	entries = append(entries, entry)
	entries = append(entries, old.entries...)

	c.state.Store(&chainState{
		entries:  entries,
		trimmed:  old.trimmed,
		earliest: old.earliest,
	})
}

// replace swaps the whole chain state. Compaction and snapshot restore use
// it; callers serialize with appends per run.
func (c *chain) replace(st *chainState) {
	c.state.Store(st)
}

// visibleAt returns the newest entry whose commit is at or below the horizon,
// applying tombstone and TTL semantics.
func (c *chain) visibleAt(ref model.EntityRef, horizon uint64, now time.Time) (model.StoredValue, error) {
	st := c.load()

	for i := range st.entries {
		e := &st.entries[i]
		if e.CommitTxn > horizon {
			continue
		}
		if e.Tombstone || e.Expired(now) {
			return model.StoredValue{}, ErrNotFound
		}
		return *e, nil
	}

	// Every retained entry is above the horizon. If the chain was trimmed,
	// older entries may have existed below it; that history is gone, not
	// absent.
	if st.trimmed && len(st.entries) > 0 {
		oldest := st.entries[len(st.entries)-1]
		if oldest.CommitTxn > horizon {
			return model.StoredValue{}, &HistoryTrimmedError{
				Ref:              ref,
				Requested:        model.Version{},
				EarliestRetained: st.earliest,
			}
		}
	}

	return model.StoredValue{}, ErrNotFound
}

// getAtVersion returns the newest entry at or below v in the chain's own
// version kind.
func (c *chain) getAtVersion(ref model.EntityRef, v model.Version, now time.Time) (model.StoredValue, error) {
	if v.Kind != c.kind {
		return model.StoredValue{}, ErrVersionKindMismatch
	}

	st := c.load()

	for i := range st.entries {
		e := &st.entries[i]
		if cmp, ok := e.Version.Compare(v); !ok || cmp > 0 {
			continue
		}
		if e.Tombstone || e.Expired(now) {
			return model.StoredValue{}, ErrNotFound
		}
		return *e, nil
	}

	if st.trimmed && v.Less(st.earliest) {
		return model.StoredValue{}, &HistoryTrimmedError{
			Ref:              ref,
			Requested:        v,
			EarliestRetained: st.earliest,
		}
	}

	return model.StoredValue{}, ErrNotFound
}
