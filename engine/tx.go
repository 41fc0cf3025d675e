package engine

import (
	"sync"
	"time"

	"github.com/stratadb/strata/model"
)

// TxnState is the lifecycle state of a transaction.
type TxnState int32

const (
	// TxnActive accepts reads and writes.
	TxnActive TxnState = iota + 1
	// TxnValidating is the transient state during commit.
	TxnValidating
	// TxnCommitted is terminal: all effects are applied.
	TxnCommitted
	// TxnAborted is terminal: no effects are applied.
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "active"
	case TxnValidating:
		return "validating"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// readStamp records what a transaction observed for one key. Validation
// itself compares the chain head against the transaction's horizon; the
// stamp carries what was seen for conflict diagnostics.
type readStamp struct {
	version model.Version
	existed bool
}

// pendingOp is one buffered mutation.
type pendingOp struct {
	ref       model.EntityRef
	value     []byte
	ttl       time.Duration
	tombstone bool
}

// Txn is an optimistic transaction bound to one run.
//
// Reads come from a consistent commit horizon fixed at Begin and from the
// transaction's own buffered writes. Nothing is visible to others until
// Commit succeeds. A Txn must not be shared across goroutines.
type Txn struct {
	mgr *TxnManager
	run model.RunID

	// horizon is the commit txn visibility cutoff for reads.
	horizon uint64

	startedAt time.Time
	deadline  time.Time

	mu    sync.Mutex
	state TxnState

	reads  map[model.EntityRef]readStamp
	writes []pendingOp
	// writeIdx points at the latest buffered op per ref, for read-your-writes
	// and write collapsing.
	writeIdx map[model.EntityRef]int
	cas      map[model.EntityRef]model.Version
}

// Run returns the run this transaction is bound to.
func (t *Txn) Run() model.RunID { return t.run }

// State returns the transaction's lifecycle state.
func (t *Txn) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Txn) ensureActive() error {
	if t.state != TxnActive {
		return ErrTxnNotActive
	}
	return nil
}

// Get returns the value of ref as the transaction sees it: its own buffered
// write if present, otherwise the committed value at the transaction's
// horizon. The read is recorded for commit validation.
func (t *Txn) Get(ref model.EntityRef) ([]byte, model.Version, error) {
	if err := ref.Validate(); err != nil {
		return nil, model.Version{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureActive(); err != nil {
		return nil, model.Version{}, err
	}

	// Read-your-writes: buffered ops win over committed state and are not
	// recorded as reads, since they cannot conflict with anyone.
	if i, ok := t.writeIdx[ref]; ok {
		op := t.writes[i]
		if op.tombstone {
			return nil, model.Version{}, ErrNotFound
		}
		return cloneBytes(op.value), model.Version{}, nil
	}

	sv, err := t.mgr.store.VisibleAt(ref, t.horizon, t.mgr.clock())
	if err != nil {
		t.recordRead(ref, readStamp{})
		return nil, model.Version{}, err
	}

	t.recordRead(ref, readStamp{version: sv.Version, existed: true})
	return cloneBytes(sv.Value), sv.Version, nil
}

// recordRead adds ref to the validation set. A read that found nothing is
// recorded too: a key appearing after we observed its absence is just as
// much a conflict as a key changing.
func (t *Txn) recordRead(ref model.EntityRef, stamp readStamp) {
	if _, ok := t.reads[ref]; ok {
		return
	}
	t.reads[ref] = stamp
}

// Put buffers a write. TTL zero means no expiry; a positive TTL starts at
// commit time.
func (t *Txn) Put(ref model.EntityRef, value []byte, ttl time.Duration) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureActive(); err != nil {
		return err
	}

	t.bufferOp(pendingOp{ref: ref, value: cloneBytes(value), ttl: ttl})
	return nil
}

// Delete buffers a tombstone. Deleting a missing key is legal; the tombstone
// simply records the delete.
func (t *Txn) Delete(ref model.EntityRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureActive(); err != nil {
		return err
	}

	t.bufferOp(pendingOp{ref: ref, tombstone: true})
	return nil
}

// CompareAndSwap buffers a guarded write: at commit, the chain head version
// must equal expected or the commit fails with a conflict. A zero expected
// version guards that the key does not exist. The guard is validated on its
// own, whether or not the transaction read the key.
func (t *Txn) CompareAndSwap(ref model.EntityRef, expected model.Version, value []byte, ttl time.Duration) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureActive(); err != nil {
		return err
	}

	t.cas[ref] = expected
	t.bufferOp(pendingOp{ref: ref, value: cloneBytes(value), ttl: ttl})
	return nil
}

// bufferOp records a mutation. Event appends accumulate, every append
// becoming its own sequence-versioned entry at commit; for all other
// primitives the last buffered op per key wins.
func (t *Txn) bufferOp(op pendingOp) {
	if op.ref.Primitive != model.PrimitiveEvent {
		if i, ok := t.writeIdx[op.ref]; ok {
			t.writes[i] = op
			return
		}
	}
	t.writes = append(t.writes, op)
	t.writeIdx[op.ref] = len(t.writes) - 1
}

// Abort discards the transaction. Aborting a finished transaction is an
// error for committed ones and a no-op for already-aborted ones.
func (t *Txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case TxnAborted:
		return nil
	case TxnActive:
		t.state = TxnAborted
		return nil
	default:
		return ErrTxnNotActive
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
