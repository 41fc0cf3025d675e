package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratadb/strata/model"
)

// Log is the durability sink for committed writesets. The WAL writer
// implements it; NoopLog serves stores that run without one.
type Log interface {
	Append(ctx context.Context, ws *model.Writeset) error
}

// NoopLog discards writesets.
type NoopLog struct{}

func (NoopLog) Append(context.Context, *model.Writeset) error { return nil }

// ManagerOptions contains configuration for the transaction manager.
type ManagerOptions struct {
	// Log receives committed writesets before they are applied.
	Log Log

	// Clock supplies commit timestamps. Defaults to time.Now.
	Clock func() time.Time

	// Metrics receives commit and conflict events.
	Metrics MetricsObserver

	// Logger receives diagnostics.
	Logger *slog.Logger

	// TxnTimeout bounds a transaction's lifetime. Zero disables the check.
	TxnTimeout time.Duration

	// MaxRetries bounds RunInTxn conflict retries.
	MaxRetries int

	// RetryBackoff is the base delay between RunInTxn retries; each retry
	// doubles it.
	RetryBackoff time.Duration
}

// DefaultManagerOptions returns default transaction manager options.
var DefaultManagerOptions = ManagerOptions{
	Log:          NoopLog{},
	MaxRetries:   16,
	RetryBackoff: 100 * time.Microsecond,
}

// TxnManager coordinates optimistic transactions over a store.
//
// Commit is validate-then-apply under the run's commit lock: the first
// transaction to commit wins, later conflicting ones fail and retry. Blind
// writes never conflict; only reads and CAS guards are validated.
type TxnManager struct {
	store   *Store
	log     Log
	clock   func() time.Time
	metrics MetricsObserver
	logger  *slog.Logger
	opts    ManagerOptions

	// nextTxn is the last assigned global commit id. Assignment precedes
	// logging and apply, so an assigned id is not yet visible.
	nextTxn atomic.Uint64

	// appliedTxn is the visibility watermark: the highest id with no
	// smaller id still in flight. Snapshot and Begin horizons come from
	// here, never from nextTxn, so a reader can never observe an id whose
	// writeset has not been applied.
	appliedTxn atomic.Uint64

	inflightMu sync.Mutex
	inflight   map[uint64]struct{}

	closed atomic.Bool
}

// NewTxnManager creates a transaction manager over the store.
func NewTxnManager(store *Store, optFns ...func(o *ManagerOptions)) *TxnManager {
	opts := DefaultManagerOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Log == nil {
		opts.Log = NoopLog{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &TxnManager{
		store:    store,
		log:      opts.Log,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		opts:     opts,
		inflight: make(map[uint64]struct{}),
	}
}

// SetNextTxn seeds the commit counter after recovery. Must be called before
// any transaction begins.
func (m *TxnManager) SetNextTxn(last uint64) {
	m.nextTxn.Store(last)
	m.appliedTxn.Store(last)
}

// CurrentTxn returns the visibility watermark: every txn id at or below it
// has been applied or abandoned. Checkpoint capture and horizon resolution
// both key off it.
func (m *TxnManager) CurrentTxn() uint64 {
	return m.appliedTxn.Load()
}

// allocTxn assigns the next commit id and marks it in flight. The id stays
// invisible until finishTxn retires it.
func (m *TxnManager) allocTxn() uint64 {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()

	id := m.nextTxn.Add(1)
	m.inflight[id] = struct{}{}
	return id
}

// finishTxn retires an in-flight id, applied or abandoned, and advances the
// visibility watermark to the highest id with nothing smaller still in
// flight.
func (m *TxnManager) finishTxn(id uint64) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()

	delete(m.inflight, id)

	watermark := m.nextTxn.Load()
	for other := range m.inflight {
		if other-1 < watermark {
			watermark = other - 1
		}
	}
	m.appliedTxn.Store(watermark)
}

// Close stops the manager. In-flight commits finish; new Begins fail.
func (m *TxnManager) Close() {
	m.closed.Store(true)
}

// Begin starts a transaction bound to run. The commit horizon is fixed here:
// the transaction sees everything committed so far and nothing after.
func (m *TxnManager) Begin(run model.RunID) (*Txn, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if run.IsZero() {
		return nil, fmt.Errorf("%w: zero run id", model.ErrInvalidRef)
	}

	now := m.clock()
	t := &Txn{
		mgr:       m,
		run:       run,
		horizon:   m.appliedTxn.Load(),
		startedAt: now,
		state:     TxnActive,
		reads:     make(map[model.EntityRef]readStamp),
		writeIdx:  make(map[model.EntityRef]int),
		cas:       make(map[model.EntityRef]model.Version),
	}
	if m.opts.TxnTimeout > 0 {
		t.deadline = now.Add(m.opts.TxnTimeout)
	}
	return t, nil
}

// Commit validates and applies the transaction. On any error the transaction
// is aborted; a *VersionConflictError means retrying the whole transaction
// may succeed.
func (m *TxnManager) Commit(ctx context.Context, t *Txn) error {
	start := m.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TxnActive {
		return ErrTxnNotActive
	}
	t.state = TxnValidating

	if !t.deadline.IsZero() && m.clock().After(t.deadline) {
		t.state = TxnAborted
		return ErrTxnTimeout
	}
	if err := ctx.Err(); err != nil {
		t.state = TxnAborted
		return err
	}

	// Everything from validation to apply happens under the run's commit
	// lock. Readers are unaffected; they go through the chains' atomic
	// state.
	sh := m.store.lockRun(t.run)
	defer sh.mu.Unlock()

	if err := m.validateLocked(t); err != nil {
		t.state = TxnAborted
		var conflict *VersionConflictError
		if errors.As(err, &conflict) {
			m.metrics.OnConflict(conflict.CAS)
		}
		return err
	}

	// Read-only transactions commit without consuming a txn id or touching
	// the log: validation passed, so their reads were serializable, and
	// they have nothing to make durable.
	if len(t.writes) == 0 {
		t.state = TxnCommitted
		return nil
	}

	txn := m.allocTxn()
	ws := m.buildWritesetLocked(t, txn)

	if err := m.log.Append(ctx, ws); err != nil {
		// The id was consumed but never applied or logged; recovery
		// tolerates gaps in the txn sequence. Retire it so the watermark
		// moves past the gap.
		m.finishTxn(txn)
		t.state = TxnAborted
		return fmt.Errorf("append writeset: %w", err)
	}

	m.store.Apply(ws)
	m.finishTxn(txn)
	t.state = TxnCommitted

	m.metrics.OnCommit(len(ws.Ops), m.clock().Sub(start))
	return nil
}

// validateLocked checks the read set and CAS guards against current state.
// Caller holds the run's commit lock.
func (m *TxnManager) validateLocked(t *Txn) error {
	for ref, stamp := range t.reads {
		head, ok := m.store.Head(ref)
		if !ok {
			continue
		}
		if head.CommitTxn > t.horizon {
			return &VersionConflictError{
				Ref:      ref,
				Observed: stamp.version,
				Actual:   head.Version,
			}
		}
	}

	for ref, expected := range t.cas {
		head, ok := m.store.Head(ref)

		if expected.IsZero() {
			// Guard: key must not exist. A tombstone head counts as
			// absent.
			if ok && !head.Tombstone {
				return &VersionConflictError{
					Ref:      ref,
					Observed: expected,
					Actual:   head.Version,
					CAS:      true,
				}
			}
			continue
		}

		if !ok || head.Tombstone || !head.Version.Equal(expected) {
			actual := model.Version{}
			if ok {
				actual = head.Version
			}
			return &VersionConflictError{
				Ref:      ref,
				Observed: expected,
				Actual:   actual,
				CAS:      true,
			}
		}
	}

	return nil
}

// buildWritesetLocked assigns per-key versions and freezes the transaction's
// effects. Caller holds the run's commit lock, which makes the version
// assignment race-free.
func (m *TxnManager) buildWritesetLocked(t *Txn, txn uint64) *model.Writeset {
	ws := &model.Writeset{
		Txn:       txn,
		Run:       t.run,
		Timestamp: m.clock().UnixNano(),
		Ops:       make([]model.Op, 0, len(t.writes)),
	}

	// Per-key tails for sequence and counter chains, so several appends to
	// one chain in a single transaction get consecutive versions.
	tails := make(map[model.EntityRef]uint64)

	for _, op := range t.writes {
		var v model.Version
		switch op.ref.Primitive.VersionKind() {
		case model.KindTxn:
			v = model.TxnVersion(txn)
		default:
			n, ok := tails[op.ref]
			if !ok {
				if head, exists := m.store.Head(op.ref); exists {
					n = head.Version.N
				}
			}
			n++
			tails[op.ref] = n
			v = model.Version{Kind: op.ref.Primitive.VersionKind(), N: n}
		}

		ws.Ops = append(ws.Ops, model.Op{
			Ref:       op.ref,
			Value:     op.value,
			TTL:       op.ttl,
			Version:   v,
			Tombstone: op.tombstone,
		})
	}

	return ws
}

// RunInTxn executes fn inside a transaction, retrying on conflicts with
// exponential backoff. fn may run several times and must be idempotent in
// its side effects outside the transaction.
func (m *TxnManager) RunInTxn(ctx context.Context, run model.RunID, fn func(t *Txn) error) error {
	backoff := m.opts.RetryBackoff

	for attempt := 0; ; attempt++ {
		t, err := m.Begin(run)
		if err != nil {
			return err
		}

		if err := fn(t); err != nil {
			_ = t.Abort()
			return err
		}

		err = m.Commit(ctx, t)
		if err == nil {
			return nil
		}
		if !IsConflict(err) || attempt >= m.opts.MaxRetries {
			return err
		}

		m.logger.Debug("retrying transaction after conflict",
			slog.Int("attempt", attempt+1),
			slog.String("run", run.String()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
