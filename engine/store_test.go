package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/model"
)

func kvRef(run model.RunID, key string) model.EntityRef {
	return model.EntityRef{Run: run, Primitive: model.PrimitiveKV, Key: key}
}

func eventRef(run model.RunID, key string) model.EntityRef {
	return model.EntityRef{Run: run, Primitive: model.PrimitiveEvent, Key: key}
}

func applyKV(s *Store, run model.RunID, txn uint64, key string, value []byte) {
	s.Apply(&model.Writeset{
		Txn:       txn,
		Run:       run,
		Timestamp: time.Now().UnixNano(),
		Ops: []model.Op{
			{Ref: kvRef(run, key), Value: value, Version: model.TxnVersion(txn)},
		},
	})
}

func TestStoreVisibility(t *testing.T) {
	s := NewStore()
	run := model.NewRunID()
	now := time.Now()

	applyKV(s, run, 1, "k", []byte("v1"))
	applyKV(s, run, 5, "k", []byte("v5"))

	// Below the first commit: nothing visible.
	_, err := s.VisibleAt(kvRef(run, "k"), 0, now)
	require.ErrorIs(t, err, ErrNotFound)

	sv, err := s.VisibleAt(kvRef(run, "k"), 1, now)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), sv.Value)

	// Horizons between commits resolve to the older entry.
	sv, err = s.VisibleAt(kvRef(run, "k"), 4, now)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), sv.Value)

	sv, err = s.VisibleAt(kvRef(run, "k"), 5, now)
	require.NoError(t, err)
	assert.Equal(t, []byte("v5"), sv.Value)
}

func TestStoreTombstoneVisibility(t *testing.T) {
	s := NewStore()
	run := model.NewRunID()
	now := time.Now()

	applyKV(s, run, 1, "k", []byte("v1"))
	s.Apply(&model.Writeset{
		Txn: 2, Run: run, Timestamp: now.UnixNano(),
		Ops: []model.Op{
			{Ref: kvRef(run, "k"), Version: model.TxnVersion(2), Tombstone: true},
		},
	})

	_, err := s.VisibleAt(kvRef(run, "k"), 2, now)
	require.ErrorIs(t, err, ErrNotFound)

	// The pre-delete state is still readable at the older horizon.
	sv, err := s.VisibleAt(kvRef(run, "k"), 1, now)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), sv.Value)
}

func TestStoreTTLReadTime(t *testing.T) {
	s := NewStore()
	run := model.NewRunID()
	base := time.Now()

	s.Apply(&model.Writeset{
		Txn: 1, Run: run, Timestamp: base.UnixNano(),
		Ops: []model.Op{
			{Ref: kvRef(run, "k"), Value: []byte("v"), TTL: time.Minute, Version: model.TxnVersion(1)},
		},
	})

	sv, err := s.VisibleAt(kvRef(run, "k"), 1, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), sv.Value)

	_, err = s.VisibleAt(kvRef(run, "k"), 1, base.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrNotFound, "expiry is evaluated at read time")
}

func TestStoreGetAtVersion(t *testing.T) {
	s := NewStore()
	run := model.NewRunID()
	now := time.Now()

	applyKV(s, run, 2, "k", []byte("v2"))
	applyKV(s, run, 7, "k", []byte("v7"))

	sv, err := s.GetAtVersion(kvRef(run, "k"), model.TxnVersion(2), now)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), sv.Value)

	// Between versions: the newest at or below wins.
	sv, err = s.GetAtVersion(kvRef(run, "k"), model.TxnVersion(6), now)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), sv.Value)

	_, err = s.GetAtVersion(kvRef(run, "k"), model.TxnVersion(1), now)
	require.ErrorIs(t, err, ErrNotFound)

	// A sequence version asked of a txn-versioned chain is a category
	// error, not a miss.
	_, err = s.GetAtVersion(kvRef(run, "k"), model.SequenceVersion(2), now)
	require.ErrorIs(t, err, ErrVersionKindMismatch)
}

func TestStoreApplyIdempotent(t *testing.T) {
	s := NewStore()
	run := model.NewRunID()
	now := time.Now()

	ws := &model.Writeset{
		Txn: 3, Run: run, Timestamp: now.UnixNano(),
		Ops: []model.Op{
			{Ref: kvRef(run, "k"), Value: []byte("v3"), Version: model.TxnVersion(3)},
		},
	}
	s.Apply(ws)
	s.Apply(ws) // replay duplicate

	sh := s.shard(run)
	c, ok := sh.chain(chainKey{model.PrimitiveKV, "k"})
	require.True(t, ok)
	assert.Len(t, c.load().entries, 1)
}

func TestChainHistoryTrimmed(t *testing.T) {
	s := NewStore()
	run := model.NewRunID()
	now := time.Now()

	for _, txn := range []uint64{1, 2, 3} {
		applyKV(s, run, txn, "k", []byte{byte(txn)})
	}

	sh := s.shard(run)
	c, _ := sh.chain(chainKey{model.PrimitiveKV, "k"})
	st := c.load()

	// Drop everything below txn 3, as compaction would.
	c.replace(&chainState{
		entries:  st.entries[:1],
		trimmed:  true,
		earliest: model.TxnVersion(3),
	})

	sv, err := s.GetAtVersion(kvRef(run, "k"), model.TxnVersion(3), now)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, sv.Value)

	_, err = s.GetAtVersion(kvRef(run, "k"), model.TxnVersion(2), now)
	var trimmed *HistoryTrimmedError
	require.ErrorAs(t, err, &trimmed)
	assert.Equal(t, model.TxnVersion(2), trimmed.Requested)
	assert.Equal(t, model.TxnVersion(3), trimmed.EarliestRetained)

	// Visibility below the earliest retained commit is trimmed too.
	_, err = s.VisibleAt(kvRef(run, "k"), 2, now)
	require.ErrorAs(t, err, &trimmed)
}

func TestStoreSequenceChains(t *testing.T) {
	s := NewStore()
	run := model.NewRunID()
	now := time.Now()

	s.Apply(&model.Writeset{
		Txn: 4, Run: run, Timestamp: now.UnixNano(),
		Ops: []model.Op{
			{Ref: eventRef(run, "log"), Value: []byte("a"), Version: model.SequenceVersion(1)},
			{Ref: eventRef(run, "log"), Value: []byte("b"), Version: model.SequenceVersion(2)},
		},
	})

	sv, err := s.GetAtVersion(eventRef(run, "log"), model.SequenceVersion(1), now)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), sv.Value)

	sv, err = s.GetAtVersion(eventRef(run, "log"), model.SequenceVersion(2), now)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), sv.Value)

	head, ok := s.Head(eventRef(run, "log"))
	require.True(t, ok)
	assert.Equal(t, model.SequenceVersion(2), head.Version)
	assert.Equal(t, uint64(4), head.CommitTxn)
}

func TestStoreRunsDoNotInterfere(t *testing.T) {
	s := NewStore()
	run1 := model.NewRunID()
	run2 := model.NewRunID()
	now := time.Now()

	applyKV(s, run1, 1, "k", []byte("one"))
	applyKV(s, run2, 2, "k", []byte("two"))

	sv, err := s.VisibleAt(kvRef(run1, "k"), 10, now)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), sv.Value)

	sv, err = s.VisibleAt(kvRef(run2, "k"), 10, now)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), sv.Value)
}
