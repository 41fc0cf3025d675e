package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/codec"
	"github.com/stratadb/strata/model"
)

func TestEffectivePolicyDefaultsToKeepAll(t *testing.T) {
	s := NewStore()
	run := model.NewRunID()

	p, err := EffectivePolicy(s, run, codec.Default, 10, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.KeepAll(), p)
}

func TestEffectivePolicyReadsStoredPolicy(t *testing.T) {
	s := NewStore()
	run := model.NewRunID()

	want := model.KeepLast(3).WithOverride(model.PrimitiveEvent, model.RetentionRule{Kind: model.RetainAll})
	storePolicy(t, s, run, 1, want)

	p, err := EffectivePolicy(s, run, codec.Default, 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, want, p)
}

func TestEffectivePolicyRespectsHorizon(t *testing.T) {
	s := NewStore()
	run := model.NewRunID()

	storePolicy(t, s, run, 2, model.KeepLast(5))
	storePolicy(t, s, run, 4, model.KeepLast(1))

	now := time.Now()

	p, err := EffectivePolicy(s, run, codec.Default, 3, now)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Default.Keep)

	p, err = EffectivePolicy(s, run, codec.Default, 4, now)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Default.Keep)

	// Before any policy was stored: retain everything.
	p, err = EffectivePolicy(s, run, codec.Default, 1, now)
	require.NoError(t, err)
	assert.Equal(t, model.RetainAll, p.Default.Kind)
}

func TestEffectivePolicyDeletedFallsBackToKeepAll(t *testing.T) {
	s := NewStore()
	run := model.NewRunID()

	storePolicy(t, s, run, 1, model.KeepLast(1))
	s.Apply(&model.Writeset{
		Txn: 2, Run: run, Timestamp: time.Now().UnixNano(),
		Ops: []model.Op{
			{Ref: model.RetentionRef(run), Version: model.TxnVersion(2), Tombstone: true},
		},
	})

	p, err := EffectivePolicy(s, run, codec.Default, 2, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.RetainAll, p.Default.Kind)
}
