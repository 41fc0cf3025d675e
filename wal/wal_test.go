package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/model"
)

func testWriteset(txn uint64, run model.RunID, key string, value []byte) *model.Writeset {
	return &model.Writeset{
		Txn:       txn,
		Run:       run,
		Timestamp: time.Now().UnixNano(),
		Ops: []model.Op{
			{
				Ref:     model.EntityRef{Run: run, Primitive: model.PrimitiveKV, Key: key},
				Value:   value,
				Version: model.Version{Kind: model.KindTxn, N: txn},
			},
		},
	}
}

func replayAll(t *testing.T, dir string, tail bool) []*model.Writeset {
	t.Helper()

	segments, err := ListSegments(fs.Default, dir)
	require.NoError(t, err)

	var out []*model.Writeset
	for i, n := range segments {
		isTail := tail && i == len(segments)-1
		_, err := ReplaySegment(fs.Default, dir, n, isTail, nil, func(ws *model.Writeset) error {
			out = append(out, ws)
			return nil
		})
		require.NoError(t, err)
	}
	return out
}

func TestAppendReplayRoundtrip(t *testing.T) {
	dir := t.TempDir()
	run := model.NewRunID()
	dbID := model.NewDatabaseID()

	w, err := NewWriter(func(o *Options) {
		o.Dir = dir
		o.Mode = DurabilityStrict
		o.DatabaseID = dbID
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		ws := testWriteset(i, run, fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)))
		ws.Ops = append(ws.Ops, model.Op{
			Ref:       model.EntityRef{Run: run, Primitive: model.PrimitiveEvent, Key: "events"},
			Value:     []byte("payload"),
			Version:   model.Version{Kind: model.KindSequence, N: i},
			TTL:       time.Minute,
			Tombstone: i%2 == 0,
		})
		require.NoError(t, w.Append(ctx, ws))
	}
	require.NoError(t, w.Close())

	got := replayAll(t, dir, false)
	require.Len(t, got, 5)

	for i, ws := range got {
		txn := uint64(i + 1)
		assert.Equal(t, txn, ws.Txn)
		assert.Equal(t, run, ws.Run)
		require.Len(t, ws.Ops, 2)
		assert.Equal(t, fmt.Sprintf("key-%d", txn), ws.Ops[0].Ref.Key)
		assert.Equal(t, []byte(fmt.Sprintf("value-%d", txn)), ws.Ops[0].Value)
		assert.Equal(t, model.Version{Kind: model.KindTxn, N: txn}, ws.Ops[0].Version)
		assert.Equal(t, model.Version{Kind: model.KindSequence, N: txn}, ws.Ops[1].Version)
		assert.Equal(t, time.Minute, ws.Ops[1].TTL)
		assert.Equal(t, txn%2 == 0, ws.Ops[1].Tombstone)
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	run := model.NewRunID()

	var rotatedTo []uint64

	w, err := NewWriter(func(o *Options) {
		o.Dir = dir
		o.Mode = DurabilityStrict
		o.SegmentSize = 256
		o.OnRotate = func(segment uint64) error {
			rotatedTo = append(rotatedTo, segment)
			return nil
		}
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := uint64(1); i <= 20; i++ {
		require.NoError(t, w.Append(ctx, testWriteset(i, run, "k", make([]byte, 64))))
	}
	require.NoError(t, w.Close())

	require.NotEmpty(t, rotatedTo)
	assert.Greater(t, w.ActiveSegment(), uint64(1))

	segments, err := ListSegments(fs.Default, dir)
	require.NoError(t, err)
	require.Greater(t, len(segments), 1)
	for i, n := range segments {
		assert.Equal(t, uint64(i+1), n, "segment numbers are contiguous")
	}

	got := replayAll(t, dir, false)
	require.Len(t, got, 20)
	for i, ws := range got {
		assert.Equal(t, uint64(i+1), ws.Txn, "replay preserves commit order across segments")
	}
}

func TestInMemoryWritesNothing(t *testing.T) {
	dir := t.TempDir()
	run := model.NewRunID()

	w, err := NewWriter(func(o *Options) {
		o.Dir = dir
		o.Mode = DurabilityInMemory
	})
	require.NoError(t, err)

	require.NoError(t, w.Append(context.Background(), testWriteset(1, run, "k", []byte("v"))))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTailTruncation(t *testing.T) {
	dir := t.TempDir()
	run := model.NewRunID()

	w, err := NewWriter(func(o *Options) {
		o.Dir = dir
		o.Mode = DurabilityStrict
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, w.Append(ctx, testWriteset(i, run, "k", []byte("v"))))
	}
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: garbage partial record at the tail.
	path := filepath.Join(dir, SegmentName(1))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x20, 0x00, 0x00, 0x00, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var count int
	stats, err := ReplaySegment(fs.Default, dir, 1, true, nil, func(*model.Writeset) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.True(t, stats.Truncated)
	assert.Equal(t, uint64(3), stats.MaxTxn)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, stats.TruncatedAt, st.Size())

	// The repaired segment accepts further appends and replays cleanly.
	w2, err := NewWriter(func(o *Options) {
		o.Dir = dir
		o.Mode = DurabilityStrict
	})
	require.NoError(t, err)
	require.NoError(t, w2.Append(ctx, testWriteset(4, run, "k", []byte("v4"))))
	require.NoError(t, w2.Close())

	got := replayAll(t, dir, false)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(4), got[3].Txn)
}

func TestTruncationIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	run := model.NewRunID()

	w, err := NewWriter(func(o *Options) {
		o.Dir = dir
		o.Mode = DurabilityStrict
	})
	require.NoError(t, err)
	require.NoError(t, w.Append(context.Background(), testWriteset(1, run, "k", []byte("v"))))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, SegmentName(1))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0xff})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	first, err := ReplaySegment(fs.Default, dir, 1, true, nil, func(*model.Writeset) error { return nil })
	require.NoError(t, err)
	require.True(t, first.Truncated)

	second, err := ReplaySegment(fs.Default, dir, 1, true, nil, func(*model.Writeset) error { return nil })
	require.NoError(t, err)
	assert.False(t, second.Truncated)
	assert.Equal(t, first.Records, second.Records)
}

func TestClosedSegmentCorruptionIsFatal(t *testing.T) {
	dir := t.TempDir()
	run := model.NewRunID()

	w, err := NewWriter(func(o *Options) {
		o.Dir = dir
		o.Mode = DurabilityStrict
	})
	require.NoError(t, err)
	require.NoError(t, w.Append(context.Background(), testWriteset(1, run, "k", []byte("value"))))
	require.NoError(t, w.Close())

	// Flip a byte inside the record body.
	path := filepath.Join(dir, SegmentName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerSize+10] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = ReplaySegment(fs.Default, dir, 1, false, nil, func(*model.Writeset) error { return nil })
	require.Error(t, err)

	var corrupt *CorruptionError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, path, corrupt.Path)
	assert.Equal(t, int64(headerSize), corrupt.Offset)
}

func TestStrictSyncFailureSurfaces(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(".seg", fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	// Header sync fails before the writer is even usable.
	_, err := NewWriter(func(o *Options) {
		o.Dir = t.TempDir()
		o.Mode = DurabilityStrict
		o.FS = faulty
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected sync error")
}

func TestBufferedThresholdSync(t *testing.T) {
	dir := t.TempDir()
	run := model.NewRunID()

	w, err := NewWriter(func(o *Options) {
		o.Dir = dir
		o.Mode = DurabilityBuffered
		o.SyncThreshold = 1
		o.FlushInterval = 0
	})
	require.NoError(t, err)

	require.NoError(t, w.Append(context.Background(), testWriteset(1, run, "k", []byte("v"))))
	require.NoError(t, w.Close())

	got := replayAll(t, dir, false)
	require.Len(t, got, 1)
}

func TestSegmentNameRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		n    uint64
		ok   bool
	}{
		{"wal-000001.seg", 1, true},
		{"wal-123456.seg", 123456, true},
		{"wal-9999999.seg", 9999999, true},
		{"snap-000001.chk", 0, false},
		{"wal-abc.seg", 0, false},
		{"MANIFEST", 0, false},
	}

	for _, tt := range tests {
		n, ok := ParseSegmentName(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		if tt.ok {
			assert.Equal(t, tt.n, n, tt.name)
		}
	}

	assert.Equal(t, "wal-000042.seg", SegmentName(42))
}

func TestSegmentMaxTxn(t *testing.T) {
	dir := t.TempDir()
	run := model.NewRunID()

	w, err := NewWriter(func(o *Options) {
		o.Dir = dir
		o.Mode = DurabilityStrict
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, txn := range []uint64{3, 7, 5} {
		require.NoError(t, w.Append(ctx, testWriteset(txn, run, "k", []byte("v"))))
	}
	require.NoError(t, w.Close())

	maxTxn, err := SegmentMaxTxn(fs.Default, dir, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), maxTxn)
}

func TestWriterRejectsForeignDatabase(t *testing.T) {
	dir := t.TempDir()
	run := model.NewRunID()

	first := model.NewDatabaseID()
	w, err := NewWriter(func(o *Options) {
		o.Dir = dir
		o.Mode = DurabilityStrict
		o.DatabaseID = first
	})
	require.NoError(t, err)
	require.NoError(t, w.Append(context.Background(), testWriteset(1, run, "k", []byte("v"))))
	require.NoError(t, w.Close())

	_, err = NewWriter(func(o *Options) {
		o.Dir = dir
		o.Mode = DurabilityStrict
		o.DatabaseID = model.NewDatabaseID()
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database id mismatch")
}

func TestDurabilityModeString(t *testing.T) {
	assert.Equal(t, "in-memory", DurabilityInMemory.String())
	assert.Equal(t, "buffered", DurabilityBuffered.String())
	assert.Equal(t, "strict", DurabilityStrict.String())
	assert.Equal(t, "unknown", DurabilityMode(99).String())
}
