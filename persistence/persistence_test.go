package persistence

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/model"
)

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()

	run := model.NewRunID()
	return &Checkpoint{
		ID:         1,
		Watermark:  42,
		CreatedAt:  time.Now().UnixNano(),
		DatabaseID: model.NewDatabaseID(),
		CodecID:    "go-json",
		Sections: []Section{
			{
				Primitive: model.PrimitiveKV,
				Chains: []ChainState{
					{
						Ref: model.EntityRef{Run: run, Primitive: model.PrimitiveKV, Key: "alpha"},
						Entries: []model.StoredValue{
							{
								Value:     []byte("v2"),
								Version:   model.Version{Kind: model.KindTxn, N: 42},
								CommitTxn: 42,
								Timestamp: 200,
							},
							{
								Value:     []byte("v1"),
								Version:   model.Version{Kind: model.KindTxn, N: 7},
								CommitTxn: 7,
								Timestamp: 100,
								TTL:       time.Hour,
							},
						},
					},
					{
						Ref:      model.EntityRef{Run: run, Primitive: model.PrimitiveKV, Key: "trimmed"},
						Trimmed:  true,
						Earliest: model.Version{Kind: model.KindTxn, N: 30},
						Entries: []model.StoredValue{
							{
								Version:   model.Version{Kind: model.KindTxn, N: 30},
								CommitTxn: 30,
								Tombstone: true,
							},
						},
					},
				},
			},
			{
				Primitive: model.PrimitiveEvent,
				Chains: []ChainState{
					{
						Ref: model.EntityRef{Run: run, Primitive: model.PrimitiveEvent, Key: "log"},
						Entries: []model.StoredValue{
							{
								Value:     []byte(`{"step":1}`),
								Version:   model.Version{Kind: model.KindSequence, N: 1},
								CommitTxn: 9,
								Timestamp: 150,
							},
						},
					},
				},
			},
		},
	}
}

func TestWriteReadRoundtrip(t *testing.T) {
	compressions := []Compression{CompressionNone, CompressionZstd, CompressionLZ4}

	for _, compression := range compressions {
		t.Run(compression.String(), func(t *testing.T) {
			dir := t.TempDir()
			want := testCheckpoint(t)

			path, err := Write(context.Background(), dir, want, func(o *WriteOptions) {
				o.Compression = compression
			})
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, SnapshotName(1)), path)

			got, err := Read(nil, dir, 1)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestReadMissing(t *testing.T) {
	_, err := Read(nil, t.TempDir(), 99)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadRejectsFlippedByte(t *testing.T) {
	dir := t.TempDir()
	cp := testCheckpoint(t)

	path, err := Write(context.Background(), dir, cp)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = Read(nil, dir, 1)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReadSkipsUnknownSection(t *testing.T) {
	dir := t.TempDir()
	cp := testCheckpoint(t)

	path, err := Write(context.Background(), dir, cp, func(o *WriteOptions) {
		o.Compression = CompressionNone
	})
	require.NoError(t, err)

	// Splice in a section with an unrecognized primitive tag and refresh the
	// trailing CRC.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	body := data[:len(data)-4]

	unknown := make([]byte, 10+3)
	unknown[0] = 0xEE
	unknown[1] = byte(CompressionNone)
	binary.LittleEndian.PutUint64(unknown[2:10], 3)
	copy(unknown[10:], "xyz")
	body = append(body, unknown...)

	crc := make([]byte, 4)
	binary.LittleEndian.PutUint32(crc, checksumOf(body))
	require.NoError(t, os.WriteFile(path, append(body, crc...), 0o600))

	got, err := Read(nil, dir, 1)
	require.NoError(t, err)
	assert.Len(t, got.Sections, len(cp.Sections), "unknown section is skipped, known ones survive")
}

func checksumOf(b []byte) uint32 {
	cw := NewChecksumWriter(discard{})
	_, _ = cw.Write(b)
	return cw.Sum()
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestWriteFailureLeavesNoVisibleFile(t *testing.T) {
	dir := t.TempDir()

	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(".tmp", fs.Fault{FailAfterBytes: 32, Err: os.ErrInvalid})

	_, err := Write(context.Background(), dir, testCheckpoint(t), func(o *WriteOptions) {
		o.FS = faulty
	})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed write cleans up its temp file")
}

func TestWriteHonorsRateLimiter(t *testing.T) {
	dir := t.TempDir()

	// Tiny budget: the write must pace itself without deadlocking.
	limiter := rate.NewLimiter(rate.Limit(1<<20), 1024)

	_, err := Write(context.Background(), dir, testCheckpoint(t), func(o *WriteOptions) {
		o.Limiter = limiter
	})
	require.NoError(t, err)

	_, err = Read(nil, dir, 1)
	require.NoError(t, err)
}

func TestListSnapshots(t *testing.T) {
	dir := t.TempDir()

	ids, err := ListSnapshots(nil, dir)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ctx := context.Background()
	for _, id := range []uint64{3, 1, 2} {
		cp := testCheckpoint(t)
		cp.ID = id
		_, err := Write(ctx, dir, cp)
		require.NoError(t, err)
	}

	// Stray files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MANIFEST"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snap-000009.chk.tmp"), []byte("x"), 0o600))

	ids, err = ListSnapshots(nil, dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestParseSnapshotName(t *testing.T) {
	tests := []struct {
		name string
		id   uint64
		ok   bool
	}{
		{"snap-000001.chk", 1, true},
		{"snap-000123.chk", 123, true},
		{"snap-000001.chk.tmp", 0, false},
		{"wal-000001.seg", 0, false},
	}

	for _, tt := range tests {
		id, ok := ParseSnapshotName(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		if tt.ok {
			assert.Equal(t, tt.id, id, tt.name)
		}
	}
}
