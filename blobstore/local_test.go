package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorePutOpenRoundtrip(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	payload := []byte("segment bytes")
	require.NoError(t, store.Put(ctx, "wal/wal-000001.seg", bytes.NewReader(payload), int64(len(payload))))

	rc, err := store.Open(ctx, "wal/wal-000001.seg")
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLocalStoreOpenMissing(t *testing.T) {
	store := NewLocalStore(t.TempDir())

	_, err := store.Open(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreDeleteIdempotent(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "blob", bytes.NewReader([]byte("x")), 1))
	require.NoError(t, store.Delete(ctx, "blob"))
	require.NoError(t, store.Delete(ctx, "blob"), "second delete is a no-op")

	_, err := store.Open(ctx, "blob")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreList(t *testing.T) {
	root := t.TempDir()
	store := NewLocalStore(root)
	ctx := context.Background()

	for _, name := range []string{"wal/wal-000002.seg", "wal/wal-000001.seg", "snap/snap-000001.chk"} {
		require.NoError(t, store.Put(ctx, name, bytes.NewReader([]byte("x")), 1))
	}

	// Leftover temp files are not archive blobs.
	require.NoError(t, os.WriteFile(filepath.Join(root, "wal", "wal-000003.seg.tmp"), []byte("x"), 0o600))

	names, err := store.List(ctx, "wal/")
	require.NoError(t, err)
	assert.Equal(t, []string{"wal/wal-000001.seg", "wal/wal-000002.seg"}, names)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLocalStorePutFailureInvisible(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	err := store.Put(ctx, "blob", failingReader{}, -1)
	require.Error(t, err)

	_, err = store.Open(ctx, "blob")
	require.ErrorIs(t, err, ErrNotFound)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
