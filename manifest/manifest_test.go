package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/model"
)

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(nil, dir)

	want := &Manifest{
		FormatVersion: FormatVersion,
		DatabaseID:    model.NewDatabaseID(),
		ActiveSegment: 7,
		HasSnapshot:   true,
		SnapshotID:    3,
		Watermark:     1042,
		CodecID:       "go-json",
	}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadMissing(t *testing.T) {
	store := NewStore(nil, t.TempDir())

	_, err := store.Load()
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveOverwrites(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(nil, dir)

	dbID := model.NewDatabaseID()
	require.NoError(t, store.Save(&Manifest{
		FormatVersion: FormatVersion,
		DatabaseID:    dbID,
		ActiveSegment: 1,
		CodecID:       "json",
	}))
	require.NoError(t, store.Save(&Manifest{
		FormatVersion: FormatVersion,
		DatabaseID:    dbID,
		ActiveSegment: 2,
		HasSnapshot:   true,
		SnapshotID:    1,
		Watermark:     55,
		CodecID:       "json",
	}))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.ActiveSegment)
	assert.Equal(t, uint64(55), got.Watermark)

	// No temp file left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(nil, dir)

	require.NoError(t, store.Save(&Manifest{
		FormatVersion: FormatVersion,
		DatabaseID:    model.NewDatabaseID(),
		ActiveSegment: 1,
		CodecID:       "json",
	}))

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("flipped byte", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[10] ^= 0xff
		require.NoError(t, os.WriteFile(path, bad, 0o600))

		_, err := store.Load()
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, data[:8], 0o600))

		_, err := store.Load()
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		copy(bad[0:4], "XXXX")
		require.NoError(t, os.WriteFile(path, bad, 0o600))

		_, err := store.Load()
		require.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestSaveSyncFailureLeavesOldManifest(t *testing.T) {
	dir := t.TempDir()

	good := NewStore(nil, dir)
	dbID := model.NewDatabaseID()
	require.NoError(t, good.Save(&Manifest{
		FormatVersion: FormatVersion,
		DatabaseID:    dbID,
		ActiveSegment: 1,
		CodecID:       "json",
	}))

	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(".tmp", fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	bad := NewStore(faulty, dir)
	err := bad.Save(&Manifest{
		FormatVersion: FormatVersion,
		DatabaseID:    dbID,
		ActiveSegment: 9,
		CodecID:       "json",
	})
	require.Error(t, err)

	got, err := good.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.ActiveSegment, "failed save must not clobber the manifest")
}
