// Package manifest persists the database's durable root pointer.
//
// The manifest names the active WAL segment and the snapshot recovery starts
// from. It is tiny, rewritten in full on every update, and swapped into place
// atomically, so a reader observes either the old manifest or the new one and
// never a blend.
package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/model"
)

// FileName is the manifest file name inside the database directory.
const FileName = "MANIFEST"

// FormatVersion is the current manifest format version.
const FormatVersion uint32 = 1

var manifestMagic = [4]byte{'S', 'T', 'R', 'M'}

// fixedSize is the encoded size before the variable codec name:
// magic(4) | version(4) | dbid(16) | active segment(8) | flags(1) |
// snapshot id(8) | watermark(8) | codec len(2).
const fixedSize = 4 + 4 + 16 + 8 + 1 + 8 + 8 + 2

const flagHasSnapshot = 1 << 0

// ErrCorrupt reports a manifest that fails its checksum or structural checks.
var ErrCorrupt = errors.New("manifest: corrupt")

// Manifest is the durable root of a database.
type Manifest struct {
	FormatVersion uint32
	DatabaseID    model.DatabaseID

	// ActiveSegment is the WAL segment open for appends. Segments below it
	// are closed and immutable.
	ActiveSegment uint64

	// HasSnapshot reports whether SnapshotID and Watermark are meaningful.
	// A fresh database has no snapshot and recovery replays the WAL from
	// the beginning.
	HasSnapshot bool

	// SnapshotID is the checkpoint recovery loads before WAL replay.
	SnapshotID uint64

	// Watermark is the highest txn id captured by that snapshot. Replay
	// skips transactions at or below it.
	Watermark uint64

	// CodecID names the value codec the database was created with.
	CodecID string
}

func (m *Manifest) encode() []byte {
	buf := make([]byte, fixedSize+len(m.CodecID)+4)

	copy(buf[0:4], manifestMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], m.FormatVersion)
	copy(buf[8:24], m.DatabaseID[:])
	binary.LittleEndian.PutUint64(buf[24:32], m.ActiveSegment)
	if m.HasSnapshot {
		buf[32] = flagHasSnapshot
	}
	binary.LittleEndian.PutUint64(buf[33:41], m.SnapshotID)
	binary.LittleEndian.PutUint64(buf[41:49], m.Watermark)
	binary.LittleEndian.PutUint16(buf[49:51], uint16(len(m.CodecID)))
	copy(buf[fixedSize:], m.CodecID)

	crc := crc32.ChecksumIEEE(buf[:len(buf)-4])
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], crc)
	return buf
}

func decode(data []byte) (*Manifest, error) {
	if len(data) < fixedSize+4 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrCorrupt, len(data))
	}

	body := data[:len(data)-4]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if got := crc32.ChecksumIEEE(body); got != wantCRC {
		return nil, fmt.Errorf("%w: crc mismatch (want 0x%08x, got 0x%08x)", ErrCorrupt, wantCRC, got)
	}

	if [4]byte(data[0:4]) != manifestMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, data[0:4])
	}

	m := &Manifest{
		FormatVersion: binary.LittleEndian.Uint32(data[4:8]),
		ActiveSegment: binary.LittleEndian.Uint64(data[24:32]),
		HasSnapshot:   data[32]&flagHasSnapshot != 0,
		SnapshotID:    binary.LittleEndian.Uint64(data[33:41]),
		Watermark:     binary.LittleEndian.Uint64(data[41:49]),
	}
	copy(m.DatabaseID[:], data[8:24])

	if m.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, m.FormatVersion)
	}

	codecLen := int(binary.LittleEndian.Uint16(data[49:51]))
	if fixedSize+codecLen != len(body) {
		return nil, fmt.Errorf("%w: codec length %d does not match payload", ErrCorrupt, codecLen)
	}
	m.CodecID = string(data[fixedSize : fixedSize+codecLen])

	return m, nil
}

// Store reads and atomically rewrites the manifest file.
type Store struct {
	mu   sync.Mutex
	fsys fs.FileSystem
	dir  string
}

// NewStore creates a manifest store for the given database directory.
func NewStore(fsys fs.FileSystem, dir string) *Store {
	if fsys == nil {
		fsys = fs.Default
	}
	return &Store{fsys: fsys, dir: dir}
}

// Path returns the manifest file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Load reads the manifest. It returns os.ErrNotExist when no manifest has
// been written yet and an error wrapping ErrCorrupt when the file fails
// validation.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.fsys.OpenFile(s.Path(), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	return decode(data)
}

// Save writes the manifest atomically: full rewrite to a temp file, fsync,
// rename over the old manifest, then directory fsync. A crash at any point
// leaves either the previous manifest or the new one.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := m.encode()

	tmp := s.Path() + ".tmp"
	file, err := s.fsys.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create manifest temp file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = s.fsys.Remove(tmp)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = s.fsys.Remove(tmp)
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = s.fsys.Remove(tmp)
		return fmt.Errorf("close manifest temp file: %w", err)
	}

	if err := s.fsys.Rename(tmp, s.Path()); err != nil {
		_ = s.fsys.Remove(tmp)
		return fmt.Errorf("install manifest: %w", err)
	}

	return fs.SyncDir(s.fsys, s.dir)
}
