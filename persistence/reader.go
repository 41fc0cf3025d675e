package persistence

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/model"
)

// ParseSnapshotName extracts the checkpoint id from a snapshot file name.
func ParseSnapshotName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "snap-") || !strings.HasSuffix(name, ".chk") {
		return 0, false
	}
	var id uint64
	if _, err := fmt.Sscanf(name, "snap-%d.chk", &id); err != nil {
		return 0, false
	}
	return id, true
}

// ListSnapshots returns the checkpoint ids present in dir, ascending.
func ListSnapshots(fsys fs.FileSystem, dir string) ([]uint64, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := ParseSnapshotName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Read loads checkpoint id from dir and verifies its whole-file checksum.
// Sections with a primitive type this build does not know are skipped, not
// rejected.
func Read(fsys fs.FileSystem, dir string, id uint64) (*Checkpoint, error) {
	if fsys == nil {
		fsys = fs.Default
	}

	path := filepath.Join(dir, SnapshotName(id))

	file, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	st, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat checkpoint %s: %w", path, err)
	}
	if st.Size() < headerSize+4 {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorrupt, path, st.Size())
	}
	bodySize := st.Size() - 4

	cr := NewChecksumReader(io.LimitReader(bufio.NewReader(file), bodySize))

	hdrBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(cr, hdrBuf); err != nil {
		return nil, fmt.Errorf("%w: %s: header: %v", ErrCorrupt, path, err)
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if hdr.ID != id {
		return nil, fmt.Errorf("%w: %s claims checkpoint id %d", ErrCorrupt, path, hdr.ID)
	}

	codecBuf := make([]byte, hdr.CodecLen)
	if _, err := io.ReadFull(cr, codecBuf); err != nil {
		return nil, fmt.Errorf("%w: %s: codec name: %v", ErrCorrupt, path, err)
	}

	cp := &Checkpoint{
		ID:         hdr.ID,
		Watermark:  hdr.Watermark,
		CreatedAt:  hdr.CreatedAt,
		DatabaseID: hdr.DatabaseID,
		CodecID:    string(codecBuf),
	}

	remaining := bodySize - headerSize - int64(hdr.CodecLen)
	for remaining > 0 {
		var secHdr [10]byte
		if _, err := io.ReadFull(cr, secHdr[:]); err != nil {
			return nil, fmt.Errorf("%w: %s: section header: %v", ErrCorrupt, path, err)
		}
		primitive := model.PrimitiveType(secHdr[0])
		compression := Compression(secHdr[1])
		payloadLen := int64(binary.LittleEndian.Uint64(secHdr[2:10]))
		remaining -= 10

		if payloadLen < 0 || payloadLen > remaining {
			return nil, fmt.Errorf("%w: %s: section payload length %d exceeds file", ErrCorrupt, path, payloadLen)
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(cr, payload); err != nil {
			return nil, fmt.Errorf("%w: %s: section payload: %v", ErrCorrupt, path, err)
		}
		remaining -= payloadLen

		if !primitive.Valid() {
			continue
		}

		raw, err := decompress(compression, payload)
		if err != nil {
			// Damage inside a compressed payload surfaces here before the
			// trailing checksum is reached.
			return nil, fmt.Errorf("%w: %s: section %s: %v", ErrCorrupt, path, primitive, err)
		}
		chains, err := decodeChains(primitive, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: section %s: %w", path, primitive, err)
		}
		cp.Sections = append(cp.Sections, Section{Primitive: primitive, Chains: chains})
	}

	// The buffered reader may have read past bodySize, so take the trailing
	// checksum by absolute offset.
	var crcBuf [4]byte
	if _, err := file.ReadAt(crcBuf[:], bodySize); err != nil {
		return nil, fmt.Errorf("%w: %s: checksum: %v", ErrCorrupt, path, err)
	}
	if err := cr.Verify(binary.LittleEndian.Uint32(crcBuf[:])); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	return cp, nil
}
