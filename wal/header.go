package wal

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/stratadb/strata/model"
)

var segmentMagic = [4]byte{'S', 'T', 'R', 'A'}

const (
	// FormatVersion is the current segment format version.
	FormatVersion uint32 = 1

	// headerSize is the fixed segment header:
	// magic(4) | format version(4) | segment number(8) | database id(16).
	headerSize = 32

	// recordVersion is the per-record format version byte.
	recordVersion byte = 1
)

type segmentHeader struct {
	FormatVersion uint32
	Segment       uint64
	DatabaseID    model.DatabaseID
}

func writeSegmentHeader(w io.Writer, h segmentHeader) error {
	var buf [headerSize]byte
	copy(buf[0:4], segmentMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.FormatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], h.Segment)
	copy(buf[16:32], h.DatabaseID[:])
	_, err := w.Write(buf[:])
	return err
}

func readSegmentHeader(r io.Reader) (segmentHeader, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return segmentHeader{}, fmt.Errorf("read segment header: %w", err)
	}
	if [4]byte(buf[0:4]) != segmentMagic {
		return segmentHeader{}, fmt.Errorf("bad segment magic %q", buf[0:4])
	}
	h := segmentHeader{
		FormatVersion: binary.LittleEndian.Uint32(buf[4:8]),
		Segment:       binary.LittleEndian.Uint64(buf[8:16]),
	}
	copy(h.DatabaseID[:], buf[16:32])
	if h.FormatVersion != FormatVersion {
		return segmentHeader{}, fmt.Errorf("unsupported segment format version %d", h.FormatVersion)
	}
	return h, nil
}
