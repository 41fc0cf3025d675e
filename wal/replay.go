package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/model"
)

// SegmentName returns the file name for segment n, e.g. "wal-000001.seg".
func SegmentName(n uint64) string {
	return fmt.Sprintf("wal-%06d.seg", n)
}

// ParseSegmentName extracts the segment number from a segment file name.
func ParseSegmentName(name string) (uint64, bool) {
	var n uint64
	if _, err := fmt.Sscanf(name, "wal-%d.seg", &n); err != nil {
		return 0, false
	}
	if !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".seg") {
		return 0, false
	}
	return n, true
}

// ListSegments returns the segment numbers present in dir, ascending.
func ListSegments(fsys fs.FileSystem, dir string) ([]uint64, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list wal segments: %w", err)
	}

	var segments []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := ParseSegmentName(e.Name()); ok {
			segments = append(segments, n)
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	return segments, nil
}

// ReplayStats reports what a segment replay observed.
type ReplayStats struct {
	// Records is the number of intact records delivered.
	Records int

	// Truncated is set when a torn tail was cut off.
	Truncated bool

	// TruncatedAt is the file offset the segment was truncated to.
	TruncatedAt int64

	// MaxTxn is the highest txn id seen in the segment, zero when empty.
	MaxTxn uint64
}

// ReplaySegment reads segment n in dir and calls fn for every intact record
// in append order.
//
// With tail=true the segment is the active one: the first damaged record is
// treated as an interrupted append, the file is truncated to the last intact
// record boundary, and replay succeeds. With tail=false the segment is
// closed and immutable, so any damage is returned as a *CorruptionError.
func ReplaySegment(fsys fs.FileSystem, dir string, n uint64, tail bool, logger *slog.Logger, fn func(ws *model.Writeset) error) (ReplayStats, error) {
	var stats ReplayStats

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	path := filepath.Join(dir, SegmentName(n))

	file, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return stats, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer file.Close()

	cr := &countingReader{r: file}
	br := bufio.NewReader(cr)

	hdr, err := readSegmentHeader(br)
	if err != nil {
		if tail {
			// A crash during segment creation can leave a short header.
			logger.Warn("truncating segment with incomplete header",
				slog.String("path", path))
			return stats, truncateTo(fsys, path, 0, &stats)
		}
		return stats, &CorruptionError{Path: path, Offset: 0, cause: err}
	}
	if hdr.Segment != n {
		return stats, &CorruptionError{Path: path, Offset: 0,
			cause: fmt.Errorf("header claims segment %d", hdr.Segment)}
	}

	offset := int64(headerSize)
	for {
		ws, err := decodeRecord(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			if tail {
				logger.Warn("truncating torn wal tail",
					slog.String("path", path),
					slog.Int64("offset", offset),
					slog.Any("cause", err))
				return stats, truncateTo(fsys, path, offset, &stats)
			}
			return stats, &CorruptionError{Path: path, Offset: offset, cause: err}
		}

		if err := fn(ws); err != nil {
			return stats, err
		}

		stats.Records++
		if ws.Txn > stats.MaxTxn {
			stats.MaxTxn = ws.Txn
		}
		offset = cr.n - int64(br.Buffered())
	}
}

func truncateTo(fsys fs.FileSystem, path string, offset int64, stats *ReplayStats) error {
	if err := fsys.Truncate(path, offset); err != nil {
		return fmt.Errorf("truncate torn tail of %s: %w", path, err)
	}
	stats.Truncated = true
	stats.TruncatedAt = offset
	return nil
}

// SegmentMaxTxn scans segment n and returns the highest txn id it holds.
func SegmentMaxTxn(fsys fs.FileSystem, dir string, n uint64) (uint64, error) {
	stats, err := ReplaySegment(fsys, dir, n, false, nil, func(*model.Writeset) error { return nil })
	if err != nil {
		return 0, err
	}
	return stats.MaxTxn, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
