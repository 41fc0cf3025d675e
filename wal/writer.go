// Package wal provides segmented write-ahead logging for commit durability.
//
// Committed writesets are appended to numbered segment files. The active
// segment is the highest-numbered one; rotation closes it and opens a fresh
// segment, and closed segments are never written again. Recovery replays
// segments in order and repairs a torn tail on the active segment only.
package wal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/model"
)

// Writer appends committed writesets to the active segment.
type Writer struct {
	mu       sync.Mutex
	opts     Options
	fsys     fs.FileSystem
	logger   *slog.Logger
	file     fs.File
	segment  uint64
	size     int64
	unsynced int
	closed   bool

	flushStopCh chan struct{}
	flushWg     sync.WaitGroup
}

// NewWriter opens the active segment for appending, creating it with a fresh
// header when absent. An existing segment is validated and appended to, which
// is how recovery resumes logging after replay and tail repair.
func NewWriter(optFns ...func(o *Options)) (*Writer, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.FS == nil {
		opts.FS = fs.Default
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	w := &Writer{
		opts:   opts,
		fsys:   opts.FS,
		logger: opts.Logger,
	}

	if opts.Mode == DurabilityInMemory {
		return w, nil
	}

	if err := w.fsys.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	if err := w.openSegment(opts.StartSegment); err != nil {
		return nil, err
	}

	if opts.Mode == DurabilityBuffered && opts.FlushInterval > 0 {
		w.flushStopCh = make(chan struct{})
		w.flushWg.Add(1)
		go w.flushWorker()
	}

	return w, nil
}

// openSegment opens or creates segment n and positions the writer at its end.
// Caller must hold w.mu (or be the constructor).
func (w *Writer) openSegment(n uint64) error {
	path := filepath.Join(w.opts.Dir, SegmentName(n))

	file, err := w.fsys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}

	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat segment %s: %w", path, err)
	}

	if st.Size() == 0 {
		if err := writeSegmentHeader(file, segmentHeader{
			FormatVersion: FormatVersion,
			Segment:       n,
			DatabaseID:    w.opts.DatabaseID,
		}); err != nil {
			_ = file.Close()
			return fmt.Errorf("write segment header: %w", err)
		}
		if err := file.Sync(); err != nil {
			_ = file.Close()
			return fmt.Errorf("sync segment header: %w", err)
		}
		w.size = headerSize
	} else {
		hdr, err := readSegmentHeader(file)
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("segment %s: %w", path, err)
		}
		if hdr.Segment != n {
			_ = file.Close()
			return fmt.Errorf("segment %s: header claims segment %d", path, hdr.Segment)
		}
		if hdr.DatabaseID != w.opts.DatabaseID {
			_ = file.Close()
			return fmt.Errorf("segment %s: database id mismatch", path)
		}
		if _, err := file.Seek(0, 2); err != nil {
			_ = file.Close()
			return fmt.Errorf("seek segment end: %w", err)
		}
		w.size = st.Size()
	}

	w.file = file
	w.segment = n
	return nil
}

// Append writes a committed writeset to the log and applies the configured
// durability mode. The writeset carries its engine-assigned txn id and entry
// versions; the log records them verbatim.
func (w *Writer) Append(ctx context.Context, ws *model.Writeset) error {
	if w.opts.Mode == DurabilityInMemory {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	buf := encodeRecord(ws)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}

	// Rotate before, never mid-record: a writeset is confined to one segment.
	if w.size >= w.opts.SegmentSize && w.size > headerSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := w.file.Write(buf)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}

	switch w.opts.Mode {
	case DurabilityStrict:
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync record: %w", err)
		}
	case DurabilityBuffered:
		w.unsynced += len(buf)
		if w.opts.SyncThreshold > 0 && w.unsynced >= w.opts.SyncThreshold {
			if err := w.syncLocked(); err != nil {
				return err
			}
		}
	}

	return nil
}

// Sync forces pending bytes to stable storage.
func (w *Writer) Sync() error {
	if w.opts.Mode == DurabilityInMemory {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}

	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	w.unsynced = 0
	return nil
}

// Rotate closes the active segment and opens the next one.
func (w *Writer) Rotate() error {
	if w.opts.Mode == DurabilityInMemory {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}

	return w.rotateLocked()
}

func (w *Writer) rotateLocked() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync segment before rotation: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close segment %d: %w", w.segment, err)
	}

	next := w.segment + 1
	if err := w.openSegment(next); err != nil {
		return err
	}
	w.unsynced = 0

	w.logger.Debug("rotated wal segment", slog.Uint64("segment", next))

	if w.opts.OnRotate != nil {
		if err := w.opts.OnRotate(next); err != nil {
			return fmt.Errorf("rotation hook: %w", err)
		}
	}
	return nil
}

// ActiveSegment returns the number of the segment currently being appended to.
func (w *Writer) ActiveSegment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segment
}

// flushWorker fsyncs the active segment on a fixed interval so Buffered mode
// bounds the loss window by time as well as by bytes.
func (w *Writer) flushWorker() {
	defer w.flushWg.Done()

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.flushStopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed && w.unsynced > 0 {
				if err := w.syncLocked(); err != nil {
					w.logger.Error("background wal sync failed", slog.Any("error", err))
				}
			}
			w.mu.Unlock()
		}
	}
}

// Close flushes pending bytes and closes the active segment. Close is
// idempotent.
func (w *Writer) Close() error {
	if w.opts.Mode == DurabilityInMemory {
		return nil
	}

	if w.flushStopCh != nil {
		w.mu.Lock()
		stopCh := w.flushStopCh
		w.flushStopCh = nil
		w.mu.Unlock()
		if stopCh != nil {
			close(stopCh)
			w.flushWg.Wait()
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("sync segment on close: %w", err)
	}
	return w.file.Close()
}
