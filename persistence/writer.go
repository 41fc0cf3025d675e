package persistence

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stratadb/strata/internal/fs"
)

// WriteOptions contains configuration for checkpoint writes.
type WriteOptions struct {
	// FS is the filesystem implementation. Defaults to fs.Default.
	FS fs.FileSystem

	// Compression applied to every section payload.
	Compression Compression

	// Limiter throttles checkpoint bytes so a large snapshot does not
	// starve foreground commits of disk bandwidth. Nil means unthrottled.
	Limiter *rate.Limiter

	// Parallelism caps concurrent section encoding. Zero means one worker
	// per section.
	Parallelism int
}

// DefaultWriteOptions returns default checkpoint write options.
var DefaultWriteOptions = WriteOptions{
	Compression: CompressionZstd,
}

// Write serializes cp into dir under its snapshot name. The file appears
// atomically: bytes go to a temp file first, which is fsynced and renamed
// into place, followed by a directory fsync.
func Write(ctx context.Context, dir string, cp *Checkpoint, optFns ...func(o *WriteOptions)) (string, error) {
	opts := DefaultWriteOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.FS == nil {
		opts.FS = fs.Default
	}

	// Encode sections up front, in parallel. Compression dominates the
	// cost and parallelizes cleanly per primitive.
	payloads := make([][]byte, len(cp.Sections))

	g, gctx := errgroup.WithContext(ctx)
	if opts.Parallelism > 0 {
		g.SetLimit(opts.Parallelism)
	}
	for i := range cp.Sections {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw := encodeChains(cp.Sections[i].Chains)
			compressed, err := compress(opts.Compression, raw)
			if err != nil {
				return fmt.Errorf("compress section %d: %w", i, err)
			}
			payloads[i] = compressed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	path := filepath.Join(dir, SnapshotName(cp.ID))
	tmp := path + ".tmp"

	file, err := opts.FS.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create checkpoint temp file: %w", err)
	}

	if err := writeBody(ctx, file, cp, payloads, opts.Compression, opts.Limiter); err != nil {
		_ = file.Close()
		_ = opts.FS.Remove(tmp)
		return "", err
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = opts.FS.Remove(tmp)
		return "", fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = opts.FS.Remove(tmp)
		return "", fmt.Errorf("close checkpoint temp file: %w", err)
	}

	if err := opts.FS.Rename(tmp, path); err != nil {
		_ = opts.FS.Remove(tmp)
		return "", fmt.Errorf("install checkpoint: %w", err)
	}
	if err := fs.SyncDir(opts.FS, dir); err != nil {
		return "", fmt.Errorf("sync checkpoint directory: %w", err)
	}

	return path, nil
}

func writeBody(ctx context.Context, file io.Writer, cp *Checkpoint, payloads [][]byte, compression Compression, limiter *rate.Limiter) error {
	bw := bufio.NewWriter(file)
	var out io.Writer = bw
	if limiter != nil {
		out = &throttledWriter{ctx: ctx, w: bw, limiter: limiter}
	}
	cw := NewChecksumWriter(out)

	hdr := encodeHeader(header{
		FormatVersion: FormatVersion,
		ID:            cp.ID,
		Watermark:     cp.Watermark,
		CreatedAt:     cp.CreatedAt,
		DatabaseID:    cp.DatabaseID,
		CodecLen:      uint16(len(cp.CodecID)),
	})
	if _, err := cw.Write(hdr); err != nil {
		return fmt.Errorf("write checkpoint header: %w", err)
	}
	if _, err := io.WriteString(cw, cp.CodecID); err != nil {
		return fmt.Errorf("write checkpoint codec: %w", err)
	}

	var scratch [10]byte
	for i, section := range cp.Sections {
		scratch[0] = byte(section.Primitive)
		scratch[1] = byte(compression)
		binary.LittleEndian.PutUint64(scratch[2:10], uint64(len(payloads[i])))
		if _, err := cw.Write(scratch[:10]); err != nil {
			return fmt.Errorf("write section header: %w", err)
		}
		if _, err := cw.Write(payloads[i]); err != nil {
			return fmt.Errorf("write section payload: %w", err)
		}
	}

	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], cw.Sum())
	if _, err := out.Write(crcBuf[:]); err != nil {
		return fmt.Errorf("write checkpoint checksum: %w", err)
	}

	return bw.Flush()
}

// throttledWriter paces writes through a token-bucket limiter.
type throttledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if burst := t.limiter.Burst(); len(chunk) > burst {
			chunk = p[:burst]
		}
		if err := t.limiter.WaitN(t.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := t.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
