package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/stratadb/strata/model"
)

// Checkpoint file layout, all little-endian:
//
//	header(64) | codec name | section* | crc32(4)
//
// header: magic "SNAP"(4) | format version(4) | checkpoint id(8) |
// watermark(8) | created unixnano(8) | database id(16) | codec name len(2) |
// reserved(14).
//
// section: primitive(1) | compression(1) | payload len(8) | payload.
// Sections are length-prefixed so a reader can skip primitives it does not
// understand; a future primitive type does not break old readers.
//
// The trailing CRC32 covers every byte before it.

var snapshotMagic = [4]byte{'S', 'N', 'A', 'P'}

// FormatVersion is the current checkpoint format version.
const FormatVersion uint32 = 1

const headerSize = 64

// SnapshotName returns the file name for checkpoint id, e.g. "snap-000001.chk".
func SnapshotName(id uint64) string {
	return fmt.Sprintf("snap-%06d.chk", id)
}

// Compression selects the per-section payload compression.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// ErrCorrupt reports a checkpoint that fails structural validation.
var ErrCorrupt = errors.New("persistence: corrupt checkpoint")

// ChainState is the serialized form of one version chain.
type ChainState struct {
	Ref model.EntityRef

	// Trimmed is set when compaction has discarded versions below Earliest.
	Trimmed bool

	// Earliest is the oldest version still readable in this chain. Only
	// meaningful when Trimmed is set.
	Earliest model.Version

	// Entries hold the chain newest-first, matching in-memory order.
	Entries []model.StoredValue
}

// Section groups the chains of one primitive type.
type Section struct {
	Primitive model.PrimitiveType
	Chains    []ChainState
}

// Checkpoint is the in-memory form of a checkpoint file.
type Checkpoint struct {
	ID         uint64
	Watermark  uint64
	CreatedAt  int64
	DatabaseID model.DatabaseID
	CodecID    string
	Sections   []Section
}

type header struct {
	FormatVersion uint32
	ID            uint64
	Watermark     uint64
	CreatedAt     int64
	DatabaseID    model.DatabaseID
	CodecLen      uint16
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], snapshotMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.FormatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], h.ID)
	binary.LittleEndian.PutUint64(buf[16:24], h.Watermark)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.CreatedAt))
	copy(buf[32:48], h.DatabaseID[:])
	binary.LittleEndian.PutUint16(buf[48:50], h.CodecLen)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < headerSize {
		return h, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if [4]byte(buf[0:4]) != snapshotMagic {
		return h, fmt.Errorf("%w: bad magic %q", ErrCorrupt, buf[0:4])
	}
	h.FormatVersion = binary.LittleEndian.Uint32(buf[4:8])
	h.ID = binary.LittleEndian.Uint64(buf[8:16])
	h.Watermark = binary.LittleEndian.Uint64(buf[16:24])
	h.CreatedAt = int64(binary.LittleEndian.Uint64(buf[24:32]))
	copy(h.DatabaseID[:], buf[32:48])
	h.CodecLen = binary.LittleEndian.Uint16(buf[48:50])

	if h.FormatVersion != FormatVersion {
		return h, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, h.FormatVersion)
	}
	return h, nil
}

// Chain wire form:
//
//	run(16) | key len(2) | key | flags(1) | earliest kind(1) | earliest n(8) |
//	entry count(4) | entry*
//
// entry: version kind(1) | version n(8) | commit txn(8) | timestamp(8) |
// ttl(8) | flags(1) | value len(4) | value.
const (
	chainFlagTrimmed   = 1 << 0
	entryFlagTombstone = 1 << 0
)

func encodeChains(chains []ChainState) []byte {
	var buf bytes.Buffer
	var scratch [8]byte

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(chains)))
	buf.Write(scratch[:4])

	for i := range chains {
		c := &chains[i]

		buf.Write(c.Ref.Run[:])
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(c.Ref.Key)))
		buf.Write(scratch[:2])
		buf.WriteString(c.Ref.Key)

		var flags byte
		if c.Trimmed {
			flags |= chainFlagTrimmed
		}
		buf.WriteByte(flags)
		buf.WriteByte(byte(c.Earliest.Kind))
		binary.LittleEndian.PutUint64(scratch[:8], c.Earliest.N)
		buf.Write(scratch[:8])

		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(c.Entries)))
		buf.Write(scratch[:4])

		for j := range c.Entries {
			e := &c.Entries[j]

			buf.WriteByte(byte(e.Version.Kind))
			binary.LittleEndian.PutUint64(scratch[:8], e.Version.N)
			buf.Write(scratch[:8])
			binary.LittleEndian.PutUint64(scratch[:8], e.CommitTxn)
			buf.Write(scratch[:8])
			binary.LittleEndian.PutUint64(scratch[:8], uint64(e.Timestamp))
			buf.Write(scratch[:8])
			binary.LittleEndian.PutUint64(scratch[:8], uint64(e.TTL))
			buf.Write(scratch[:8])

			var eflags byte
			if e.Tombstone {
				eflags |= entryFlagTombstone
			}
			buf.WriteByte(eflags)

			binary.LittleEndian.PutUint32(scratch[:4], uint32(len(e.Value)))
			buf.Write(scratch[:4])
			buf.Write(e.Value)
		}
	}

	return buf.Bytes()
}

func decodeChains(primitive model.PrimitiveType, b []byte) ([]ChainState, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: section missing chain count", ErrCorrupt)
	}
	count := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]

	chains := make([]ChainState, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 16+2 {
			return nil, fmt.Errorf("%w: chain %d truncated", ErrCorrupt, i)
		}
		var c ChainState
		copy(c.Ref.Run[:], b[:16])
		c.Ref.Primitive = primitive
		keyLen := int(binary.LittleEndian.Uint16(b[16:18]))
		b = b[18:]

		if len(b) < keyLen+1+1+8+4 {
			return nil, fmt.Errorf("%w: chain %d key truncated", ErrCorrupt, i)
		}
		c.Ref.Key = string(b[:keyLen])
		b = b[keyLen:]

		c.Trimmed = b[0]&chainFlagTrimmed != 0
		c.Earliest = model.Version{
			Kind: model.VersionKind(b[1]),
			N:    binary.LittleEndian.Uint64(b[2:10]),
		}
		entryCount := binary.LittleEndian.Uint32(b[10:14])
		b = b[14:]

		c.Entries = make([]model.StoredValue, 0, entryCount)
		for j := uint32(0); j < entryCount; j++ {
			if len(b) < 1+8+8+8+8+1+4 {
				return nil, fmt.Errorf("%w: chain %d entry %d truncated", ErrCorrupt, i, j)
			}
			var e model.StoredValue
			e.Version = model.Version{
				Kind: model.VersionKind(b[0]),
				N:    binary.LittleEndian.Uint64(b[1:9]),
			}
			e.CommitTxn = binary.LittleEndian.Uint64(b[9:17])
			e.Timestamp = int64(binary.LittleEndian.Uint64(b[17:25]))
			e.TTL = time.Duration(binary.LittleEndian.Uint64(b[25:33]))
			e.Tombstone = b[33]&entryFlagTombstone != 0
			valLen := int(binary.LittleEndian.Uint32(b[34:38]))
			b = b[38:]

			if len(b) < valLen {
				return nil, fmt.Errorf("%w: chain %d entry %d value truncated", ErrCorrupt, i, j)
			}
			if valLen > 0 {
				e.Value = make([]byte, valLen)
				copy(e.Value, b[:valLen])
			}
			b = b[valLen:]

			c.Entries = append(c.Entries, e)
		}

		chains = append(chains, c)
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: section has %d trailing bytes", ErrCorrupt, len(b))
	}
	return chains, nil
}

func compress(c Compression, payload []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return payload, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(payload, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}

func decompress(c Compression, payload []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return payload, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(payload, nil)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorrupt, c)
	}
}
