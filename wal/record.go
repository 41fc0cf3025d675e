package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/stratadb/strata/model"
)

// Record layout, all little-endian:
//
//	length(4) | format_version(1) | txn_id(8) | run_id(16) | timestamp(8) | writeset bytes | crc32(4)
//
// length counts everything after itself, CRC included. The CRC covers
// format_version through the writeset bytes. Records are self-delimiting so
// the reader never needs an index, and a partial record at the tail of the
// active segment is detectable as such.
//
// The engine-assigned versions are embedded in the writeset bytes; the log
// never invents or increments a version itself.

var errPartialRecord = errors.New("partial record")

const (
	// recordOverhead is the fixed part of a record after the length field:
	// format_version(1) + txn(8) + run(16) + timestamp(8) + crc(4).
	recordOverhead = 1 + 8 + 16 + 8 + 4

	// maxRecordSize bounds a single record; a length prefix beyond it is
	// treated as garbage rather than an allocation request.
	maxRecordSize = 256 * 1024 * 1024
)

func encodeRecord(ws *model.Writeset) []byte {
	payload := encodeOps(ws.Ops)
	bodyLen := recordOverhead - 4 + len(payload)

	buf := make([]byte, 4+bodyLen+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen+4))

	body := buf[4 : 4+bodyLen]
	body[0] = recordVersion
	binary.LittleEndian.PutUint64(body[1:9], ws.Txn)
	copy(body[9:25], ws.Run[:])
	binary.LittleEndian.PutUint64(body[25:33], uint64(ws.Timestamp))
	copy(body[33:], payload)

	crc := crc32.ChecksumIEEE(body)
	binary.LittleEndian.PutUint32(buf[4+bodyLen:], crc)
	return buf
}

// decodeRecord reads one record from r. It returns errPartialRecord (possibly
// wrapped) when the stream ends mid-record, io.EOF at a clean record
// boundary, and a plain error for structurally bad bytes.
func decodeRecord(r io.Reader) (*model.Writeset, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: length prefix: %v", errPartialRecord, err)
	}

	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length < recordOverhead {
		return nil, fmt.Errorf("record length %d below minimum %d", length, recordOverhead)
	}
	if length > maxRecordSize {
		return nil, fmt.Errorf("record length %d exceeds maximum %d", length, maxRecordSize)
	}

	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("%w: body: %v", errPartialRecord, err)
	}

	body := rest[:length-4]
	wantCRC := binary.LittleEndian.Uint32(rest[length-4:])
	if got := crc32.ChecksumIEEE(body); got != wantCRC {
		return nil, fmt.Errorf("record crc mismatch: want 0x%08x, got 0x%08x", wantCRC, got)
	}

	if body[0] != recordVersion {
		return nil, fmt.Errorf("unsupported record version %d", body[0])
	}

	ws := &model.Writeset{
		Txn:       binary.LittleEndian.Uint64(body[1:9]),
		Timestamp: int64(binary.LittleEndian.Uint64(body[25:33])),
	}
	copy(ws.Run[:], body[9:25])

	ops, err := decodeOps(body[33:], ws.Run)
	if err != nil {
		return nil, err
	}
	ws.Ops = ops
	return ws, nil
}

// Op wire form: count(4), then per op:
//
//	flags(1) | primitive(1) | key_len(2) | key | version_kind(1) | version(8) | ttl(8) | value_len(4) | value
//
// The run id lives in the record header; ops inherit it.
const opFlagTombstone = 1 << 0

func encodeOps(ops []model.Op) []byte {
	size := 4
	for i := range ops {
		size += 1 + 1 + 2 + len(ops[i].Ref.Key) + 1 + 8 + 8 + 4 + len(ops[i].Value)
	}

	buf := make([]byte, 0, size)
	var scratch [8]byte

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(ops)))
	buf = append(buf, scratch[:4]...)

	for i := range ops {
		op := &ops[i]

		var flags byte
		if op.Tombstone {
			flags |= opFlagTombstone
		}
		buf = append(buf, flags, byte(op.Ref.Primitive))

		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(op.Ref.Key)))
		buf = append(buf, scratch[:2]...)
		buf = append(buf, op.Ref.Key...)

		buf = append(buf, byte(op.Version.Kind))
		binary.LittleEndian.PutUint64(scratch[:8], op.Version.N)
		buf = append(buf, scratch[:8]...)

		binary.LittleEndian.PutUint64(scratch[:8], uint64(op.TTL))
		buf = append(buf, scratch[:8]...)

		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(op.Value)))
		buf = append(buf, scratch[:4]...)
		buf = append(buf, op.Value...)
	}
	return buf
}

func decodeOps(b []byte, run model.RunID) ([]model.Op, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("writeset truncated: missing op count")
	}
	count := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]

	ops := make([]model.Op, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("writeset truncated: op %d header", i)
		}
		flags := b[0]
		primitive := model.PrimitiveType(b[1])
		keyLen := int(binary.LittleEndian.Uint16(b[2:4]))
		b = b[4:]

		if len(b) < keyLen+1+8+8+4 {
			return nil, fmt.Errorf("writeset truncated: op %d key", i)
		}
		key := string(b[:keyLen])
		b = b[keyLen:]

		kind := model.VersionKind(b[0])
		n := binary.LittleEndian.Uint64(b[1:9])
		ttl := time.Duration(binary.LittleEndian.Uint64(b[9:17]))
		valLen := int(binary.LittleEndian.Uint32(b[17:21]))
		b = b[21:]

		if len(b) < valLen {
			return nil, fmt.Errorf("writeset truncated: op %d value", i)
		}
		var value []byte
		if valLen > 0 {
			value = make([]byte, valLen)
			copy(value, b[:valLen])
		}
		b = b[valLen:]

		ops = append(ops, model.Op{
			Ref:       model.EntityRef{Run: run, Primitive: primitive, Key: key},
			Value:     value,
			TTL:       ttl,
			Version:   model.Version{Kind: kind, N: n},
			Tombstone: flags&opFlagTombstone != 0,
		})
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("writeset has %d trailing bytes", len(b))
	}
	return ops, nil
}
