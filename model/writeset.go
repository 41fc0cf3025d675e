package model

import "time"

// Op is one mutation inside a writeset. Tombstone ops carry no value.
// Version is the per-key version the engine assigned at commit; it is
// embedded here so that WAL replay applies exactly the versions the original
// commit did.
type Op struct {
	Ref       EntityRef
	Value     []byte
	TTL       time.Duration
	Version   Version
	Tombstone bool
}

// Writeset is the serialized effect of one committed transaction: the unit
// appended to the WAL and replayed on recovery. It is immutable once built.
type Writeset struct {
	Txn       uint64
	Run       RunID
	Timestamp int64 // unix nanoseconds, commit time
	Ops       []Op
}
