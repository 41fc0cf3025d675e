package model

import "time"

// StoredValue is one entry in a version chain.
//
// Version is the per-key tagged version assigned at commit. CommitTxn is the
// global commit order of the transaction that produced the entry; snapshot
// visibility and conflict validation compare CommitTxn, while versioned reads
// compare Version within the chain's kind.
type StoredValue struct {
	Value     []byte        `json:"value,omitempty"`
	Version   Version       `json:"version"`
	CommitTxn uint64        `json:"commit_txn"`
	Timestamp int64         `json:"timestamp"` // unix nanoseconds, commit time
	TTL       time.Duration `json:"ttl,omitempty"`
	Tombstone bool          `json:"tombstone,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
// Expiration is evaluated at read time against the reader's clock; entries
// are never expired eagerly.
func (sv StoredValue) Expired(now time.Time) bool {
	if sv.TTL <= 0 {
		return false
	}
	return now.UnixNano() >= sv.Timestamp+int64(sv.TTL)
}

// Clone returns a deep copy of the entry.
func (sv StoredValue) Clone() StoredValue {
	out := sv
	if sv.Value != nil {
		out.Value = make([]byte, len(sv.Value))
		copy(out.Value, sv.Value)
	}
	return out
}
