package model

import "fmt"

// VersionKind tags a version number with its numbering scheme.
// Versions are comparable only within the same kind; ordering across kinds
// is undefined and Compare reports it as such rather than inventing one.
type VersionKind uint8

const (
	// KindTxn numbers versions by global commit order.
	KindTxn VersionKind = iota + 1
	// KindSequence numbers versions by append position within one chain.
	KindSequence
	// KindCounter numbers versions by per-cell mutation count.
	KindCounter
)

func (k VersionKind) String() string {
	switch k {
	case KindTxn:
		return "txn"
	case KindSequence:
		return "seq"
	case KindCounter:
		return "ctr"
	default:
		return "unknown"
	}
}

// Version is a tagged version number.
type Version struct {
	Kind VersionKind `json:"kind"`
	N    uint64      `json:"n"`
}

// TxnVersion returns a version in global commit order.
func TxnVersion(n uint64) Version { return Version{Kind: KindTxn, N: n} }

// SequenceVersion returns an append-position version.
func SequenceVersion(n uint64) Version { return Version{Kind: KindSequence, N: n} }

// CounterVersion returns a mutation-count version.
func CounterVersion(n uint64) Version { return Version{Kind: KindCounter, N: n} }

// IsZero reports whether the version is the zero value (no version).
func (v Version) IsZero() bool { return v.Kind == 0 && v.N == 0 }

// Compare orders v against o. The second return is false when the kinds
// differ, in which case the ordering is undefined and the int result is
// meaningless.
func (v Version) Compare(o Version) (int, bool) {
	if v.Kind != o.Kind {
		return 0, false
	}
	switch {
	case v.N < o.N:
		return -1, true
	case v.N > o.N:
		return 1, true
	default:
		return 0, true
	}
}

// Less reports whether v orders strictly before o. Versions of different
// kinds are never ordered, so Less returns false for them.
func (v Version) Less(o Version) bool {
	c, ok := v.Compare(o)
	return ok && c < 0
}

// Equal reports whether v and o are the same version of the same kind.
func (v Version) Equal(o Version) bool { return v == o }

func (v Version) String() string {
	if v.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%s:%d", v.Kind, v.N)
}
