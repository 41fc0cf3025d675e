package model

// PrimitiveType tags an entity with the user-facing primitive it belongs to.
// The tag is part of the key, so two primitives can use the same logical key
// within one run without colliding.
type PrimitiveType uint8

const (
	// PrimitiveKV is the key-value primitive.
	PrimitiveKV PrimitiveType = iota + 1
	// PrimitiveEvent is the append-only event log primitive.
	PrimitiveEvent
	// PrimitiveState is the state-cell primitive.
	PrimitiveState
	// PrimitiveJSON is the JSON document primitive.
	PrimitiveJSON
	// PrimitiveVector is the vector primitive.
	PrimitiveVector
	// PrimitiveTrace is the trace primitive.
	PrimitiveTrace
	// PrimitiveRun is the run metadata primitive.
	PrimitiveRun
	// PrimitiveSystem is the reserved namespace for engine-owned entries,
	// such as per-run retention policies. It is not exposed to the primitive
	// facades.
	PrimitiveSystem
)

// Valid reports whether the tag is one of the known primitive types.
func (p PrimitiveType) Valid() bool {
	return p >= PrimitiveKV && p <= PrimitiveSystem
}

// VersionKind returns the version tag used by chains of this primitive:
// the event log is versioned by append position, state cells by per-cell
// mutation count, and everything else by global transaction id.
func (p PrimitiveType) VersionKind() VersionKind {
	switch p {
	case PrimitiveEvent:
		return KindSequence
	case PrimitiveState:
		return KindCounter
	default:
		return KindTxn
	}
}

func (p PrimitiveType) String() string {
	switch p {
	case PrimitiveKV:
		return "kv"
	case PrimitiveEvent:
		return "event"
	case PrimitiveState:
		return "state"
	case PrimitiveJSON:
		return "json"
	case PrimitiveVector:
		return "vector"
	case PrimitiveTrace:
		return "trace"
	case PrimitiveRun:
		return "run"
	case PrimitiveSystem:
		return "system"
	default:
		return "unknown"
	}
}
