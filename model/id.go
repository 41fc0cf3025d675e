package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// RunID identifies one run. Every version chain belongs to exactly one run,
// and runs are the unit of shard isolation: operations on different runs
// never contend.
type RunID [16]byte

// NewRunID returns a random RunID.
func NewRunID() RunID {
	var id RunID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("model: read random bytes: %v", err))
	}
	return id
}

// ParseRunID parses the hex form produced by String.
func ParseRunID(s string) (RunID, error) {
	var id RunID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid run id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid run id %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether the id is the zero value.
func (id RunID) IsZero() bool { return id == RunID{} }

// String returns the lowercase hex form of the id.
func (id RunID) String() string { return hex.EncodeToString(id[:]) }

// MarshalText implements encoding.TextMarshaler.
func (id RunID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *RunID) UnmarshalText(text []byte) error {
	parsed, err := ParseRunID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// DatabaseID identifies one database instance. It is generated when the
// database is first created, recorded in the manifest, and embedded in every
// WAL segment and snapshot header so that files from different databases
// cannot be mixed silently.
type DatabaseID [16]byte

// NewDatabaseID returns a random DatabaseID.
func NewDatabaseID() DatabaseID {
	var id DatabaseID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("model: read random bytes: %v", err))
	}
	return id
}

// IsZero reports whether the id is the zero value.
func (id DatabaseID) IsZero() bool { return id == DatabaseID{} }

// String returns the lowercase hex form of the id.
func (id DatabaseID) String() string { return hex.EncodeToString(id[:]) }

// MarshalText implements encoding.TextMarshaler.
func (id DatabaseID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DatabaseID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid database id %q: %w", text, err)
	}
	if len(b) != len(id) {
		return fmt.Errorf("invalid database id %q: want %d bytes, got %d", text, len(id), len(b))
	}
	copy(id[:], b)
	return nil
}
