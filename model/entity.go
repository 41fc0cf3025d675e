package model

import (
	"errors"
	"fmt"
)

// ErrInvalidRef is returned when an entity reference is structurally invalid.
var ErrInvalidRef = errors.New("invalid entity ref")

// EntityRef addresses exactly one version chain: run identity, primitive
// tag, and the caller's logical key.
type EntityRef struct {
	Run       RunID         `json:"run"`
	Primitive PrimitiveType `json:"primitive"`
	Key       string        `json:"key"`
}

// Validate checks the reference for structural problems.
func (r EntityRef) Validate() error {
	if r.Run.IsZero() {
		return fmt.Errorf("%w: zero run id", ErrInvalidRef)
	}
	if !r.Primitive.Valid() {
		return fmt.Errorf("%w: unknown primitive type %d", ErrInvalidRef, r.Primitive)
	}
	if r.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidRef)
	}
	return nil
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Run, r.Primitive, r.Key)
}
