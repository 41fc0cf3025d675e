package model

import "time"

// RetentionKind selects a retention rule.
type RetentionKind uint8

const (
	// RetainAll keeps every version forever.
	RetainAll RetentionKind = iota + 1
	// RetainLast keeps the newest Keep versions of each chain.
	RetainLast
	// RetainFor keeps versions younger than For.
	RetainFor
)

// RetentionRule is a single retention decision rule.
type RetentionRule struct {
	Kind RetentionKind `json:"kind"`
	Keep int           `json:"keep,omitempty"`
	For  time.Duration `json:"for,omitempty"`
}

// ShouldRetain decides whether one chain entry survives compaction.
// retainedAbove is the number of newer entries of the same chain that have
// already been retained.
func (r RetentionRule) ShouldRetain(v Version, timestamp int64, retainedAbove int, now time.Time) bool {
	switch r.Kind {
	case RetainLast:
		return retainedAbove < r.Keep
	case RetainFor:
		return now.UnixNano()-timestamp <= int64(r.For)
	default:
		return true
	}
}

// RetentionPolicy is the per-run pruning policy: a default rule plus optional
// per-primitive overrides. Policies are stored as ordinary versioned entries
// under the system namespace, not as engine configuration, so changes are
// auditable and transactional.
type RetentionPolicy struct {
	Default   RetentionRule                   `json:"default"`
	Overrides map[PrimitiveType]RetentionRule `json:"overrides,omitempty"`
}

// KeepAll returns the policy that never prunes. It is the effective policy
// for any run that has not stored one.
func KeepAll() RetentionPolicy {
	return RetentionPolicy{Default: RetentionRule{Kind: RetainAll}}
}

// KeepLast returns the policy keeping the newest n versions of each chain.
func KeepLast(n int) RetentionPolicy {
	return RetentionPolicy{Default: RetentionRule{Kind: RetainLast, Keep: n}}
}

// KeepFor returns the policy keeping versions younger than d.
func KeepFor(d time.Duration) RetentionPolicy {
	return RetentionPolicy{Default: RetentionRule{Kind: RetainFor, For: d}}
}

// WithOverride returns a copy of the policy with a per-primitive override.
func (p RetentionPolicy) WithOverride(pt PrimitiveType, r RetentionRule) RetentionPolicy {
	out := p
	out.Overrides = make(map[PrimitiveType]RetentionRule, len(p.Overrides)+1)
	for k, v := range p.Overrides {
		out.Overrides[k] = v
	}
	out.Overrides[pt] = r
	return out
}

// ShouldRetain is the single decision point of retention enforcement.
func (p RetentionPolicy) ShouldRetain(v Version, timestamp int64, retainedAbove int, now time.Time, pt PrimitiveType) bool {
	rule := p.Default
	if r, ok := p.Overrides[pt]; ok {
		rule = r
	}
	if rule.Kind == 0 {
		rule = RetentionRule{Kind: RetainAll}
	}
	return rule.ShouldRetain(v, timestamp, retainedAbove, now)
}

// RetentionPolicyKey is the logical key of the per-run retention policy entry
// in the system namespace.
const RetentionPolicyKey = "retention-policy"

// RetentionRef returns the entity ref under which the run's retention policy
// is stored.
func RetentionRef(run RunID) EntityRef {
	return EntityRef{Run: run, Primitive: PrimitiveSystem, Key: RetentionPolicyKey}
}
