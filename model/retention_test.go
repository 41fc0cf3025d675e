package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetentionKeepAll(t *testing.T) {
	p := KeepAll()
	now := time.Now()
	assert.True(t, p.ShouldRetain(TxnVersion(1), 0, 1000, now, PrimitiveKV))
}

func TestRetentionKeepLast(t *testing.T) {
	p := KeepLast(2)
	now := time.Now()

	assert.True(t, p.ShouldRetain(TxnVersion(3), now.UnixNano(), 0, now, PrimitiveKV))
	assert.True(t, p.ShouldRetain(TxnVersion(2), now.UnixNano(), 1, now, PrimitiveKV))
	assert.False(t, p.ShouldRetain(TxnVersion(1), now.UnixNano(), 2, now, PrimitiveKV))
}

func TestRetentionKeepFor(t *testing.T) {
	p := KeepFor(time.Hour)
	now := time.Now()

	fresh := now.Add(-30 * time.Minute).UnixNano()
	stale := now.Add(-2 * time.Hour).UnixNano()

	assert.True(t, p.ShouldRetain(TxnVersion(1), fresh, 0, now, PrimitiveKV))
	assert.False(t, p.ShouldRetain(TxnVersion(1), stale, 0, now, PrimitiveKV))
}

func TestRetentionOverrides(t *testing.T) {
	p := KeepAll().WithOverride(PrimitiveEvent, RetentionRule{Kind: RetainLast, Keep: 1})
	now := time.Now()

	// KV follows the default.
	assert.True(t, p.ShouldRetain(TxnVersion(1), 0, 99, now, PrimitiveKV))
	// Events follow the override.
	assert.True(t, p.ShouldRetain(SequenceVersion(2), 0, 0, now, PrimitiveEvent))
	assert.False(t, p.ShouldRetain(SequenceVersion(1), 0, 1, now, PrimitiveEvent))
}

func TestRetentionZeroRuleKeepsEverything(t *testing.T) {
	// A zero-valued policy (e.g. decoded from an empty entry) must fail open.
	var p RetentionPolicy
	assert.True(t, p.ShouldRetain(TxnVersion(1), 0, 1<<20, time.Now(), PrimitiveKV))
}

func TestStoredValueExpiry(t *testing.T) {
	now := time.Now()
	sv := StoredValue{Timestamp: now.UnixNano(), TTL: time.Minute}

	assert.False(t, sv.Expired(now))
	assert.False(t, sv.Expired(now.Add(59*time.Second)))
	assert.True(t, sv.Expired(now.Add(time.Minute)))

	noTTL := StoredValue{Timestamp: now.UnixNano()}
	assert.False(t, noTTL.Expired(now.Add(100*time.Hour)))
}
