package strata

import (
	"sync/atomic"
	"time"

	"github.com/stratadb/strata/engine"
)

// MetricsCollector receives operational events from the engine. Implement it
// to integrate with monitoring systems like Prometheus.
type MetricsCollector = engine.MetricsObserver

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector = engine.NoopMetrics

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	CommitCount      atomic.Int64
	CommitOps        atomic.Int64
	CommitTotalNanos atomic.Int64
	ConflictCount    atomic.Int64
	CASConflicts     atomic.Int64
	CheckpointCount  atomic.Int64
	CompactionCount  atomic.Int64
	SegmentsDropped  atomic.Int64
	ChainsTrimmed    atomic.Int64
	RecoveryReplayed atomic.Int64
}

// OnCommit implements MetricsCollector.
func (b *BasicMetricsCollector) OnCommit(ops int, duration time.Duration) {
	b.CommitCount.Add(1)
	b.CommitOps.Add(int64(ops))
	b.CommitTotalNanos.Add(duration.Nanoseconds())
}

// OnConflict implements MetricsCollector.
func (b *BasicMetricsCollector) OnConflict(cas bool) {
	b.ConflictCount.Add(1)
	if cas {
		b.CASConflicts.Add(1)
	}
}

// OnCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) OnCheckpoint(id uint64, chains int, duration time.Duration) {
	b.CheckpointCount.Add(1)
}

// OnCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) OnCompaction(segmentsDropped, chainsTrimmed int, duration time.Duration) {
	b.CompactionCount.Add(1)
	b.SegmentsDropped.Add(int64(segmentsDropped))
	b.ChainsTrimmed.Add(int64(chainsTrimmed))
}

// OnRecovery implements MetricsCollector.
func (b *BasicMetricsCollector) OnRecovery(replayed int, duration time.Duration) {
	b.RecoveryReplayed.Add(int64(replayed))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CommitCount:      b.CommitCount.Load(),
		CommitOps:        b.CommitOps.Load(),
		CommitAvgNanos:   b.getAvgCommitNanos(),
		ConflictCount:    b.ConflictCount.Load(),
		CASConflicts:     b.CASConflicts.Load(),
		CheckpointCount:  b.CheckpointCount.Load(),
		CompactionCount:  b.CompactionCount.Load(),
		SegmentsDropped:  b.SegmentsDropped.Load(),
		ChainsTrimmed:    b.ChainsTrimmed.Load(),
		RecoveryReplayed: b.RecoveryReplayed.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgCommitNanos() int64 {
	count := b.CommitCount.Load()
	if count == 0 {
		return 0
	}
	return b.CommitTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CommitCount      int64
	CommitOps        int64
	CommitAvgNanos   int64
	ConflictCount    int64
	CASConflicts     int64
	CheckpointCount  int64
	CompactionCount  int64
	SegmentsDropped  int64
	ChainsTrimmed    int64
	RecoveryReplayed int64
}
