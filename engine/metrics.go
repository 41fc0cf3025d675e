package engine

import "time"

// MetricsObserver receives engine events. Implementations must be safe for
// concurrent use and must not block; the engine calls them on hot paths.
type MetricsObserver interface {
	// OnCommit is called after a successful commit with the op count and
	// total commit latency.
	OnCommit(ops int, d time.Duration)

	// OnConflict is called when commit validation fails.
	OnConflict(cas bool)

	// OnCheckpoint is called after a checkpoint is written.
	OnCheckpoint(id uint64, chains int, d time.Duration)

	// OnCompaction is called after a compaction pass.
	OnCompaction(segmentsDropped, chainsTrimmed int, d time.Duration)

	// OnRecovery is called once after startup recovery.
	OnRecovery(replayed int, d time.Duration)
}

// NoopMetrics discards all events.
type NoopMetrics struct{}

func (NoopMetrics) OnCommit(int, time.Duration)            {}
func (NoopMetrics) OnConflict(bool)                        {}
func (NoopMetrics) OnCheckpoint(uint64, int, time.Duration) {}
func (NoopMetrics) OnCompaction(int, int, time.Duration)   {}
func (NoopMetrics) OnRecovery(int, time.Duration)          {}
