package strata

import (
	"log/slog"
	"time"

	"github.com/stratadb/strata/blobstore"
	"github.com/stratadb/strata/codec"
	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/persistence"
	"github.com/stratadb/strata/wal"
)

type options struct {
	fsys                 fs.FileSystem
	codec                codec.Codec
	logger               *Logger
	metrics              MetricsCollector
	clock                func() time.Time
	durability           wal.DurabilityMode
	walOptions           []func(*wal.Options)
	compression          persistence.Compression
	txnTimeout           time.Duration
	maxRetries           int
	retryBackoff         time.Duration
	maxBackgroundWorkers int64
	ioLimitBytesPerSec   int64
	compactionWorkers    int
	archive              blobstore.Store
}

// Option configures Open behavior.
type Option func(*options)

// WithDurability selects the write-ahead log durability mode. The default is
// wal.DurabilityBuffered.
func WithDurability(mode wal.DurabilityMode) Option {
	return func(o *options) {
		o.durability = mode
	}
}

// WithWALOptions forwards extra configuration to the WAL writer, such as
// segment size, sync threshold or flush interval.
//
// Example:
//
//	strata.Open(dir,
//	    strata.WithDurability(wal.DurabilityBuffered),
//	    strata.WithWALOptions(func(o *wal.Options) {
//	        o.SegmentSize = 16 * 1024 * 1024
//	        o.FlushInterval = 5 * time.Millisecond
//	    }),
//	)
func WithWALOptions(optFns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walOptions = append(o.walOptions, optFns...)
	}
}

// WithCodec configures the codec used for values the database itself encodes,
// such as retention policies. If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithCompression selects the checkpoint compression algorithm. The default
// is persistence.CompressionZstd.
func WithCompression(c persistence.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithTxnTimeout bounds a transaction's lifetime. A transaction past its
// deadline aborts at commit with ErrTxnTimeout. Zero disables the check.
func WithTxnTimeout(d time.Duration) Option {
	return func(o *options) {
		o.txnTimeout = d
	}
}

// WithMaxRetries bounds Update's automatic conflict retries.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithRetryBackoff sets the base delay between Update retries; each retry
// doubles it.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		o.retryBackoff = d
	}
}

// WithResourceLimits bounds background maintenance: at most maxWorkers
// concurrent background jobs, throttled to ioBytesPerSec of disk throughput.
// Zero means one worker and unlimited IO respectively.
func WithResourceLimits(maxWorkers, ioBytesPerSec int64) Option {
	return func(o *options) {
		o.maxBackgroundWorkers = maxWorkers
		o.ioLimitBytesPerSec = ioBytesPerSec
	}
}

// WithCompactionWorkers sizes the chain-pruning worker pool used by full
// compaction. Non-positive means GOMAXPROCS.
func WithCompactionWorkers(n int) Option {
	return func(o *options) {
		o.compactionWorkers = n
	}
}

// WithArchiveStore configures a blob store that receives WAL segments and
// snapshots retired by compaction before they are deleted locally. Without
// one, compaction deletes them outright.
//
// Example with S3:
//
//	archive, err := s3.NewFromDefaultConfig(ctx, "my-archive-bucket")
//	if err != nil {
//	    return err
//	}
//	db, err := strata.Open(dir, strata.WithArchiveStore(archive))
func WithArchiveStore(store blobstore.Store) Option {
	return func(o *options) {
		o.archive = store
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &strata.BasicMetricsCollector{}
//	db, _ := strata.Open(dir, strata.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithFileSystem swaps the filesystem implementation. Tests use it for fault
// injection.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fsys = fsys
	}
}

// WithClock overrides the time source. Tests use it to control TTL expiry
// and retention ages.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		fsys:        fs.Default,
		codec:       codec.Default,
		logger:      NoopLogger(),
		metrics:     NoopMetricsCollector{},
		clock:       time.Now,
		durability:  wal.DurabilityBuffered,
		compression: persistence.CompressionZstd,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsCollector{}
	}
	return o
}
