// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: Represents an open file with read/write/sync capabilities
//   - [FileSystem]: Abstracts filesystem operations (open, remove, rename, etc.)
//
// # Implementations
//
//   - [LocalFS]: Production implementation using the standard os package
//   - [FaultyFS]: Test utility for fault injection (simulate I/O errors)
//
// Production code should use fs.Default (which is [LocalFS]). Tests inject
// [FaultyFS] to simulate write, fsync, or close failures at exact points,
// which is how the crash-recovery trials exercise torn writes without an
// actual kill.
//
// The package intentionally has no context.Context parameters: local
// filesystem calls are not interruptible at the syscall level.
package fs
