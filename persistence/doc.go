// Package persistence writes and reads checkpoint files.
//
// A checkpoint is a consistent point-in-time image of every version chain
// whose commits are at or below a watermark txn id. Checkpoints are written
// to a temp file and renamed into place, so a partially written checkpoint
// is never visible under its final name. Each file carries a whole-file
// CRC32 so recovery can reject damaged snapshots outright.
package persistence
