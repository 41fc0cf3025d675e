// Package engine implements the transactional core: the sharded in-memory
// version store, optimistic transactions with first-committer-wins
// validation, startup recovery, retention and compaction.
//
// Concurrency model: each run has one commit lock; commits validate and
// apply under it. Reads never lock. They resolve against immutable chain
// states swapped in atomically, so a read sees either the state before a
// commit or after it, never between.
package engine
