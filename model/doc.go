// Package model defines the shared data types of the storage engine:
// run and database identities, entity references, tagged versions,
// stored values, writesets, and retention policies.
//
// These types are pure data. All behavior that touches shared state
// (version chains, transactions, durability) lives in the engine and
// wal packages.
package model
