// Package checkpoint persists orchestration state after every graph step so a
// session can be listed, inspected and resumed.
//
// Snapshots are opaque to this package: Data carries the JSON-encoded session
// state produced by the orchestrator. Two backends exist, an in-process
// MemoryStore and a SQLiteStore for durability across restarts. Service wraps
// either with tracing and counters.
package checkpoint
