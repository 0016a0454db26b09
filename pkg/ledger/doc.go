// Package ledger tracks cumulative usage per rule, per scope target, per
// calendar window.
//
// # Windows
//
// Hourly, daily, weekly (Monday start) and monthly windows are computed in a
// configured timezone. A key has at most one live counter. When a read or
// write arrives for a later window, the previous counter is archived and a
// zero counter takes its place; archived counters are kept for reporting
// until PruneArchived removes them.
//
// # Commits
//
// Usage only changes through Commit (and Release, its inverse). A commit
// carries one Increment per rule with the ceiling the evaluation checked
// against. The backend re-checks every ceiling under exclusive access to the
// touched keys and applies all increments or none; a failed check returns
// ErrConflict so the caller can re-evaluate on fresh usage. This keeps the
// limit invariant under any interleaving of concurrent evaluations.
//
// Every commit records a Receipt under its evaluation ID. Release reverses
// the receipt at most once; caller-supplied increments are never trusted.
// Windows older than the live counter are read-only except for releases.
//
// # Backends
//
//   - MemoryBackend: per-key lock arena, single process
//   - SQLiteBackend: one transaction per commit, survives restarts
//   - RedisBackend: WATCH/MULTI optimistic transactions, shared by instances
package ledger
