// Package audit defines the violation log: the Violation record, the
// Storage interface its backends implement, and the errors they return.
//
// Subpackages:
//
//   - storage: memory, SQLite and PostgreSQL backends
//   - query: query validation and defaults
//   - export: JSON and CSV exporters
//   - recorder: the service the engine and the API write through
//
// Violations are append-only. The only mutation is a resolution update,
// which sets the review status, reviewer, review time and note.
package audit
