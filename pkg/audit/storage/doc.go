// Package storage provides storage backends for the violation log.
//
//   - MemoryStorage: in-process, for tests and single-process deployments
//   - SQLiteStorage: embedded database (mattn/go-sqlite3), WAL mode
//   - PostgresStorage: server deployments (pgx connection pool)
//
// Every backend appends a batch of violations atomically: the engine writes
// all violations of one evaluation in a single Append and treats a failure
// as a reason to undo the evaluation's ledger commit.
//
// # Basic Usage
//
//	store, err := storage.NewSQLiteStorage(&storage.SQLiteConfig{
//	    Path:    "data/violations.db",
//	    WALMode: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package storage
