package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"mercator-hq/spendguard/pkg/audit"
)

// SQLiteConfig contains configuration for the SQLite storage backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections to the database.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int

	// WALMode enables Write-Ahead Logging mode for better concurrency.
	// Default: true
	WALMode bool

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/violations.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteStorage implements audit.Storage using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	config *SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteStorage opens the database and creates the schema.
func NewSQLiteStorage(config *SQLiteConfig) (*SQLiteStorage, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5 * time.Second
	}

	logger := slog.Default().With("component", "audit.storage.sqlite")

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "open", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)

	s := &SQLiteStorage{db: db, config: config, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite storage initialized",
		"path", config.Path,
		"wal_mode", config.WALMode,
		"max_open_conns", config.MaxOpenConns,
	)
	return s, nil
}

func (s *SQLiteStorage) initialize() error {
	if s.config.WALMode {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return audit.NewStorageError("sqlite", "enable_wal", err)
		}
	}

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", s.config.BusyTimeout.Milliseconds())); err != nil {
		return audit.NewStorageError("sqlite", "set_busy_timeout", err)
	}

	if _, err := s.db.Exec(Schema); err != nil {
		return audit.NewStorageError("sqlite", "create_schema", err)
	}
	if _, err := s.db.Exec(InsertSchemaVersion, SchemaVersion); err != nil {
		return audit.NewStorageError("sqlite", "insert_schema_version", err)
	}

	var version int
	err := s.db.QueryRow(GetSchemaVersion).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return audit.NewStorageError("sqlite", "get_schema_version", err)
	}
	if version != SchemaVersion {
		return audit.NewStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}
	return nil
}

func sqlitePlaceholder(int) string { return "?" }

func sqliteTime(v any) any {
	return v.(time.Time).UnixNano()
}

// Append stores every violation in one transaction.
func (s *SQLiteStorage) Append(ctx context.Context, violations []*audit.Violation) (err error) {
	if len(violations) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.NewStorageError("sqlite", "append", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO violations (`+violationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return audit.NewStorageError("sqlite", "append", err)
	}
	defer stmt.Close()

	for _, v := range violations {
		var reviewedAt any
		if v.ReviewedAt != nil {
			reviewedAt = v.ReviewedAt.UnixNano()
		}
		_, err = stmt.ExecContext(ctx,
			v.ID, v.EvaluationID, v.RuleID, v.RuleName, v.RuleVersion, v.RuleType,
			v.ScopeTargetID, v.ActorID, v.AttemptedAmount.String(), v.Currency, v.Timestamp.UnixNano(),
			string(v.Action), v.Reason, nullable(v.ApprovalID), nullable(v.GrantID),
			string(v.ResolutionStatus), nullable(v.ReviewedBy), reviewedAt, nullable(v.ReviewNote),
		)
		if err != nil {
			return audit.NewStorageError("sqlite", "append", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return audit.NewStorageError("sqlite", "append", err)
	}
	return nil
}

// Get returns a violation by ID.
func (s *SQLiteStorage) Get(ctx context.Context, id string) (*audit.Violation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+violationColumns+` FROM violations WHERE id = ?`, id)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "get", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, audit.NewStorageError("sqlite", "get", err)
		}
		return nil, audit.ErrViolationNotFound
	}
	v, err := scanSQLiteRow(rows)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "scan", err)
	}
	return v, nil
}

func (s *SQLiteStorage) selectQuery(q *audit.Query) (string, []any) {
	where, args := buildWhere(q, sqlitePlaceholder, sqliteTime)
	return `SELECT ` + violationColumns + ` FROM violations` + where +
		orderAndPage(q, "CAST(attempted_amount AS REAL)", "-1"), args
}

// Query retrieves violations matching the query filters.
func (s *SQLiteStorage) Query(ctx context.Context, q *audit.Query) ([]*audit.Violation, error) {
	sqlQuery, args := s.selectQuery(q)
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "query", err)
	}
	defer rows.Close()

	results := []*audit.Violation{}
	for rows.Next() {
		v, err := scanSQLiteRow(rows)
		if err != nil {
			return nil, audit.NewStorageError("sqlite", "scan", err)
		}
		results = append(results, v)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStorageError("sqlite", "query", err)
	}
	return results, nil
}

// QueryStream streams violations matching the query filters.
func (s *SQLiteStorage) QueryStream(ctx context.Context, q *audit.Query) (<-chan *audit.Violation, <-chan error, error) {
	out := make(chan *audit.Violation, 100)
	errCh := make(chan error, 1)
	sqlQuery, args := s.selectQuery(q)

	go func() {
		defer close(out)
		defer close(errCh)

		rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
		if err != nil {
			errCh <- audit.NewStorageError("sqlite", "query_stream", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			v, err := scanSQLiteRow(rows)
			if err != nil {
				errCh <- audit.NewStorageError("sqlite", "scan", err)
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- v:
			}
		}
		if err := rows.Err(); err != nil {
			errCh <- audit.NewStorageError("sqlite", "query_stream", err)
		}
	}()

	return out, errCh, nil
}

// Count returns the number of violations matching the query filters.
func (s *SQLiteStorage) Count(ctx context.Context, q *audit.Query) (int64, error) {
	where, args := buildWhere(q, sqlitePlaceholder, sqliteTime)
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM violations"+where, args...).Scan(&count); err != nil {
		return 0, audit.NewStorageError("sqlite", "count", err)
	}
	return count, nil
}

// UpdateResolution sets the review fields of a violation.
func (s *SQLiteStorage) UpdateResolution(ctx context.Context, u audit.ResolutionUpdate) (*audit.Violation, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE violations
		SET resolution_status = ?, reviewed_by = ?, reviewed_at = ?, review_note = ?
		WHERE id = ?`,
		string(u.Status), nullable(u.ReviewedBy), u.ReviewedAt.UnixNano(), nullable(u.Note), u.ID)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "update_resolution", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "update_resolution", err)
	}
	if n == 0 {
		return nil, audit.ErrViolationNotFound
	}
	return s.Get(ctx, u.ID)
}

// Close releases the database.
func (s *SQLiteStorage) Close() error {
	if err := s.db.Close(); err != nil {
		return audit.NewStorageError("sqlite", "close", err)
	}
	s.logger.Info("SQLite storage closed")
	return nil
}

func scanSQLiteRow(rows *sql.Rows) (*audit.Violation, error) {
	var (
		v                                           audit.Violation
		amount, action, resolution                  string
		occurredAt                                  int64
		approvalID, grantID, reviewedBy, reviewNote sql.NullString
		reviewedAt                                  sql.NullInt64
	)
	err := rows.Scan(
		&v.ID, &v.EvaluationID, &v.RuleID, &v.RuleName, &v.RuleVersion, &v.RuleType,
		&v.ScopeTargetID, &v.ActorID, &amount, &v.Currency, &occurredAt,
		&action, &v.Reason, &approvalID, &grantID,
		&resolution, &reviewedBy, &reviewedAt, &reviewNote,
	)
	if err != nil {
		return nil, err
	}

	if v.AttemptedAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	v.Timestamp = time.Unix(0, occurredAt).UTC()
	v.Action = audit.Action(action)
	v.ResolutionStatus = audit.Resolution(resolution)
	v.ApprovalID = approvalID.String
	v.GrantID = grantID.String
	v.ReviewedBy = reviewedBy.String
	v.ReviewNote = reviewNote.String
	if reviewedAt.Valid {
		t := time.Unix(0, reviewedAt.Int64).UTC()
		v.ReviewedAt = &t
	}
	return &v, nil
}
