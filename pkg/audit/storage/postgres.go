package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"mercator-hq/spendguard/pkg/audit"
)

// PostgresSchema creates the violation log table for PostgreSQL.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS violations (
    id TEXT PRIMARY KEY,
    evaluation_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    rule_name TEXT NOT NULL,
    rule_version BIGINT NOT NULL,
    rule_type TEXT NOT NULL,
    scope_target_id TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    attempted_amount NUMERIC NOT NULL,
    currency TEXT NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    action_taken TEXT NOT NULL,
    reason TEXT NOT NULL,
    approval_id TEXT,
    grant_id TEXT,
    resolution_status TEXT NOT NULL,
    reviewed_by TEXT,
    reviewed_at TIMESTAMPTZ,
    review_note TEXT
);

CREATE INDEX IF NOT EXISTS idx_violations_occurred_at ON violations(occurred_at);
CREATE INDEX IF NOT EXISTS idx_violations_rule_id ON violations(rule_id);
CREATE INDEX IF NOT EXISTS idx_violations_scope_target ON violations(scope_target_id);
CREATE INDEX IF NOT EXISTS idx_violations_actor_id ON violations(actor_id);
CREATE INDEX IF NOT EXISTS idx_violations_evaluation_id ON violations(evaluation_id);
CREATE INDEX IF NOT EXISTS idx_violations_resolution ON violations(resolution_status);
`

// PostgresStorage implements audit.Storage on PostgreSQL through a pgx
// connection pool. Amounts are stored as NUMERIC and round-trip through
// their decimal string form.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStorage connects to dsn and creates the schema.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, audit.NewStorageError("postgres", "open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, audit.NewStorageError("postgres", "ping", err)
	}
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		pool.Close()
		return nil, audit.NewStorageError("postgres", "create_schema", err)
	}

	logger := slog.Default().With("component", "audit.storage.postgres")
	logger.Info("PostgreSQL storage initialized")
	return &PostgresStorage{pool: pool, logger: logger}, nil
}

func postgresPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func postgresTime(v any) any { return v }

// Append stores every violation in one transaction.
func (s *PostgresStorage) Append(ctx context.Context, violations []*audit.Violation) error {
	if len(violations) == 0 {
		return nil
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, v := range violations {
			batch.Queue(`INSERT INTO violations (`+violationColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
				v.ID, v.EvaluationID, v.RuleID, v.RuleName, v.RuleVersion, v.RuleType,
				v.ScopeTargetID, v.ActorID, v.AttemptedAmount.String(), v.Currency, v.Timestamp,
				string(v.Action), v.Reason, nullable(v.ApprovalID), nullable(v.GrantID),
				string(v.ResolutionStatus), nullable(v.ReviewedBy), v.ReviewedAt, nullable(v.ReviewNote),
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return audit.NewStorageError("postgres", "append", err)
	}
	return nil
}

// selectColumns reads the amount back as text so decimal parsing is exact.
const selectColumns = `id, evaluation_id, rule_id, rule_name, rule_version, rule_type,
	scope_target_id, actor_id, attempted_amount::text, currency, occurred_at, action_taken, reason,
	approval_id, grant_id, resolution_status, reviewed_by, reviewed_at, review_note`

// Get returns a violation by ID.
func (s *PostgresStorage) Get(ctx context.Context, id string) (*audit.Violation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM violations WHERE id = $1`, id)
	v, err := scanPostgresRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, audit.ErrViolationNotFound
	}
	if err != nil {
		return nil, audit.NewStorageError("postgres", "get", err)
	}
	return v, nil
}

func (s *PostgresStorage) selectQuery(q *audit.Query) (string, []any) {
	where, args := buildWhere(q, postgresPlaceholder, postgresTime)
	return `SELECT ` + selectColumns + ` FROM violations` + where +
		orderAndPage(q, "attempted_amount", ""), args
}

// Query retrieves violations matching the query filters.
func (s *PostgresStorage) Query(ctx context.Context, q *audit.Query) ([]*audit.Violation, error) {
	sqlQuery, args := s.selectQuery(q)
	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, audit.NewStorageError("postgres", "query", err)
	}
	defer rows.Close()

	results := []*audit.Violation{}
	for rows.Next() {
		v, err := scanPostgresRow(rows)
		if err != nil {
			return nil, audit.NewStorageError("postgres", "scan", err)
		}
		results = append(results, v)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStorageError("postgres", "query", err)
	}
	return results, nil
}

// QueryStream streams violations matching the query filters.
func (s *PostgresStorage) QueryStream(ctx context.Context, q *audit.Query) (<-chan *audit.Violation, <-chan error, error) {
	out := make(chan *audit.Violation, 100)
	errCh := make(chan error, 1)
	sqlQuery, args := s.selectQuery(q)

	go func() {
		defer close(out)
		defer close(errCh)

		rows, err := s.pool.Query(ctx, sqlQuery, args...)
		if err != nil {
			errCh <- audit.NewStorageError("postgres", "query_stream", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			v, err := scanPostgresRow(rows)
			if err != nil {
				errCh <- audit.NewStorageError("postgres", "scan", err)
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
			errCh <- audit.NewStorageError("postgres", "query_stream", err)
		}
	}()

	return out, errCh, nil
}

// Count returns the number of violations matching the query filters.
func (s *PostgresStorage) Count(ctx context.Context, q *audit.Query) (int64, error) {
	where, args := buildWhere(q, postgresPlaceholder, postgresTime)
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM violations"+where, args...).Scan(&count); err != nil {
		return 0, audit.NewStorageError("postgres", "count", err)
	}
	return count, nil
}

// UpdateResolution sets the review fields of a violation.
func (s *PostgresStorage) UpdateResolution(ctx context.Context, u audit.ResolutionUpdate) (*audit.Violation, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE violations
		SET resolution_status = $1, reviewed_by = $2, reviewed_at = $3, review_note = $4
		WHERE id = $5
		RETURNING `+selectColumns,
		string(u.Status), nullable(u.ReviewedBy), u.ReviewedAt, nullable(u.Note), u.ID)
	v, err := scanPostgresRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, audit.ErrViolationNotFound
	}
	if err != nil {
		return nil, audit.NewStorageError("postgres", "update_resolution", err)
	}
	return v, nil
}

// Close closes the pool.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	s.logger.Info("PostgreSQL storage closed")
	return nil
}

func scanPostgresRow(row pgx.Row) (*audit.Violation, error) {
	var (
		v                                           audit.Violation
		amount, action, resolution                  string
		approvalID, grantID, reviewedBy, reviewNote *string
		reviewedAt                                  *time.Time
	)
	err := row.Scan(
		&v.ID, &v.EvaluationID, &v.RuleID, &v.RuleName, &v.RuleVersion, &v.RuleType,
		&v.ScopeTargetID, &v.ActorID, &amount, &v.Currency, &v.Timestamp,
		&action, &v.Reason, &approvalID, &grantID,
		&resolution, &reviewedBy, &reviewedAt, &reviewNote,
	)
	if err != nil {
		return nil, err
	}

	if v.AttemptedAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	v.Timestamp = v.Timestamp.UTC()
	v.Action = audit.Action(action)
	v.ResolutionStatus = audit.Resolution(resolution)
	v.ApprovalID = deref(approvalID)
	v.GrantID = deref(grantID)
	v.ReviewedBy = deref(reviewedBy)
	v.ReviewNote = deref(reviewNote)
	if reviewedAt != nil {
		t := reviewedAt.UTC()
		v.ReviewedAt = &t
	}
	return &v, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
