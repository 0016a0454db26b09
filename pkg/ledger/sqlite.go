package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteBackend stores counters in a SQLite database. It suits single-node
// deployments that must keep usage across restarts.
//
// Writes are serialized through a single connection; each Apply runs in one
// transaction so multi-key commits are all-or-nothing.
type SQLiteBackend struct {
	db               *sql.DB
	checkpointPeriod time.Duration
	done             chan struct{}
	mu               sync.Mutex
	closeOnce        sync.Once
}

// SQLiteBackendConfig configures the SQLite backend.
type SQLiteBackendConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteBackend opens (or creates) the database and its schema.
func NewSQLiteBackend(cfg SQLiteBackendConfig) (*SQLiteBackend, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.DBPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	backend := &SQLiteBackend{
		db:               db,
		checkpointPeriod: cfg.CheckpointInterval,
		done:             make(chan struct{}),
	}

	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go backend.checkpointLoop()

	return backend, nil
}

func (s *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_counters (
		rule_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		amount TEXT NOT NULL,
		count INTEGER NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (rule_id, target_id, window_start)
	);

	CREATE INDEX IF NOT EXISTS idx_usage_archived ON usage_counters(archived, window_end);

	CREATE TABLE IF NOT EXISTS usage_receipts (
		evaluation_id TEXT PRIMARY KEY,
		increments TEXT NOT NULL,
		committed_at INTEGER NOT NULL,
		released_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_receipts_committed ON usage_receipts(committed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Current returns the counter for key in window.
func (s *SQLiteBackend) Current(ctx context.Context, key Key, window Window, now time.Time) (*Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, ok, err := liveStart(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if ok && window.Start.Unix() < live {
		return nil, staleWindowError(key, window, live)
	}
	if err := rotate(ctx, s.db, key, window); err != nil {
		return nil, err
	}
	return loadCounter(ctx, s.db, key, window)
}

// Apply applies every increment in one transaction.
func (s *SQLiteBackend) Apply(ctx context.Context, incs []Increment, now time.Time) (err error) {
	if len(incs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrStorageFailure, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	next := make([]*Counter, len(incs))
	for i, inc := range incs {
		live, ok, err := liveStart(ctx, tx, inc.Key)
		if err != nil {
			return err
		}
		stale := ok && inc.Window.Start.Unix() < live
		if stale && !inc.releasing() {
			return staleWindowError(inc.Key, inc.Window, live)
		}
		if !stale {
			if err := rotate(ctx, tx, inc.Key, inc.Window); err != nil {
				return err
			}
		}
		c, err := loadCounter(ctx, tx, inc.Key, inc.Window)
		if err != nil {
			return err
		}
		if stale {
			c.Archived = true
		}
		if err := checkCeiling(inc, c.Amount, c.Count); err != nil {
			return err
		}
		c.Amount, c.Count = apply(inc, c.Amount, c.Count)
		c.UpdatedAt = now
		next[i] = c
	}

	for _, c := range next {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO usage_counters (rule_id, target_id, window_start, window_end, amount, count, archived, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (rule_id, target_id, window_start) DO UPDATE SET
				amount = excluded.amount,
				count = excluded.count,
				updated_at = excluded.updated_at
		`, c.RuleID, c.ScopeTargetID, c.WindowStart.Unix(), c.WindowEnd.Unix(),
			c.Amount.String(), c.Count, boolToInt(c.Archived), c.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("%w: save counter: %v", ErrStorageFailure, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorageFailure, err)
	}
	return nil
}

// liveStart returns the newest window start stored for key. Older windows
// are always archived, so it identifies the live counter.
func liveStart(ctx context.Context, q querier, key Key) (int64, bool, error) {
	var start sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(window_start) FROM usage_counters WHERE rule_id = ? AND target_id = ?
	`, key.RuleID, key.ScopeTargetID).Scan(&start)
	if err != nil {
		return 0, false, fmt.Errorf("%w: read live window: %v", ErrStorageFailure, err)
	}
	return start.Int64, start.Valid, nil
}

// rotate archives the key's live counters from windows before window.
func rotate(ctx context.Context, q querier, key Key, window Window) error {
	_, err := q.ExecContext(ctx, `
		UPDATE usage_counters SET archived = 1
		WHERE rule_id = ? AND target_id = ? AND archived = 0 AND window_start < ?
	`, key.RuleID, key.ScopeTargetID, window.Start.Unix())
	if err != nil {
		return fmt.Errorf("%w: rotate counter: %v", ErrStorageFailure, err)
	}
	return nil
}

func loadCounter(ctx context.Context, q querier, key Key, window Window) (*Counter, error) {
	var (
		amount    string
		count     int64
		archived  int
		updatedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT amount, count, archived, updated_at FROM usage_counters
		WHERE rule_id = ? AND target_id = ? AND window_start = ?
	`, key.RuleID, key.ScopeTargetID, window.Start.Unix()).Scan(&amount, &count, &archived, &updatedAt)

	c := &Counter{Key: key, WindowStart: window.Start, WindowEnd: window.End, Amount: decimal.Zero}
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load counter: %v", ErrStorageFailure, err)
	}

	c.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt amount %q: %v", ErrStorageFailure, amount, err)
	}
	c.Count = count
	c.Archived = archived != 0
	c.UpdatedAt = time.Unix(0, updatedAt)
	return c, nil
}

// Archived returns rotated counters for key, oldest first.
func (s *SQLiteBackend) Archived(ctx context.Context, key Key) ([]*Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT window_start, window_end, amount, count, updated_at FROM usage_counters
		WHERE rule_id = ? AND target_id = ? AND archived = 1
		ORDER BY window_start ASC
	`, key.RuleID, key.ScopeTargetID)
	if err != nil {
		return nil, fmt.Errorf("%w: list archived: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	var out []*Counter
	for rows.Next() {
		var (
			start, end, updatedAt int64
			amount                string
			count                 int64
		)
		if err := rows.Scan(&start, &end, &amount, &count, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", ErrStorageFailure, err)
		}
		a, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt amount %q: %v", ErrStorageFailure, amount, err)
		}
		out = append(out, &Counter{
			Key:         key,
			WindowStart: time.Unix(start, 0),
			WindowEnd:   time.Unix(end, 0),
			Amount:      a,
			Count:       count,
			Archived:    true,
			UpdatedAt:   time.Unix(0, updatedAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %v", ErrStorageFailure, err)
	}
	return out, nil
}

// PruneArchived deletes archived counters whose window ended before t.
func (s *SQLiteBackend) PruneArchived(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_counters WHERE archived = 1 AND window_end < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %v", ErrStorageFailure, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// SaveReceipt records what an evaluation committed.
func (s *SQLiteBackend) SaveReceipt(ctx context.Context, r *Receipt) error {
	data, err := json.Marshal(r.Increments)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_receipts (evaluation_id, increments, committed_at) VALUES (?, ?, ?)
		ON CONFLICT (evaluation_id) DO NOTHING
	`, r.EvaluationID, string(data), r.CommittedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: save receipt: %v", ErrStorageFailure, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicateReceipt
	}
	return nil
}

// ClaimReceipt marks an evaluation's receipt released and returns it.
func (s *SQLiteBackend) ClaimReceipt(ctx context.Context, evaluationID string, now time.Time) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		data        string
		committedAt int64
		releasedAt  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT increments, committed_at, released_at FROM usage_receipts WHERE evaluation_id = ?
	`, evaluationID).Scan(&data, &committedAt, &releasedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrReceiptNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: load receipt: %v", ErrStorageFailure, err)
	case releasedAt.Valid:
		return nil, ErrAlreadyReleased
	}

	r := &Receipt{EvaluationID: evaluationID, CommittedAt: time.Unix(0, committedAt), ReleasedAt: now}
	if err := json.Unmarshal([]byte(data), &r.Increments); err != nil {
		return nil, fmt.Errorf("%w: corrupt receipt %s: %v", ErrStorageFailure, evaluationID, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE usage_receipts SET released_at = ? WHERE evaluation_id = ?`,
		now.UnixNano(), evaluationID); err != nil {
		return nil, fmt.Errorf("%w: claim receipt: %v", ErrStorageFailure, err)
	}
	return r, nil
}

// UnclaimReceipt clears the release mark.
func (s *SQLiteBackend) UnclaimReceipt(ctx context.Context, evaluationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE usage_receipts SET released_at = NULL WHERE evaluation_id = ?`, evaluationID); err != nil {
		return fmt.Errorf("%w: unclaim receipt: %v", ErrStorageFailure, err)
	}
	return nil
}

// PruneReceipts deletes receipts committed before t.
func (s *SQLiteBackend) PruneReceipts(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_receipts WHERE committed_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: prune receipts: %v", ErrStorageFailure, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// Ping checks the database connection.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database. It is idempotent.
func (s *SQLiteBackend) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.done)
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *SQLiteBackend) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
