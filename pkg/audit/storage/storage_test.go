package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/spendguard/pkg/audit"
)

var baseTime = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

func violation(id, rule, actor string, amount int64, action audit.Action, offset time.Duration) *audit.Violation {
	return &audit.Violation{
		ID:               id,
		EvaluationID:     "eval-" + id,
		RuleID:           rule,
		RuleName:         rule + " name",
		RuleVersion:      2,
		RuleType:         "daily-limit",
		ScopeTargetID:    actor,
		ActorID:          actor,
		AttemptedAmount:  decimal.NewFromInt(amount),
		Currency:         "USD",
		Timestamp:        baseTime.Add(offset),
		Action:           action,
		Reason:           "limit exceeded",
		ResolutionStatus: audit.ResolutionUnderReview,
	}
}

func storages(t *testing.T) map[string]func(t *testing.T) audit.Storage {
	out := map[string]func(t *testing.T) audit.Storage{
		"memory": func(t *testing.T) audit.Storage { return NewMemoryStorage() },
		"sqlite": func(t *testing.T) audit.Storage {
			s, err := NewSQLiteStorage(&SQLiteConfig{
				Path:    filepath.Join(t.TempDir(), "violations.db"),
				WALMode: true,
			})
			require.NoError(t, err)
			return s
		},
	}
	if dsn := os.Getenv("SPENDGUARD_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) audit.Storage {
			s, err := NewPostgresStorage(context.Background(), dsn)
			require.NoError(t, err)
			_, err = s.pool.Exec(context.Background(), "TRUNCATE violations")
			require.NoError(t, err)
			return s
		}
	}
	return out
}

func TestStorages(t *testing.T) {
	for name, factory := range storages(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("AppendAndGet", func(t *testing.T) { testAppendAndGet(t, factory(t)) })
			t.Run("AppendIsAtomic", func(t *testing.T) { testAppendIsAtomic(t, factory(t)) })
			t.Run("QueryFilters", func(t *testing.T) { testQueryFilters(t, factory(t)) })
			t.Run("SortAndPaginate", func(t *testing.T) { testSortAndPaginate(t, factory(t)) })
			t.Run("Stream", func(t *testing.T) { testStream(t, factory(t)) })
			t.Run("UpdateResolution", func(t *testing.T) { testUpdateResolution(t, factory(t)) })
		})
	}
}

func testAppendAndGet(t *testing.T, s audit.Storage) {
	defer s.Close()
	ctx := context.Background()

	v := violation("v-1", "treasury-daily", "alice", 300000, audit.ActionBlocked, 0)
	v.ApprovalID = "apr-1"
	require.NoError(t, s.Append(ctx, []*audit.Violation{v}))

	got, err := s.Get(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, "treasury-daily", got.RuleID)
	assert.Equal(t, int64(2), got.RuleVersion)
	assert.True(t, got.AttemptedAmount.Equal(decimal.NewFromInt(300000)), "amount = %s", got.AttemptedAmount)
	assert.True(t, got.Timestamp.Equal(baseTime))
	assert.Equal(t, audit.ActionBlocked, got.Action)
	assert.Equal(t, "apr-1", got.ApprovalID)
	assert.Empty(t, got.GrantID)
	assert.Nil(t, got.ReviewedAt)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, audit.ErrViolationNotFound)
}

func testAppendIsAtomic(t *testing.T, s audit.Storage) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, []*audit.Violation{
		violation("dup", "r", "alice", 1, audit.ActionBlocked, 0),
	}))

	err := s.Append(ctx, []*audit.Violation{
		violation("fresh", "r", "alice", 1, audit.ActionBlocked, time.Second),
		violation("dup", "r", "alice", 1, audit.ActionBlocked, time.Second),
	})
	require.Error(t, err)
	var se *audit.StorageError
	assert.True(t, errors.As(err, &se))

	_, err = s.Get(ctx, "fresh")
	assert.ErrorIs(t, err, audit.ErrViolationNotFound, "a failed batch must not leave partial records")
}

func seed(t *testing.T, s audit.Storage) {
	t.Helper()
	require.NoError(t, s.Append(context.Background(), []*audit.Violation{
		violation("a", "treasury-daily", "alice", 300000, audit.ActionBlocked, 0),
		violation("b", "treasury-daily", "bob", 150000, audit.ActionApprovedWithOverride, time.Minute),
		violation("c", "geo-na", "alice", 20, audit.ActionBlocked, 2*time.Minute),
		violation("d", "mint-velocity", "carol", 5, audit.ActionPendingApproval, 3*time.Minute),
		violation("e", "geo-na", "bob", 1000, audit.ActionAutoApproved, 4*time.Minute),
	}))
}

func testQueryFilters(t *testing.T, s audit.Storage) {
	defer s.Close()
	ctx := context.Background()
	seed(t, s)

	start := baseTime.Add(time.Minute)
	end := baseTime.Add(3 * time.Minute)

	tests := []struct {
		name  string
		query audit.Query
		want  []string
	}{
		{"all", audit.Query{}, []string{"e", "d", "c", "b", "a"}},
		{"by rule", audit.Query{RuleID: "geo-na"}, []string{"e", "c"}},
		{"by actor", audit.Query{ActorID: "alice"}, []string{"c", "a"}},
		{"by target", audit.Query{ScopeTargetID: "bob"}, []string{"e", "b"}},
		{"by evaluation", audit.Query{EvaluationID: "eval-d"}, []string{"d"}},
		{"by action", audit.Query{Action: audit.ActionBlocked}, []string{"c", "a"}},
		{"by time range", audit.Query{StartTime: &start, EndTime: &end}, []string{"d", "c", "b"}},
		{"combined", audit.Query{RuleID: "geo-na", ActorID: "alice"}, []string{"c"}},
		{"no match", audit.Query{RuleID: "nope"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.query
			got, err := s.Query(ctx, &q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))

			n, err := s.Count(ctx, &q)
			require.NoError(t, err)
			assert.Equal(t, int64(len(tt.want)), n)
		})
	}
}

func testSortAndPaginate(t *testing.T, s audit.Storage) {
	defer s.Close()
	ctx := context.Background()
	seed(t, s)

	got, err := s.Query(ctx, &audit.Query{SortBy: "attempted_amount", SortOrder: "desc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "e", "c", "d"}, ids(got))

	got, err = s.Query(ctx, &audit.Query{SortBy: "timestamp", SortOrder: "asc", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(got))

	got, err = s.Query(ctx, &audit.Query{SortBy: "timestamp", SortOrder: "asc", Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, ids(got))

	got, err = s.Query(ctx, &audit.Query{SortBy: "rule_id", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "e", "d", "a", "b"}, ids(got))
}

func testStream(t *testing.T, s audit.Storage) {
	defer s.Close()
	ctx := context.Background()

	batch := make([]*audit.Violation, 0, 250)
	for i := 0; i < 250; i++ {
		batch = append(batch, violation(fmt.Sprintf("s-%03d-%s", i, uuid.NewString()[:8]), "r", "alice", int64(i), audit.ActionBlocked, time.Duration(i)*time.Second))
	}
	require.NoError(t, s.Append(ctx, batch))

	ch, errCh, err := s.QueryStream(ctx, &audit.Query{SortOrder: "asc"})
	require.NoError(t, err)

	count := 0
	var last time.Time
	for v := range ch {
		assert.False(t, v.Timestamp.Before(last), "stream out of order")
		last = v.Timestamp
		count++
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, 250, count)
}

func testUpdateResolution(t *testing.T, s audit.Storage) {
	defer s.Close()
	ctx := context.Background()
	seed(t, s)

	reviewedAt := baseTime.Add(time.Hour)
	got, err := s.UpdateResolution(ctx, audit.ResolutionUpdate{
		ID:         "a",
		Status:     audit.ResolutionResolved,
		ReviewedBy: "auditor",
		ReviewedAt: reviewedAt,
		Note:       "duplicate transfer, reversed",
	})
	require.NoError(t, err)
	assert.Equal(t, audit.ResolutionResolved, got.ResolutionStatus)
	assert.Equal(t, "auditor", got.ReviewedBy)
	require.NotNil(t, got.ReviewedAt)
	assert.True(t, got.ReviewedAt.Equal(reviewedAt))

	// The record itself is unchanged.
	assert.True(t, got.AttemptedAmount.Equal(decimal.NewFromInt(300000)))
	assert.Equal(t, audit.ActionBlocked, got.Action)

	resolved, err := s.Query(ctx, &audit.Query{ResolutionStatus: audit.ResolutionResolved})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(resolved))

	_, err = s.UpdateResolution(ctx, audit.ResolutionUpdate{ID: "missing", Status: audit.ResolutionResolved, ReviewedAt: reviewedAt})
	assert.ErrorIs(t, err, audit.ErrViolationNotFound)
}

func ids(vs []*audit.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.ID)
	}
	return out
}
