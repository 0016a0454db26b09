package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/spendguard/pkg/rules"
)

func dailyRule(id string, limit int64) *rules.Rule {
	return &rules.Rule{
		ID:        id,
		Name:      id,
		Type:      rules.TypeDaily,
		Scope:     rules.ScopeUser,
		AppliesTo: []string{"*"},
		Priority:  1,
		Status:    rules.StatusActive,
		Enforced:  true,
		Limit: rules.LimitSpec{Amount: &rules.AmountLimit{
			Amount:    decimal.NewFromInt(limit),
			Currency:  "USD",
			Timeframe: rules.TimeframeDaily,
		}},
	}
}

func hourlyVelocityRule(id string, max int64) *rules.Rule {
	return &rules.Rule{
		ID:        id,
		Name:      id,
		Type:      rules.TypeVelocity,
		Scope:     rules.ScopeUser,
		AppliesTo: []string{"*"},
		Priority:  1,
		Status:    rules.StatusActive,
		Enforced:  true,
		Limit: rules.LimitSpec{Frequency: &rules.FrequencyLimit{
			MaxCount:  max,
			Timeframe: rules.TimeframeHourly,
		}},
	}
}

// amountIncrement builds a ceiling-checked increment for a daily rule at t.
func amountIncrement(t *testing.T, l *Ledger, rule *rules.Rule, target string, amount int64, at time.Time) Increment {
	t.Helper()
	w, ok, err := l.Window(rule, at)
	require.NoError(t, err)
	require.True(t, ok)
	ceiling := rule.Limit.Amount.Amount
	return Increment{
		Key:           KeyFor(rule, target),
		Window:        w,
		Amount:        decimal.NewFromInt(amount),
		Count:         1,
		AmountCeiling: &ceiling,
	}
}

// backendFactories returns every backend the suite can run against here.
func backendFactories(t *testing.T) map[string]func(t *testing.T) Backend {
	factories := map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend { return NewMemoryBackend() },
		"sqlite": func(t *testing.T) Backend {
			b, err := NewSQLiteBackend(SQLiteBackendConfig{
				DBPath: filepath.Join(t.TempDir(), "ledger.db"),
			})
			require.NoError(t, err)
			return b
		},
	}

	if url := os.Getenv("SPENDGUARD_TEST_REDIS_URL"); url != "" {
		factories["redis"] = func(t *testing.T) Backend {
			client, err := NewRedisClient(context.Background(), RedisClientConfig{URL: url})
			require.NoError(t, err)
			prefix := "spendguard:test:" + t.Name() + ":" + time.Now().Format("150405.000000") + ":"
			return NewRedisBackend(client, WithKeyPrefix(prefix))
		}
	}
	return factories
}

func TestBackends(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("CommitAndRead", func(t *testing.T) { testCommitAndRead(t, factory(t)) })
			t.Run("CeilingRejectsWholeCommit", func(t *testing.T) { testCeilingRejectsWholeCommit(t, factory(t)) })
			t.Run("RolloverArchives", func(t *testing.T) { testRolloverArchives(t, factory(t)) })
			t.Run("ReleaseFloorsAtZero", func(t *testing.T) { testReleaseFloorsAtZero(t, factory(t)) })
			t.Run("ReleaseOncePerEvaluation", func(t *testing.T) { testReleaseOncePerEvaluation(t, factory(t)) })
			t.Run("DuplicateEvaluationRejected", func(t *testing.T) { testDuplicateEvaluation(t, factory(t)) })
			t.Run("StaleWindowRejected", func(t *testing.T) { testStaleWindowRejected(t, factory(t)) })
			t.Run("ReleaseIntoRotatedWindow", func(t *testing.T) { testReleaseIntoRotatedWindow(t, factory(t)) })
			t.Run("ConcurrentCommitsRespectCeiling", func(t *testing.T) { testConcurrentCommits(t, factory(t)) })
		})
	}
}

func testCommitAndRead(t *testing.T, b Backend) {
	l := New(Config{Backend: b})
	defer l.Close()
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	rule := dailyRule("daily-100", 100)

	c, err := l.Usage(ctx, rule, "u-1", now)
	require.NoError(t, err)
	assert.True(t, c.Amount.IsZero())
	assert.Equal(t, int64(0), c.Count)

	require.NoError(t, l.Commit(ctx, uuid.NewString(), []Increment{amountIncrement(t, l, rule, "u-1", 40, now)}, now))
	require.NoError(t, l.Commit(ctx, uuid.NewString(), []Increment{amountIncrement(t, l, rule, "u-1", 35, now)}, now))

	c, err = l.Usage(ctx, rule, "u-1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(decimal.NewFromInt(75)), "amount = %s", c.Amount)
	assert.Equal(t, int64(2), c.Count)

	// Other targets are independent.
	other, err := l.Usage(ctx, rule, "u-2", now)
	require.NoError(t, err)
	assert.True(t, other.Amount.IsZero())
}

func testCeilingRejectsWholeCommit(t *testing.T, b Backend) {
	l := New(Config{Backend: b})
	defer l.Close()
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	small := dailyRule("daily-50", 50)
	large := dailyRule("daily-1000", 1000)

	require.NoError(t, l.Commit(ctx, uuid.NewString(), []Increment{amountIncrement(t, l, small, "u-1", 30, now)}, now))

	// The large rule has headroom but the small one does not: nothing applies.
	err := l.Commit(ctx, uuid.NewString(), []Increment{
		amountIncrement(t, l, large, "u-1", 25, now),
		amountIncrement(t, l, small, "u-1", 25, now),
	}, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "daily-50", conflict.Key.RuleID)

	c, err := l.Usage(ctx, large, "u-1", now)
	require.NoError(t, err)
	assert.True(t, c.Amount.IsZero(), "large rule must be untouched, got %s", c.Amount)

	c, err = l.Usage(ctx, small, "u-1", now)
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(decimal.NewFromInt(30)))

	// Exactly reaching the ceiling is allowed.
	require.NoError(t, l.Commit(ctx, uuid.NewString(), []Increment{amountIncrement(t, l, small, "u-1", 20, now)}, now))
}

func testRolloverArchives(t *testing.T, b Backend) {
	l := New(Config{Backend: b})
	defer l.Close()
	ctx := context.Background()
	rule := dailyRule("daily-100", 100)

	lastSecond := time.Date(2026, 3, 4, 23, 59, 59, 0, time.UTC)
	require.NoError(t, l.Commit(ctx, "ev-last-second", []Increment{amountIncrement(t, l, rule, "u-1", 99, lastSecond)}, lastSecond))

	status, err := l.Status(ctx, rule, "u-1", lastSecond)
	require.NoError(t, err)
	assert.Equal(t, BandCritical, status.Band)
	assert.InDelta(t, 99.0, status.Percentage, 0.001)

	nextDay := lastSecond.Add(time.Second)
	c, err := l.Usage(ctx, rule, "u-1", nextDay)
	require.NoError(t, err)
	assert.True(t, c.Amount.IsZero(), "new window must start at zero, got %s", c.Amount)
	assert.True(t, c.WindowStart.Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)))

	require.NoError(t, l.Commit(ctx, uuid.NewString(), []Increment{amountIncrement(t, l, rule, "u-1", 10, nextDay)}, nextDay))

	archived, err := l.Archived(ctx, rule, "u-1")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.True(t, archived[0].Amount.Equal(decimal.NewFromInt(99)))
	assert.True(t, archived[0].Archived)

	// Pruning before the archived window ends keeps it; after removes it.
	n, err := l.PruneArchived(ctx, time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = l.PruneArchived(ctx, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Receipts committed before the cutoff go with the archive.
	_, err = l.Release(ctx, "ev-last-second", nextDay)
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	archived, err = l.Archived(ctx, rule, "u-1")
	require.NoError(t, err)
	assert.Empty(t, archived)

	c, err = l.Usage(ctx, rule, "u-1", nextDay)
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(decimal.NewFromInt(10)), "live counter must survive pruning")
}

func testReleaseFloorsAtZero(t *testing.T, b Backend) {
	l := New(Config{Backend: b})
	defer l.Close()
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	rule := dailyRule("daily-100", 100)

	require.NoError(t, l.Commit(ctx, "ev-1", []Increment{amountIncrement(t, l, rule, "u-1", 60, now)}, now))

	// Usage drops under the first commit's amount through a direct release.
	w, _, err := l.Window(rule, now)
	require.NoError(t, err)
	require.NoError(t, b.Apply(ctx, []Increment{{Key: KeyFor(rule, "u-1"), Window: w, Amount: decimal.NewFromInt(-50), Count: -1}}, now))

	released, err := l.Release(ctx, "ev-1", now)
	require.NoError(t, err)
	require.Len(t, released, 1)

	c, err := l.Usage(ctx, rule, "u-1", now)
	require.NoError(t, err)
	assert.True(t, c.Amount.IsZero(), "release must not go negative, got %s", c.Amount)
	assert.Equal(t, int64(0), c.Count)
}

func testReleaseOncePerEvaluation(t *testing.T, b Backend) {
	l := New(Config{Backend: b})
	defer l.Close()
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	rule := dailyRule("daily-100", 100)

	require.NoError(t, l.Commit(ctx, "ev-a", []Increment{amountIncrement(t, l, rule, "u-1", 60, now)}, now))
	require.NoError(t, l.Commit(ctx, "ev-b", []Increment{amountIncrement(t, l, rule, "u-1", 30, now)}, now))

	released, err := l.Release(ctx, "ev-a", now)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.True(t, released[0].Amount.Equal(decimal.NewFromInt(60)))

	_, err = l.Release(ctx, "ev-a", now)
	assert.ErrorIs(t, err, ErrAlreadyReleased)

	_, err = l.Release(ctx, "ev-unknown", now)
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	// Only ev-a's usage is gone; repeated calls took nothing from ev-b.
	c, err := l.Usage(ctx, rule, "u-1", now)
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(decimal.NewFromInt(30)), "amount = %s", c.Amount)
	assert.Equal(t, int64(1), c.Count)

	// Concurrent releases of one evaluation let exactly one through.
	var (
		wg sync.WaitGroup
		ok atomic.Int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Release(ctx, "ev-b", now); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), ok.Load())
}

func testDuplicateEvaluation(t *testing.T, b Backend) {
	l := New(Config{Backend: b})
	defer l.Close()
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	rule := dailyRule("daily-100", 100)

	require.NoError(t, l.Commit(ctx, "ev-1", []Increment{amountIncrement(t, l, rule, "u-1", 20, now)}, now))

	err := l.Commit(ctx, "ev-1", []Increment{amountIncrement(t, l, rule, "u-1", 20, now)}, now)
	assert.ErrorIs(t, err, ErrDuplicateReceipt)

	c, err := l.Usage(ctx, rule, "u-1", now)
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(decimal.NewFromInt(20)), "rejected commit must be undone, got %s", c.Amount)

	assert.Error(t, l.Commit(ctx, "", []Increment{amountIncrement(t, l, rule, "u-1", 1, now)}, now))
}

func testStaleWindowRejected(t *testing.T, b Backend) {
	l := New(Config{Backend: b})
	defer l.Close()
	ctx := context.Background()
	rule := dailyRule("daily-100", 100)

	today := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	yesterday := today.Add(-24 * time.Hour)

	require.NoError(t, l.Commit(ctx, "ev-today", []Increment{amountIncrement(t, l, rule, "u-1", 90, today)}, today))

	// A backdated read or commit cannot reach the rotated window.
	_, err := l.Usage(ctx, rule, "u-1", yesterday)
	assert.ErrorIs(t, err, ErrStaleWindow)

	err = l.Commit(ctx, "ev-yesterday", []Increment{amountIncrement(t, l, rule, "u-1", 90, yesterday)}, today)
	assert.ErrorIs(t, err, ErrStaleWindow)

	_, err = l.Release(ctx, "ev-yesterday", today)
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	c, err := l.Usage(ctx, rule, "u-1", today)
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(decimal.NewFromInt(90)))
	assert.False(t, c.Archived)
}

func testReleaseIntoRotatedWindow(t *testing.T, b Backend) {
	l := New(Config{Backend: b})
	defer l.Close()
	ctx := context.Background()
	rule := dailyRule("daily-100", 100)

	day1 := time.Date(2026, 3, 4, 18, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	require.NoError(t, l.Commit(ctx, "ev-1", []Increment{amountIncrement(t, l, rule, "u-1", 70, day1)}, day1))
	require.NoError(t, l.Commit(ctx, "ev-2", []Increment{amountIncrement(t, l, rule, "u-1", 15, day2)}, day2))

	_, err := l.Release(ctx, "ev-1", day2)
	require.NoError(t, err)

	archived, err := l.Archived(ctx, rule, "u-1")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.True(t, archived[0].Amount.IsZero(), "archived amount = %s", archived[0].Amount)

	c, err := l.Usage(ctx, rule, "u-1", day2)
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(decimal.NewFromInt(15)), "live counter must be untouched, got %s", c.Amount)
}

func testConcurrentCommits(t *testing.T, b Backend) {
	l := New(Config{Backend: b})
	defer l.Close()
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	rule := dailyRule("daily-1000", 1000)

	const workers = 40
	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Commit(ctx, uuid.NewString(), []Increment{amountIncrement(t, l, rule, "u-1", 100, now)}, now)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrConflict):
			default:
				t.Errorf("unexpected commit error: %v", err)
			}
		}()
	}
	wg.Wait()

	c, err := l.Usage(ctx, rule, "u-1", now)
	require.NoError(t, err)
	assert.True(t, c.Amount.LessThanOrEqual(decimal.NewFromInt(1000)), "ceiling breached: %s", c.Amount)
	assert.True(t, c.Amount.Equal(decimal.NewFromInt(accepted.Load()*100)),
		"amount %s does not match %d accepted commits", c.Amount, accepted.Load())
}

func TestLedger_NonCumulativeRuleHasNoCounter(t *testing.T) {
	l := New(Config{})
	rule := &rules.Rule{
		ID:   "txn-500",
		Type: rules.TypePerTransaction,
		Limit: rules.LimitSpec{Amount: &rules.AmountLimit{
			Amount: decimal.NewFromInt(500), Currency: "USD", Timeframe: rules.TimeframeTransaction,
		}},
	}

	_, ok, err := l.Window(rule, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := l.Usage(context.Background(), rule, "u-1", time.Now())
	require.NoError(t, err)
	assert.True(t, c.Amount.IsZero())
}

func TestLedger_VelocityStatusCountsTransactions(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC)
	rule := hourlyVelocityRule("mint-5", 5)

	w, ok, err := l.Window(rule, now)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 4; i++ {
		inc := Increment{Key: KeyFor(rule, "u-1"), Window: w, Amount: decimal.NewFromInt(1), Count: 1, CountCeiling: 5}
		require.NoError(t, l.Commit(ctx, uuid.NewString(), []Increment{inc}, now))
	}

	status, err := l.Status(ctx, rule, "u-1", now)
	require.NoError(t, err)
	assert.True(t, status.Used.Equal(decimal.NewFromInt(4)))
	assert.True(t, status.Remaining.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, BandWarning, status.Band)
	assert.Equal(t, rules.TimeframeHourly, status.Timeframe)

	// The next hour starts fresh.
	status, err = l.Status(ctx, rule, "u-1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, status.Used.IsZero())
	assert.Equal(t, BandNormal, status.Band)
}

func TestLedger_StatusRequiresUsageLimit(t *testing.T) {
	l := New(Config{})
	rule := &rules.Rule{ID: "geo", Type: rules.TypeGeographic}
	_, err := l.Status(context.Background(), rule, "u-1", time.Now())
	assert.Error(t, err)
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		pct  float64
		want Band
	}{
		{0, BandNormal},
		{74.99, BandNormal},
		{75, BandWarning},
		{89.99, BandWarning},
		{90, BandCritical},
		{120, BandCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BandFor(tt.pct), "pct=%v", tt.pct)
	}
}

func TestLockArena_ReleasesKeys(t *testing.T) {
	a := newLockArena()

	release := a.acquire([]string{"b", "a", "b"})
	assert.Equal(t, 2, a.size())
	release()
	assert.Equal(t, 0, a.size())

	// Overlapping multi-key acquisitions in opposite orders must not deadlock.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.acquire([]string{"x", "y"})()
		}()
		go func() {
			defer wg.Done()
			a.acquire([]string{"y", "x"})()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock arena deadlocked")
	}
	assert.Equal(t, 0, a.size())
}
