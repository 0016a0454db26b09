package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/spendguard/pkg/clock"
	"mercator-hq/spendguard/pkg/rules"
)

func newTestStore() (*Store, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	return New(Config{Clock: clk}), clk
}

func velocityRule(id string) *rules.Rule {
	return &rules.Rule{
		ID:        id,
		Name:      "Mint velocity",
		Type:      rules.TypeVelocity,
		Scope:     rules.ScopeUser,
		AppliesTo: []string{"*"},
		Priority:  5,
		Enforced:  true,
		Limit:     rules.LimitSpec{Frequency: &rules.FrequencyLimit{MaxCount: 5}},
	}
}

func TestStore_CreateStartsAsDraft(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	r := velocityRule("velocity-mint")
	r.Status = rules.StatusActive

	created, err := s.Create(ctx, r, "alice")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusDraft, created.Status)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, "alice", created.CreatedBy)
	assert.Equal(t, rules.TimeframeHourly, created.Limit.Frequency.Timeframe)

	_, err = s.Create(ctx, velocityRule("velocity-mint"), "alice")
	assert.ErrorIs(t, err, rules.ErrRuleExists)
}

func TestStore_CreateRejectsInvalidRule(t *testing.T) {
	s, _ := newTestStore()

	r := velocityRule("broken")
	r.Limit = rules.LimitSpec{}

	_, err := s.Create(context.Background(), r, "alice")
	require.Error(t, err)
	assert.True(t, rules.IsValidationError(err))
	assert.Equal(t, 0, s.Snapshot().Len())
}

func TestStore_Lifecycle(t *testing.T) {
	s, clk := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, velocityRule("v"), "alice")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	active, err := s.Activate(ctx, "v", "bob")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusActive, active.Status)
	assert.Equal(t, int64(2), active.Version)
	assert.Equal(t, "bob", active.UpdatedBy)
	assert.Equal(t, "alice", active.CreatedBy)

	// Activating again is a no-op.
	again, err := s.Activate(ctx, "v", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)

	off, err := s.SetEnforced(ctx, "v", false, "bob")
	require.NoError(t, err)
	assert.False(t, off.Enforced)
	assert.False(t, off.Participates())

	retired, err := s.Retire(ctx, "v", "carol")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusInactive, retired.Status)

	_, err = s.Retire(ctx, "v", "carol")
	assert.ErrorIs(t, err, rules.ErrInvalidTransition)

	versions, err := s.Versions(ctx, "v")
	require.NoError(t, err)
	require.Len(t, versions, 4)
	assert.Equal(t, rules.StatusDraft, versions[0].Status)

	v2, err := s.GetVersion(ctx, "v", 2)
	require.NoError(t, err)
	assert.Equal(t, rules.StatusActive, v2.Status)

	_, err = s.Activate(ctx, "missing", "bob")
	assert.ErrorIs(t, err, rules.ErrRuleNotFound)
}

func TestStore_UpdatePreservesStatusAndChecksVersion(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, velocityRule("v"), "alice")
	require.NoError(t, err)
	_, err = s.Activate(ctx, "v", "alice")
	require.NoError(t, err)

	update := velocityRule("v")
	update.Limit.Frequency.MaxCount = 10
	update.Status = rules.StatusDraft
	update.Version = 2

	updated, err := s.Update(ctx, update, "bob")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusActive, updated.Status)
	assert.Equal(t, int64(3), updated.Version)
	assert.Equal(t, int64(10), updated.Limit.Frequency.MaxCount)

	stale := velocityRule("v")
	stale.Version = 2
	_, err = s.Update(ctx, stale, "bob")
	assert.ErrorIs(t, err, rules.ErrVersionConflict)
}

func TestStore_SnapshotIsPointInTime(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, velocityRule("a"), "alice")
	require.NoError(t, err)
	before := s.Snapshot()

	_, err = s.Create(ctx, velocityRule("b"), "alice")
	require.NoError(t, err)
	_, err = s.Activate(ctx, "a", "alice")
	require.NoError(t, err)

	assert.Equal(t, 1, before.Len())
	r, ok := before.Get("a")
	require.True(t, ok)
	assert.Equal(t, rules.StatusDraft, r.Status)

	after := s.Snapshot()
	assert.Equal(t, 2, after.Len())
	assert.Greater(t, after.Revision, before.Revision)
	assert.Equal(t, "a", after.Rules()[0].ID)
	assert.Equal(t, "b", after.Rules()[1].ID)
}

func TestStore_ConcurrentWritesAndReads(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Create(ctx, velocityRule(strings.Repeat("r", i+1)), "alice")
		}(i)
		go func() {
			defer wg.Done()
			for _, r := range s.Snapshot().Rules() {
				_ = r.Participates()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, s.Snapshot().Len())
}

func TestStore_Sync(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	a := velocityRule("a")
	a.Status = rules.StatusActive
	b := velocityRule("b")

	res, err := s.Sync(ctx, []*rules.Rule{a, b}, "file:rules.yaml")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Created)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusActive, got.Status)
	assert.Equal(t, int64(2), got.Version, "draft then activation")

	// Same content is unchanged; dropping b retires it.
	res, err = s.Sync(ctx, []*rules.Rule{velocityRuleActive("a")}, "file:rules.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Unchanged)
	assert.Equal(t, []string{"b"}, res.Retired)

	// Rules owned by another source are left alone.
	_, err = s.Create(ctx, velocityRule("api-rule"), "alice")
	require.NoError(t, err)
	res, err = s.Sync(ctx, nil, "file:rules.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Retired)
	apiRule, err := s.Get(ctx, "api-rule")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusDraft, apiRule.Status)

	// An invalid rule aborts the sync without writing anything.
	bad := velocityRule("c")
	bad.Priority = 0
	revision := s.Snapshot().Revision
	_, err = s.Sync(ctx, []*rules.Rule{bad}, "file:rules.yaml")
	require.Error(t, err)
	assert.Equal(t, revision, s.Snapshot().Revision)
}

func velocityRuleActive(id string) *rules.Rule {
	r := velocityRule(id)
	r.Status = rules.StatusActive
	return r
}

// ============================================================================
// Loader
// ============================================================================

const sampleRules = `
rules:
  - id: treasury-daily
    name: Treasury daily cap
    type: daily-limit
    scope: account
    appliesTo: ["acct-treasury"]
    priority: 10
    status: active
    enforced: true
    exemptions: [CFO]
    limit:
      amount:
        amount: "10000000"
        currency: USD
  - id: geo-na
    name: North America only
    type: geographic
    scope: organization
    appliesTo: ["*"]
    priority: 20
    status: active
    enforced: true
    conditions:
      - field: operation
        operator: in_list
        value: [transfer, withdraw]
    limit:
      geographic:
        allowedCountries: [US, CA]
    override:
      allowOverride: true
      overrideRoles: [compliance-officer]
      overrideDurationHours: 1
      requireReason: true
`

func TestParse(t *testing.T) {
	loaded, err := Parse(strings.NewReader(sampleRules), "rules.yaml")
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	daily := loaded[0]
	assert.Equal(t, rules.TypeDaily, daily.Type)
	assert.True(t, daily.Limit.Amount.Amount.Equal(decimal.NewFromInt(10_000_000)))
	assert.Equal(t, rules.TimeframeDaily, daily.Limit.Amount.Timeframe)

	geo := loaded[1]
	require.Len(t, geo.Conditions, 1)
	assert.Equal(t, []any{"transfer", "withdraw"}, geo.Conditions[0].Value)
	assert.Equal(t, 1, geo.Override.OverrideDurationHours)
}

func TestParse_RejectsUnknownKeysAndInvalidRules(t *testing.T) {
	_, err := Parse(strings.NewReader("rules:\n  - id: x\n    nmae: typo\n"), "bad.yaml")
	require.Error(t, err)

	_, err = Parse(strings.NewReader("rules:\n  - id: x\n    name: x\n    type: velocity\n"), "bad.yaml")
	require.Error(t, err)
	assert.True(t, rules.IsValidationError(err))
}

func TestFileSource_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(sampleRules), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".hidden"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden", "b.yaml"), []byte("not: [valid"), 0o600))

	s, _ := newTestStore()
	src := &FileSource{Path: dir, Store: s}

	res, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)

	r, ok := s.Snapshot().Get("geo-na")
	require.True(t, ok)
	assert.True(t, r.Participates())
	assert.Equal(t, "file:"+dir, r.CreatedBy)
}

func TestFileSource_ActivatePromotesDrafts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	doc := "rules:\n" +
		"  - id: card-daily\n" +
		"    name: Card daily\n" +
		"    type: daily-limit\n" +
		"    scope: card\n" +
		"    appliesTo: [\"*\"]\n" +
		"    priority: 1\n" +
		"    limit:\n" +
		"      amount:\n" +
		"        amount: \"500\"\n" +
		"        currency: USD\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, _ := newTestStore()
	src := &FileSource{Path: path, Store: s, Activate: true}
	_, err := src.Load(context.Background())
	require.NoError(t, err)

	r, ok := s.Snapshot().Get("card-daily")
	require.True(t, ok)
	assert.Equal(t, rules.StatusActive, r.Status)
}

func TestFileSource_WatchReloads(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping file watcher test in short mode")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o600))

	s, _ := newTestStore()
	src := &FileSource{Path: path, Store: s}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- src.Watch(ctx, WatchOptions{Debounce: 20 * time.Millisecond, Extensions: []string{".yaml"}})
	}()

	require.Eventually(t, func() bool { return s.Snapshot().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	trimmed := sampleRules[:strings.Index(sampleRules, "  - id: geo-na")]
	require.NoError(t, os.WriteFile(path, []byte(trimmed), 0o600))

	require.Eventually(t, func() bool {
		r, ok := s.Snapshot().Get("geo-na")
		return ok && r.Status == rules.StatusInactive
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchLoop_CoalescesBursts(t *testing.T) {
	events := make(chan fsnotify.Event)
	errs := make(chan error)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	reloads := 0
	done := make(chan error, 1)
	go func() {
		done <- watchLoop(ctx, events, errs, WatchOptions{Debounce: 30 * time.Millisecond}.withDefaults(), slog.New(slog.DiscardHandler), func() error {
			mu.Lock()
			reloads++
			mu.Unlock()
			return errors.New("bad yaml")
		})
	}()

	for i := 0; i < 5; i++ {
		events <- fsnotify.Event{Name: "/rules/cards.yaml", Op: fsnotify.Write}
	}
	events <- fsnotify.Event{Name: "/rules/.cards.yaml.swp", Op: fsnotify.Write}
	events <- fsnotify.Event{Name: "/rules/README.md", Op: fsnotify.Write}
	errs <- errors.New("queue overflow")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloads == 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, reloads)
}

func TestWatchLoop_ClosedStream(t *testing.T) {
	events := make(chan fsnotify.Event)
	close(events)
	err := watchLoop(context.Background(), events, nil, WatchOptions{}.withDefaults(), slog.New(slog.DiscardHandler), func() error { return nil })
	assert.ErrorContains(t, err, "event stream closed")
}

func TestRuleFileEvent(t *testing.T) {
	exts := []string{".yaml", ".YML"}
	assert.True(t, ruleFileEvent(fsnotify.Event{Name: "a/limits.yaml", Op: fsnotify.Create}, exts))
	assert.True(t, ruleFileEvent(fsnotify.Event{Name: "a/limits.yml", Op: fsnotify.Rename}, exts))
	assert.False(t, ruleFileEvent(fsnotify.Event{Name: "a/limits.yaml", Op: fsnotify.Chmod}, exts))
	assert.False(t, ruleFileEvent(fsnotify.Event{Name: "a/.limits.yaml", Op: fsnotify.Write}, exts))
	assert.False(t, ruleFileEvent(fsnotify.Event{Name: "a/limits.json", Op: fsnotify.Write}, exts))
}

func TestWatchDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cards"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git", "objects"), 0o700))
	file := filepath.Join(dir, "cards", "daily.yaml")
	require.NoError(t, os.WriteFile(file, []byte(sampleRules), 0o600))

	dirs, err := watchDirs(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{dir, filepath.Join(dir, "cards")}, dirs)

	dirs, err = watchDirs(file)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "cards")}, dirs)

	_, err = watchDirs(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
