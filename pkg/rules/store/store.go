package store

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mercator-hq/spendguard/pkg/clock"
	"mercator-hq/spendguard/pkg/rules"
)

// Snapshot is an immutable, point-in-time view of the latest version of
// every rule. Rules returned by a snapshot must not be modified.
type Snapshot struct {
	// Revision increases by one on every store write.
	Revision uint64

	// TakenAt is when the snapshot was published.
	TakenAt time.Time

	rules []*rules.Rule
	byID  map[string]*rules.Rule
}

// Rules returns the rules sorted by ID.
func (s *Snapshot) Rules() []*rules.Rule {
	return s.rules
}

// Get returns the latest version of a rule.
func (s *Snapshot) Get(id string) (*rules.Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Len returns the number of rules in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.rules)
}

// Config configures a Store.
type Config struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is the versioned rule store. Writes are serialized; reads go through
// an atomically published Snapshot and never block writers.
//
// Every write produces a new rule version. Earlier versions stay readable so
// violation records can resolve the exact rule that fired.
type Store struct {
	mu       sync.Mutex
	versions map[string][]*rules.Rule
	current  atomic.Pointer[Snapshot]
	revision uint64

	clock  clock.Clock
	logger *slog.Logger
}

// New creates an empty store.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		versions: make(map[string][]*rules.Rule),
		clock:    clock.OrSystem(cfg.Clock),
		logger:   logger.With("component", "rules.store"),
	}
	s.current.Store(&Snapshot{TakenAt: s.clock.Now(), byID: map[string]*rules.Rule{}})
	return s
}

// Snapshot returns the current point-in-time view.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Create validates and stores a new rule. New rules always start as drafts;
// they become active only through Activate.
func (s *Store) Create(ctx context.Context, r *rules.Rule, actor string) (*rules.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, rules.NewValidationError(rules.CodeRequired, "rule", "rule is required")
	}

	rule := r.Clone()
	rule.Status = rules.StatusDraft
	rules.Normalize(rule)
	if err := rules.Validate(rule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.versions[rule.ID]; exists {
		return nil, fmt.Errorf("%w: %s", rules.ErrRuleExists, rule.ID)
	}

	now := s.clock.Now()
	rule.Version = 1
	rule.CreatedBy = actor
	rule.CreatedAt = now
	rule.UpdatedBy = actor
	rule.UpdatedAt = now

	s.versions[rule.ID] = []*rules.Rule{rule}
	s.publishLocked()

	s.logger.Info("rule created",
		"rule_id", rule.ID,
		"type", rule.Type,
		"actor", actor,
	)
	return rule.Clone(), nil
}

// Update replaces the definition of an existing rule and bumps its version.
// The status is preserved; lifecycle changes go through Activate and Retire.
// When r.Version is non-zero it must match the stored version.
func (s *Store) Update(ctx context.Context, r *rules.Rule, actor string) (*rules.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, rules.NewValidationError(rules.CodeRequired, "rule", "rule is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latestLocked(r.ID)
	if err != nil {
		return nil, err
	}
	if r.Version != 0 && r.Version != latest.Version {
		return nil, fmt.Errorf("%w: %s is at version %d, update was based on %d",
			rules.ErrVersionConflict, r.ID, latest.Version, r.Version)
	}

	next := r.Clone()
	next.Status = latest.Status
	rules.Normalize(next)
	if err := rules.Validate(next); err != nil {
		return nil, err
	}

	s.appendVersionLocked(latest, next, actor)
	s.publishLocked()

	s.logger.Info("rule updated",
		"rule_id", next.ID,
		"version", next.Version,
		"actor", actor,
	)
	return next.Clone(), nil
}

// Activate moves a draft or inactive rule to active.
func (s *Store) Activate(ctx context.Context, id, actor string) (*rules.Rule, error) {
	return s.transition(ctx, id, actor, rules.StatusActive)
}

// Retire moves a rule to inactive. Retired rules are kept for audit history.
// Retiring a rule that is already inactive fails with ErrInvalidTransition.
func (s *Store) Retire(ctx context.Context, id, actor string) (*rules.Rule, error) {
	return s.transition(ctx, id, actor, rules.StatusInactive)
}

// SetEnforced toggles whether an active rule takes part in evaluation.
func (s *Store) SetEnforced(ctx context.Context, id string, enforced bool, actor string) (*rules.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latestLocked(id)
	if err != nil {
		return nil, err
	}
	if latest.Enforced == enforced {
		return latest.Clone(), nil
	}

	next := latest.Clone()
	next.Enforced = enforced
	s.appendVersionLocked(latest, next, actor)
	s.publishLocked()

	s.logger.Info("rule enforcement changed",
		"rule_id", id,
		"enforced", enforced,
		"actor", actor,
	)
	return next.Clone(), nil
}

func (s *Store) transition(ctx context.Context, id, actor string, to rules.Status) (*rules.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latestLocked(id)
	if err != nil {
		return nil, err
	}
	if latest.Status == to {
		if to == rules.StatusInactive {
			return nil, fmt.Errorf("%w: %s is already retired", rules.ErrInvalidTransition, id)
		}
		return latest.Clone(), nil
	}
	if !canTransition(latest.Status, to) {
		return nil, fmt.Errorf("%w: %s cannot move from %s to %s",
			rules.ErrInvalidTransition, id, latest.Status, to)
	}

	next := latest.Clone()
	next.Status = to
	if err := rules.Validate(next); err != nil {
		return nil, err
	}
	s.appendVersionLocked(latest, next, actor)
	s.publishLocked()

	s.logger.Info("rule status changed",
		"rule_id", id,
		"from", latest.Status,
		"to", to,
		"version", next.Version,
		"actor", actor,
	)
	return next.Clone(), nil
}

func canTransition(from, to rules.Status) bool {
	switch to {
	case rules.StatusActive:
		return from == rules.StatusDraft || from == rules.StatusInactive
	case rules.StatusInactive:
		return from == rules.StatusDraft || from == rules.StatusActive
	}
	return false
}

// Get returns the latest version of a rule.
func (s *Store) Get(ctx context.Context, id string) (*rules.Rule, error) {
	if r, ok := s.Snapshot().Get(id); ok {
		return r.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", rules.ErrRuleNotFound, id)
}

// GetVersion returns a specific version of a rule.
func (s *Store) GetVersion(ctx context.Context, id string, version int64) (*rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.versions[id] {
		if v.Version == version {
			return v.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s version %d", rules.ErrRuleNotFound, id, version)
}

// Versions returns every version of a rule, oldest first.
func (s *Store) Versions(ctx context.Context, id string) ([]*rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.versions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rules.ErrRuleNotFound, id)
	}
	out := make([]*rules.Rule, len(history))
	for i, v := range history {
		out[i] = v.Clone()
	}
	return out, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status rules.Status
	Type   rules.Type
	Scope  rules.Scope
}

// List returns the latest version of rules matching the filter, by ID.
func (s *Store) List(ctx context.Context, f Filter) []*rules.Rule {
	var out []*rules.Rule
	for _, r := range s.Snapshot().Rules() {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		if f.Scope != "" && r.Scope != f.Scope {
			continue
		}
		out = append(out, r.Clone())
	}
	return out
}

// SyncResult summarizes a Sync call.
type SyncResult struct {
	Created   []string
	Updated   []string
	Retired   []string
	Unchanged []string
}

// Sync reconciles the store with a desired rule set owned by source. Missing
// rules are created, changed rules get a new version, and rules previously
// created by source that are absent from desired are retired.
//
// Each desired rule is validated before anything is written; a single
// invalid rule aborts the whole sync.
func (s *Store) Sync(ctx context.Context, desired []*rules.Rule, source string) (*SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prepared := make([]*rules.Rule, 0, len(desired))
	seen := make(map[string]bool, len(desired))
	for _, d := range desired {
		r := d.Clone()
		rules.Normalize(r)
		if err := rules.Validate(r); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: %s appears twice in %s", rules.ErrRuleExists, r.ID, source)
		}
		seen[r.ID] = true
		prepared = append(prepared, r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := &SyncResult{}
	now := s.clock.Now()

	for _, want := range prepared {
		latest, err := s.latestLocked(want.ID)
		if err != nil {
			draft := want.Clone()
			draft.Status = rules.StatusDraft
			draft.Version = 1
			draft.CreatedBy = source
			draft.CreatedAt = now
			draft.UpdatedBy = source
			draft.UpdatedAt = now
			s.versions[want.ID] = []*rules.Rule{draft}
			if want.Status != rules.StatusDraft {
				s.appendVersionLocked(draft, want, source)
			}
			result.Created = append(result.Created, want.ID)
			continue
		}

		if latest.Status != want.Status && !canTransition(latest.Status, want.Status) {
			return nil, fmt.Errorf("%w: %s cannot move from %s to %s",
				rules.ErrInvalidTransition, want.ID, latest.Status, want.Status)
		}
		if sameDefinition(latest, want) {
			result.Unchanged = append(result.Unchanged, want.ID)
			continue
		}
		s.appendVersionLocked(latest, want, source)
		result.Updated = append(result.Updated, want.ID)
	}

	for id, history := range s.versions {
		latest := history[len(history)-1]
		if seen[id] || latest.CreatedBy != source || latest.Status == rules.StatusInactive {
			continue
		}
		next := latest.Clone()
		next.Status = rules.StatusInactive
		s.appendVersionLocked(latest, next, source)
		result.Retired = append(result.Retired, id)
	}

	s.publishLocked()

	s.logger.Info("rules synchronized",
		"source", source,
		"created", len(result.Created),
		"updated", len(result.Updated),
		"retired", len(result.Retired),
		"unchanged", len(result.Unchanged),
	)
	return result, nil
}

// sameDefinition compares two rules ignoring version bookkeeping.
func sameDefinition(a, b *rules.Rule) bool {
	x, y := a.Clone(), b.Clone()
	for _, r := range []*rules.Rule{x, y} {
		r.Version = 0
		r.CreatedAt, r.UpdatedAt = time.Time{}, time.Time{}
		r.CreatedBy, r.UpdatedBy = "", ""
	}
	return reflect.DeepEqual(x, y)
}

func (s *Store) latestLocked(id string) (*rules.Rule, error) {
	history, ok := s.versions[id]
	if !ok || len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", rules.ErrRuleNotFound, id)
	}
	return history[len(history)-1], nil
}

// appendVersionLocked stores next as the successor of latest. Callers publish
// a snapshot once their whole write is applied.
func (s *Store) appendVersionLocked(latest, next *rules.Rule, actor string) {
	next.ID = latest.ID
	next.Version = latest.Version + 1
	next.CreatedBy = latest.CreatedBy
	next.CreatedAt = latest.CreatedAt
	next.UpdatedBy = actor
	next.UpdatedAt = s.clock.Now()
	s.versions[latest.ID] = append(s.versions[latest.ID], next)
}

func (s *Store) publishLocked() {
	s.revision++
	snap := &Snapshot{
		Revision: s.revision,
		TakenAt:  s.clock.Now(),
		rules:    make([]*rules.Rule, 0, len(s.versions)),
		byID:     make(map[string]*rules.Rule, len(s.versions)),
	}
	for id, history := range s.versions {
		latest := history[len(history)-1]
		snap.rules = append(snap.rules, latest)
		snap.byID[id] = latest
	}
	sort.Slice(snap.rules, func(i, j int) bool {
		return snap.rules[i].ID < snap.rules[j].ID
	})
	s.current.Store(snap)
}
