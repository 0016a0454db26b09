package overrides

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mercator-hq/spendguard/pkg/clock"
	"mercator-hq/spendguard/pkg/rules"
)

// DefaultApprovalGrantTTL is how long an approval grant stays usable.
const DefaultApprovalGrantTTL = 24 * time.Hour

// RuleLookup resolves rules by ID. *store.Store satisfies it.
type RuleLookup interface {
	Get(ctx context.Context, id string) (*rules.Rule, error)
}

// Config configures a Registry.
type Config struct {
	Rules RuleLookup

	// ApprovalGrantTTL bounds approval grants. Default: 24h.
	ApprovalGrantTTL time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Registry holds override grants.
//
// Registry is safe for concurrent use.
type Registry struct {
	rules  RuleLookup
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.RWMutex
	grants map[string]*Grant
	byKey  map[grantKey][]string
}

type grantKey struct {
	rule, actor, target string
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.ApprovalGrantTTL <= 0 {
		cfg.ApprovalGrantTTL = DefaultApprovalGrantTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		rules:  cfg.Rules,
		ttl:    cfg.ApprovalGrantTTL,
		clock:  clock.OrSystem(cfg.Clock),
		logger: cfg.Logger.With("component", "overrides.registry"),
		grants: make(map[string]*Grant),
		byKey:  make(map[grantKey][]string),
	}
}

// Grant issues a manual override. The rule must allow overrides, the granter
// must hold one of its override roles, and a reason is required when the
// rule says so. Expiry is fixed here and never extended.
func (r *Registry) Grant(ctx context.Context, req GrantRequest) (*Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case req.RuleID == "":
		return nil, rules.NewValidationError(rules.CodeRequired, "ruleId", "rule id is required")
	case req.ActorID == "":
		return nil, rules.NewValidationError(rules.CodeRequired, "actorId", "actor id is required")
	case req.ScopeTargetID == "":
		return nil, rules.NewValidationError(rules.CodeRequired, "scopeTargetId", "scope target is required")
	case req.GrantedBy == "":
		return nil, rules.NewValidationError(rules.CodeRequired, "grantedBy", "granter is required")
	}
	if r.rules == nil {
		return nil, rules.ErrRuleNotFound
	}
	rule, err := r.rules.Get(ctx, req.RuleID)
	if err != nil {
		return nil, err
	}

	spec := rule.Override
	if spec == nil || !spec.AllowOverride {
		return nil, rules.NewValidationError(rules.CodeOverrideNotAllowed, "ruleId",
			"rule %s does not allow overrides", rule.ID)
	}
	if !hasAnyRole(req.GranterRoles, spec.OverrideRoles) {
		return nil, rules.NewValidationError(rules.CodeNotAuthorized, "granterRoles",
			"granter %s holds none of the override roles %v", req.GrantedBy, spec.OverrideRoles)
	}
	if spec.RequireReason && strings.TrimSpace(req.Reason) == "" {
		return nil, rules.NewValidationError(rules.CodeReasonRequired, "reason",
			"rule %s requires a reason for overrides", rule.ID)
	}

	now := r.clock.Now()
	g := &Grant{
		ID:            uuid.NewString(),
		RuleID:        rule.ID,
		ActorID:       req.ActorID,
		ScopeTargetID: req.ScopeTargetID,
		GrantedBy:     req.GrantedBy,
		GrantedAt:     now,
		ExpiresAt:     now.Add(time.Duration(spec.OverrideDurationHours) * time.Hour),
		Reason:        req.Reason,
		Source:        SourceManual,
	}
	r.add(g)

	r.logger.Info("override granted",
		"grant_id", g.ID,
		"rule_id", g.RuleID,
		"actor_id", g.ActorID,
		"scope_target", g.ScopeTargetID,
		"granted_by", g.GrantedBy,
		"expires_at", g.ExpiresAt)
	return g.clone(), nil
}

// GrantFromApproval issues the single-use grant for an approved request.
func (r *Registry) GrantFromApproval(ctx context.Context, a ApprovalGrant) (*Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.RuleID == "" || a.ActorID == "" || a.ScopeTargetID == "" || a.ApprovalID == "" {
		return nil, rules.NewValidationError(rules.CodeRequired, "approval", "approval grant is missing rule, actor, target or approval id")
	}

	now := r.clock.Now()
	maxAmount := a.MaxAmount
	g := &Grant{
		ID:            uuid.NewString(),
		RuleID:        a.RuleID,
		ActorID:       a.ActorID,
		ScopeTargetID: a.ScopeTargetID,
		GrantedBy:     a.ApprovedBy,
		GrantedAt:     now,
		ExpiresAt:     now.Add(r.ttl),
		Reason:        "approval " + a.ApprovalID,
		Source:        SourceApproval,
		ApprovalID:    a.ApprovalID,
		MaxAmount:     &maxAmount,
		Currency:      a.Currency,
	}
	r.add(g)

	r.logger.Info("approval grant issued",
		"grant_id", g.ID,
		"approval_id", a.ApprovalID,
		"rule_id", g.RuleID,
		"actor_id", g.ActorID,
		"max_amount", maxAmount.String())
	return g.clone(), nil
}

func (r *Registry) add(g *Grant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[g.ID] = g
	k := grantKey{g.RuleID, g.ActorID, g.ScopeTargetID}
	r.byKey[k] = append(r.byKey[k], g.ID)
}

// ActiveManual returns a live manual grant for (rule, actor, target) at t.
func (r *Registry) ActiveManual(ruleID, actorID, target string, t time.Time) (*Grant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.byKey[grantKey{ruleID, actorID, target}] {
		g := r.grants[id]
		if g.Source == SourceManual && g.LiveAt(t) {
			return g.clone(), true
		}
	}
	return nil, false
}

// IsLive reports whether a live manual grant exists for (rule, actor, target).
func (r *Registry) IsLive(ctx context.Context, ruleID, actorID, target string, t time.Time) bool {
	_, ok := r.ActiveManual(ruleID, actorID, target, t)
	return ok
}

// FindApprovalGrant returns the live approval grant for (rule, actor, target)
// that covers amount. When several qualify the one expiring first is used.
func (r *Registry) FindApprovalGrant(ruleID, actorID, target string, amount decimal.Decimal, currency string, t time.Time) (*Grant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Grant
	for _, id := range r.byKey[grantKey{ruleID, actorID, target}] {
		g := r.grants[id]
		if g.Source != SourceApproval || !g.LiveAt(t) || !g.Covers(amount, currency) {
			continue
		}
		if best == nil || g.ExpiresAt.Before(best.ExpiresAt) {
			best = g
		}
	}
	if best == nil {
		return nil, false
	}
	return best.clone(), true
}

// Consume marks a single-use approval grant as used. Manual grants are not
// consumed. A grant consumed concurrently returns ErrGrantConsumed.
func (r *Registry) Consume(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.grants[id]
	if !ok {
		return ErrGrantNotFound
	}
	now := r.clock.Now()
	if err := checkUsable(g, now); err != nil {
		return err
	}
	if g.Source != SourceApproval {
		return nil
	}
	g.ConsumedAt = &now
	r.logger.Debug("approval grant consumed", "grant_id", id, "approval_id", g.ApprovalID)
	return nil
}

// Unconsume makes a consumed approval grant usable again. The engine calls it
// when a commit that consumed the grant is rolled back.
func (r *Registry) Unconsume(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.grants[id]
	if !ok {
		return ErrGrantNotFound
	}
	g.ConsumedAt = nil
	return nil
}

// Revoke ends a grant immediately.
func (r *Registry) Revoke(ctx context.Context, id, by string) (*Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.grants[id]
	if !ok {
		return nil, ErrGrantNotFound
	}
	now := r.clock.Now()
	if err := checkUsable(g, now); err != nil {
		return nil, err
	}
	g.RevokedAt = &now
	g.RevokedBy = by

	r.logger.Info("override revoked", "grant_id", id, "revoked_by", by)
	return g.clone(), nil
}

func checkUsable(g *Grant, now time.Time) error {
	switch {
	case g.RevokedAt != nil:
		return ErrGrantRevoked
	case g.ConsumedAt != nil:
		return ErrGrantConsumed
	case !now.Before(g.ExpiresAt):
		return &ExpiredGrantError{Kind: "override", ID: g.ID, ExpiredAt: g.ExpiresAt}
	}
	return nil
}

// Get returns a grant by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.grants[id]
	if !ok {
		return nil, ErrGrantNotFound
	}
	return g.clone(), nil
}

// List returns grants matching f, newest first.
func (r *Registry) List(ctx context.Context, f Filter) []*Grant {
	now := r.clock.Now()

	r.mu.RLock()
	out := make([]*Grant, 0, len(r.grants))
	for _, g := range r.grants {
		if f.RuleID != "" && g.RuleID != f.RuleID {
			continue
		}
		if f.ActorID != "" && g.ActorID != f.ActorID {
			continue
		}
		if f.Source != "" && g.Source != f.Source {
			continue
		}
		if f.LiveOnly && !g.LiveAt(now) {
			continue
		}
		out = append(out, g.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.After(out[j].GrantedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Purge removes grants that can no longer be used as of now. It returns the
// number removed.
func (r *Registry) Purge(ctx context.Context) int {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for id, g := range r.grants {
		if g.LiveAt(now) {
			continue
		}
		delete(r.grants, id)
		k := grantKey{g.RuleID, g.ActorID, g.ScopeTargetID}
		r.byKey[k] = slices.DeleteFunc(r.byKey[k], func(s string) bool { return s == id })
		if len(r.byKey[k]) == 0 {
			delete(r.byKey, k)
		}
		purged++
	}
	if purged > 0 {
		r.logger.Info("override grants purged", "count", purged)
	}
	return purged
}

func hasAnyRole(have, want []string) bool {
	for _, role := range have {
		if slices.Contains(want, role) {
			return true
		}
	}
	return false
}
