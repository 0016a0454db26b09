package overrides

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/spendguard/pkg/clock"
	"mercator-hq/spendguard/pkg/rules"
)

type ruleMap map[string]*rules.Rule

func (m ruleMap) Get(ctx context.Context, id string) (*rules.Rule, error) {
	r, ok := m[id]
	if !ok {
		return nil, rules.ErrRuleNotFound
	}
	return r, nil
}

func geoRule() *rules.Rule {
	return &rules.Rule{
		ID:        "geo-na",
		Name:      "North America only",
		Type:      rules.TypeGeographic,
		Scope:     rules.ScopeUser,
		AppliesTo: []string{"*"},
		Priority:  1,
		Status:    rules.StatusActive,
		Enforced:  true,
		Limit:     rules.LimitSpec{Geographic: &rules.GeographicLimit{AllowedCountries: []string{"US", "CA"}}},
		Override: &rules.OverrideSpec{
			AllowOverride:         true,
			OverrideRoles:         []string{"risk-officer"},
			OverrideDurationHours: 1,
			RequireReason:         true,
		},
	}
}

func newTestRegistry() (*Registry, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC))
	noOverride := geoRule()
	noOverride.ID = "geo-strict"
	noOverride.Override = nil
	reg := New(Config{
		Rules: ruleMap{"geo-na": geoRule(), "geo-strict": noOverride},
		Clock: clk,
	})
	return reg, clk
}

func validRequest() GrantRequest {
	return GrantRequest{
		RuleID:        "geo-na",
		ActorID:       "alice",
		ScopeTargetID: "alice",
		GrantedBy:     "bob",
		GranterRoles:  []string{"risk-officer"},
		Reason:        "travelling to Paris",
	}
}

func TestRegistry_GrantExpiresAfterDuration(t *testing.T) {
	reg, clk := newTestRegistry()
	ctx := context.Background()

	g, err := reg.Grant(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, SourceManual, g.Source)
	assert.Equal(t, clk.Now().Add(time.Hour), g.ExpiresAt)

	assert.True(t, reg.IsLive(ctx, "geo-na", "alice", "alice", clk.Now()))
	assert.True(t, reg.IsLive(ctx, "geo-na", "alice", "alice", clk.Now().Add(59*time.Minute)))
	assert.False(t, reg.IsLive(ctx, "geo-na", "alice", "alice", clk.Now().Add(time.Hour+time.Minute)))

	// A grant is bound to its actor and target.
	assert.False(t, reg.IsLive(ctx, "geo-na", "carol", "alice", clk.Now()))
	assert.False(t, reg.IsLive(ctx, "geo-na", "alice", "card-1", clk.Now()))
}

func TestRegistry_GrantValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*GrantRequest)
		wantCode string
	}{
		{"missing actor", func(r *GrantRequest) { r.ActorID = "" }, rules.CodeRequired},
		{"missing target", func(r *GrantRequest) { r.ScopeTargetID = "" }, rules.CodeRequired},
		{"rule disallows overrides", func(r *GrantRequest) { r.RuleID = "geo-strict" }, rules.CodeOverrideNotAllowed},
		{"granter lacks role", func(r *GrantRequest) { r.GranterRoles = []string{"analyst"} }, rules.CodeNotAuthorized},
		{"reason required", func(r *GrantRequest) { r.Reason = "  " }, rules.CodeReasonRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry()
			req := validRequest()
			tt.mutate(&req)

			_, err := reg.Grant(context.Background(), req)
			require.Error(t, err)
			var ve *rules.ValidationError
			require.True(t, errors.As(err, &ve), "want ValidationError, got %T", err)
			assert.Equal(t, tt.wantCode, ve.Code)
		})
	}

	reg, _ := newTestRegistry()
	req := validRequest()
	req.RuleID = "unknown"
	_, err := reg.Grant(context.Background(), req)
	assert.ErrorIs(t, err, rules.ErrRuleNotFound)
}

func TestRegistry_Revoke(t *testing.T) {
	reg, clk := newTestRegistry()
	ctx := context.Background()

	g, err := reg.Grant(ctx, validRequest())
	require.NoError(t, err)

	revoked, err := reg.Revoke(ctx, g.ID, "bob")
	require.NoError(t, err)
	require.NotNil(t, revoked.RevokedAt)
	assert.False(t, reg.IsLive(ctx, "geo-na", "alice", "alice", clk.Now()))

	_, err = reg.Revoke(ctx, g.ID, "bob")
	assert.ErrorIs(t, err, ErrGrantRevoked)

	_, err = reg.Revoke(ctx, "nope", "bob")
	assert.ErrorIs(t, err, ErrGrantNotFound)
}

func TestRegistry_RevokeExpiredGrant(t *testing.T) {
	reg, clk := newTestRegistry()
	ctx := context.Background()

	g, err := reg.Grant(ctx, validRequest())
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	_, err = reg.Revoke(ctx, g.ID, "bob")
	require.Error(t, err)
	assert.True(t, IsExpired(err))

	var expired *ExpiredGrantError
	require.True(t, errors.As(err, &expired))
	assert.Equal(t, g.ID, expired.ID)
}

func TestRegistry_ApprovalGrantsAreSingleUse(t *testing.T) {
	reg, clk := newTestRegistry()
	ctx := context.Background()

	g, err := reg.GrantFromApproval(ctx, ApprovalGrant{
		RuleID:        "daily-treasury",
		ActorID:       "alice",
		ScopeTargetID: "acct-1",
		ApprovalID:    "apr-1",
		ApprovedBy:    "cfo",
		MaxAmount:     decimal.NewFromInt(300000),
		Currency:      "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, SourceApproval, g.Source)
	assert.Equal(t, clk.Now().Add(DefaultApprovalGrantTTL), g.ExpiresAt)

	// Approval grants are not manual overrides.
	assert.False(t, reg.IsLive(ctx, "daily-treasury", "alice", "acct-1", clk.Now()))

	_, ok := reg.FindApprovalGrant("daily-treasury", "alice", "acct-1", decimal.NewFromInt(300001), "USD", clk.Now())
	assert.False(t, ok, "grant must not cover more than the approved amount")
	_, ok = reg.FindApprovalGrant("daily-treasury", "alice", "acct-1", decimal.NewFromInt(100), "EUR", clk.Now())
	assert.False(t, ok, "grant must not cover another currency")

	found, ok := reg.FindApprovalGrant("daily-treasury", "alice", "acct-1", decimal.NewFromInt(300000), "USD", clk.Now())
	require.True(t, ok)
	assert.Equal(t, g.ID, found.ID)

	require.NoError(t, reg.Consume(ctx, g.ID))
	assert.ErrorIs(t, reg.Consume(ctx, g.ID), ErrGrantConsumed)

	_, ok = reg.FindApprovalGrant("daily-treasury", "alice", "acct-1", decimal.NewFromInt(1), "USD", clk.Now())
	assert.False(t, ok)

	require.NoError(t, reg.Unconsume(ctx, g.ID))
	_, ok = reg.FindApprovalGrant("daily-treasury", "alice", "acct-1", decimal.NewFromInt(1), "USD", clk.Now())
	assert.True(t, ok)
}

func TestRegistry_ListAndPurge(t *testing.T) {
	reg, clk := newTestRegistry()
	ctx := context.Background()

	first, err := reg.Grant(ctx, validRequest())
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	req := validRequest()
	req.ActorID = "carol"
	req.ScopeTargetID = "carol"
	second, err := reg.Grant(ctx, req)
	require.NoError(t, err)

	all := reg.List(ctx, Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	assert.Len(t, reg.List(ctx, Filter{ActorID: "alice"}), 1)

	// The first grant expires at 10:00, the second at 10:30.
	clk.Advance(45 * time.Minute)
	live := reg.List(ctx, Filter{LiveOnly: true})
	require.Len(t, live, 1)
	assert.Equal(t, second.ID, live[0].ID)

	assert.Equal(t, 1, reg.Purge(ctx))
	_, err = reg.Get(ctx, first.ID)
	assert.ErrorIs(t, err, ErrGrantNotFound)

	clk.Advance(time.Hour)
	assert.Equal(t, 1, reg.Purge(ctx))
	assert.Empty(t, reg.List(ctx, Filter{}))
}
