package approvals

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/spendguard/pkg/clock"
	"mercator-hq/spendguard/pkg/notify"
	"mercator-hq/spendguard/pkg/overrides"
	"mercator-hq/spendguard/pkg/rules"
)

func treasuryRule(required int) *rules.Rule {
	return &rules.Rule{
		ID:        "treasury-daily",
		Name:      "Treasury daily ceiling",
		Type:      rules.TypeDaily,
		Scope:     rules.ScopeAccount,
		AppliesTo: []string{"*"},
		Priority:  1,
		Status:    rules.StatusActive,
		Enforced:  true,
		Version:   3,
		Limit: rules.LimitSpec{Amount: &rules.AmountLimit{
			Amount: decimal.NewFromInt(10_000_000), Currency: "USD", Timeframe: rules.TimeframeDaily,
		}},
		Approval: &rules.ApprovalSpec{
			Required:          true,
			ThresholdAmount:   decimal.NewFromInt(100_000),
			ApproverRoles:     []string{"cfo", "treasurer"},
			RequiredApprovals: required,
		},
	}
}

type fixture struct {
	wf     *Workflow
	clk    *clock.Fake
	grants *overrides.Registry
	events *notify.Recorder

	evaluations int
}

func newFixture() *fixture {
	clk := clock.NewFake(time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC))
	grants := overrides.New(overrides.Config{Clock: clk})
	events := &notify.Recorder{}
	wf := New(Config{Timeout: 4 * time.Hour, Grants: grants, Publisher: events, Clock: clk})
	return &fixture{wf: wf, clk: clk, grants: grants, events: events}
}

// create opens a request for a fresh evaluation.
func (f *fixture) create(t *testing.T, required int) *Request {
	t.Helper()
	f.evaluations++
	req, err := f.wf.Create(context.Background(), f.input(fmt.Sprintf("eval-%d", f.evaluations), required))
	require.NoError(t, err)
	return req
}

func (f *fixture) input(evaluationID string, required int) CreateInput {
	return CreateInput{
		EvaluationID:  evaluationID,
		Rule:          treasuryRule(required),
		ActorID:       "alice",
		ScopeTargetID: "acct-1",
		Amount:        decimal.NewFromInt(300_000),
		Currency:      "USD",
	}
}

func TestWorkflow_CreatePublishesEvent(t *testing.T) {
	f := newFixture()
	req := f.create(t, 1)

	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, int64(3), req.RuleVersion)
	assert.Equal(t, f.clk.Now().Add(4*time.Hour), req.ExpiresAt)
	assert.Equal(t, 1, f.wf.PendingCount())

	events := f.events.OfType(notify.EventApprovalRequested)
	require.Len(t, events, 1)
	assert.Equal(t, req.ID, events[0].ApprovalID)
	assert.Equal(t, []string{"cfo", "treasurer"}, events[0].ApproverRoles)
}

func TestWorkflow_CreateRequiresApprovalRule(t *testing.T) {
	f := newFixture()
	rule := treasuryRule(1)
	rule.Approval = nil

	_, err := f.wf.Create(context.Background(), CreateInput{Rule: rule, ActorID: "alice"})
	var ve *rules.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, rules.CodeApprovalNotRequired, ve.Code)
}

func TestWorkflow_ApproveIssuesGrant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := f.create(t, 1)

	resolved, err := f.wf.Resolve(ctx, Resolution{
		RequestID:     req.ID,
		Approver:      "carol",
		ApproverRoles: []string{"cfo"},
		Decision:      DecisionApprove,
		Comment:       "quarter-end settlement",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)
	assert.Equal(t, "carol", resolved.ResolvedBy)
	require.NotEmpty(t, resolved.GrantID)
	require.Len(t, resolved.Decisions, 1)
	assert.Equal(t, "cfo", resolved.Decisions[0].Role)

	g, ok := f.grants.FindApprovalGrant("treasury-daily", "alice", "acct-1", decimal.NewFromInt(300_000), "USD", f.clk.Now())
	require.True(t, ok)
	assert.Equal(t, resolved.GrantID, g.ID)
	assert.Equal(t, req.ID, g.ApprovalID)

	assert.Len(t, f.events.OfType(notify.EventApprovalApproved), 1)
	assert.Equal(t, 0, f.wf.PendingCount())

	_, err = f.wf.Resolve(ctx, Resolution{RequestID: req.ID, Approver: "dave", ApproverRoles: []string{"cfo"}, Decision: DecisionReject})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestWorkflow_MultipleApprovers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := f.create(t, 2)

	partial, err := f.wf.Resolve(ctx, Resolution{RequestID: req.ID, Approver: "carol", ApproverRoles: []string{"cfo"}, Decision: DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, partial.Status)
	assert.Empty(t, partial.GrantID)
	assert.Len(t, f.events.OfType(notify.EventApprovalDecided), 1)

	_, err = f.wf.Resolve(ctx, Resolution{RequestID: req.ID, Approver: "carol", ApproverRoles: []string{"cfo"}, Decision: DecisionApprove})
	var ve *rules.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, rules.CodeDuplicateDecision, ve.Code)

	final, err := f.wf.Resolve(ctx, Resolution{RequestID: req.ID, Approver: "dave", ApproverRoles: []string{"treasurer"}, Decision: DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, final.Status)
	assert.Equal(t, 2, final.Approvals())
	assert.NotEmpty(t, final.GrantID)
}

func TestWorkflow_RejectionIsFinal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := f.create(t, 2)

	_, err := f.wf.Resolve(ctx, Resolution{RequestID: req.ID, Approver: "carol", ApproverRoles: []string{"cfo"}, Decision: DecisionApprove})
	require.NoError(t, err)

	rejected, err := f.wf.Resolve(ctx, Resolution{RequestID: req.ID, Approver: "dave", ApproverRoles: []string{"cfo"}, Decision: DecisionReject})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Empty(t, rejected.GrantID)

	_, ok := f.grants.FindApprovalGrant("treasury-daily", "alice", "acct-1", decimal.NewFromInt(1), "USD", f.clk.Now())
	assert.False(t, ok)
	assert.Len(t, f.events.OfType(notify.EventApprovalRejected), 1)
}

func TestWorkflow_ResolveValidation(t *testing.T) {
	tests := []struct {
		name     string
		res      Resolution
		wantCode string
	}{
		{
			name:     "requester cannot approve",
			res:      Resolution{Approver: "alice", ApproverRoles: []string{"cfo"}, Decision: DecisionApprove},
			wantCode: rules.CodeSelfApproval,
		},
		{
			name:     "approver lacks role",
			res:      Resolution{Approver: "erin", ApproverRoles: []string{"analyst"}, Decision: DecisionApprove},
			wantCode: rules.CodeNotAuthorized,
		},
		{
			name:     "unknown decision",
			res:      Resolution{Approver: "carol", ApproverRoles: []string{"cfo"}, Decision: "maybe"},
			wantCode: rules.CodeInvalidDecision,
		},
		{
			name:     "missing approver",
			res:      Resolution{ApproverRoles: []string{"cfo"}, Decision: DecisionApprove},
			wantCode: rules.CodeRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := f.create(t, 1)
			tt.res.RequestID = req.ID

			_, err := f.wf.Resolve(context.Background(), tt.res)
			var ve *rules.ValidationError
			require.True(t, errors.As(err, &ve), "want ValidationError, got %v", err)
			assert.Equal(t, tt.wantCode, ve.Code)

			got, err := f.wf.Get(context.Background(), req.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, got.Status)
		})
	}

	f := newFixture()
	_, err := f.wf.Resolve(context.Background(), Resolution{RequestID: "nope", Approver: "carol", Decision: DecisionApprove})
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestWorkflow_Expiry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	stale := f.create(t, 1)

	f.clk.Advance(3 * time.Hour)
	fresh := f.create(t, 1)

	f.clk.Advance(time.Hour)
	_, err := f.wf.Resolve(ctx, Resolution{RequestID: stale.ID, Approver: "carol", ApproverRoles: []string{"cfo"}, Decision: DecisionApprove})
	require.Error(t, err)
	assert.True(t, overrides.IsExpired(err))

	got, err := f.wf.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	f.clk.Advance(3 * time.Hour)
	n, err := f.wf.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = f.wf.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Len(t, f.events.OfType(notify.EventApprovalExpired), 2)

	assert.Len(t, f.wf.List(ctx, Filter{Status: StatusExpired}), 2)
	assert.Empty(t, f.wf.List(ctx, Filter{Status: StatusPending}))
}

func TestWorkflow_CreateReusesPendingRequest(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.wf.Create(ctx, f.input("eval-retry", 1))
	require.NoError(t, err)
	again, err := f.wf.Create(ctx, f.input("eval-retry", 1))
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, f.wf.PendingCount())
	assert.Len(t, f.events.OfType(notify.EventApprovalRequested), 1)

	found, ok := f.wf.Find("eval-retry", "treasury-daily")
	require.True(t, ok)
	assert.Equal(t, first.ID, found.ID)

	_, ok = f.wf.Find("eval-other", "treasury-daily")
	assert.False(t, ok)

	// A different evaluation gets its own request.
	other, err := f.wf.Create(ctx, f.input("eval-other", 1))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 2, f.wf.PendingCount())
}

func TestWorkflow_CreateAfterResolution(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	req, err := f.wf.Create(ctx, f.input("eval-rejected", 1))
	require.NoError(t, err)
	_, err = f.wf.Resolve(ctx, Resolution{RequestID: req.ID, Approver: "carol", ApproverRoles: []string{"cfo"}, Decision: DecisionReject})
	require.NoError(t, err)

	_, err = f.wf.Create(ctx, f.input("eval-rejected", 1))
	assert.ErrorIs(t, err, ErrNotPending)

	found, ok := f.wf.Find("eval-rejected", "treasury-daily")
	require.True(t, ok)
	assert.Equal(t, StatusRejected, found.Status)

	// Expiry is reported by Find without changing state, and made final by
	// Create.
	late, err := f.wf.Create(ctx, f.input("eval-late", 1))
	require.NoError(t, err)
	f.clk.Advance(5 * time.Hour)

	found, ok = f.wf.Find("eval-late", "treasury-daily")
	require.True(t, ok)
	assert.Equal(t, StatusExpired, found.Status)
	got, err := f.wf.Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	_, err = f.wf.Create(ctx, f.input("eval-late", 1))
	assert.ErrorIs(t, err, ErrNotPending)
	got, err = f.wf.Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Len(t, f.events.OfType(notify.EventApprovalExpired), 1)
}
