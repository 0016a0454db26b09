package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/spendguard/pkg/approvals"
	"mercator-hq/spendguard/pkg/audit"
	"mercator-hq/spendguard/pkg/ledger"
	"mercator-hq/spendguard/pkg/rules"
	"mercator-hq/spendguard/pkg/telemetry/tracing"
)

// attempt is one pass over the candidate rules. An attempt is discarded and
// replanned when its commit loses a race.
type attempt struct {
	evaluationID string
	req          *rules.Request

	// at is the transaction time; windows and time restrictions use it.
	// now is the wall clock; grant liveness uses it.
	at  time.Time
	now time.Time

	decision Decision
	entries  []*entry
	skipped  []string
}

type entry struct {
	rule    *rules.Rule
	outcome RuleOutcome

	// inc is committed when the attempt passes.
	inc *ledger.Increment

	// consume is an approval grant used by this rule. It is consumed only
	// when the attempt passes.
	consume string
}

// plan reads rules and usage and decides every candidate. It has no side
// effects. The returned attempt is never nil.
func (e *Engine) plan(ctx context.Context, evaluationID string, req *rules.Request) (*attempt, error) {
	now := e.clock.Now()
	at := req.Timestamp
	if at.IsZero() {
		at = now
	}
	a := &attempt{
		evaluationID: evaluationID,
		req:          req,
		at:           at,
		now:          now,
		decision:     DecisionPass,
	}

	matched, err := e.matcher.Match(ctx, e.rules.Snapshot().Rules(), req)
	if err != nil {
		return a, err
	}
	for _, s := range matched.Skipped {
		a.skipped = append(a.skipped, s.RuleID)
	}

	for _, rule := range matched.Rules {
		if err := ctx.Err(); err != nil {
			return a, err
		}
		target := req.Targets.For(rule.Scope)

		c, err := e.checkRule(ctx, rule, req, target, at)
		var cfgErr *rules.ConfigurationError
		if errors.As(err, &cfgErr) {
			e.logger.WarnContext(ctx, "skipping misconfigured rule", "rule_id", rule.ID, "error", err)
			a.skipped = append(a.skipped, rule.ID)
			continue
		}
		if err != nil {
			return a, ledgerError(err, evaluationID)
		}

		ent := &entry{
			rule: rule,
			outcome: RuleOutcome{
				RuleID:        rule.ID,
				RuleName:      rule.Name,
				RuleVersion:   rule.Version,
				RuleType:      rule.Type,
				Priority:      rule.Priority,
				ScopeTargetID: target,
				UsedAmount:    c.usedAmount,
				UsedCount:     c.usedCount,
			},
		}

		switch {
		case c.notApplicable:
			ent.outcome.Outcome = OutcomeNotApplicable
			ent.outcome.Reason = c.reason

		case rule.IsExempt(req.ActorID, req.ActorRoles):
			ent.outcome.Outcome = OutcomeExempt
			ent.outcome.Reason = "actor is exempt"
			ent.inc = c.inc

		case !c.breached:
			ent.outcome.Outcome = OutcomeWithin
			if c.inc != nil {
				inc := withCeiling(*c.inc, rule)
				ent.inc = &inc
			}

		default:
			ent.outcome.Breached = true
			ent.outcome.Reason = c.reason
			e.escalate(ent, evaluationID, req, target, now)
			if ent.outcome.Outcome.decision().Allowed() {
				ent.inc = c.inc
			}
		}

		a.decision = mostSevere(a.decision, ent.outcome.Outcome.decision())
		a.entries = append(a.entries, ent)
	}

	// A block anywhere makes approval moot.
	if a.decision == DecisionBlock {
		for _, ent := range a.entries {
			if ent.outcome.Outcome == OutcomePending {
				ent.outcome.Outcome = OutcomeBlocked
				ent.outcome.Reason += "; approval not requested because another rule blocked the transaction"
			}
		}
	}
	return a, nil
}

// escalate resolves a breach: manual override, auto-approval, approval
// grant, approval request, and otherwise block, in that order. A rule keeps
// at most one approval request per evaluation: a pending one is reused and a
// rejected, expired or spent one blocks.
func (e *Engine) escalate(ent *entry, evaluationID string, req *rules.Request, target string, now time.Time) {
	rule := ent.rule

	if rule.Override != nil && rule.Override.AllowOverride && e.overrides != nil {
		if g, ok := e.overrides.ActiveManual(rule.ID, req.ActorID, target, now); ok {
			ent.outcome.Outcome = OutcomeOverridden
			ent.outcome.GrantID = g.ID
			return
		}
	}

	if spec := rule.Approval; spec != nil && spec.Required {
		if spec.AutoApproveBelow.IsPositive() && req.Amount.LessThan(spec.AutoApproveBelow) {
			ent.outcome.Outcome = OutcomeAutoApproved
			return
		}
		if e.overrides != nil {
			if g, ok := e.overrides.FindApprovalGrant(rule.ID, req.ActorID, target, req.Amount, req.Currency, now); ok {
				ent.outcome.Outcome = OutcomeOverridden
				ent.outcome.GrantID = g.ID
				ent.outcome.ApprovalID = g.ApprovalID
				ent.consume = g.ID
				return
			}
		}
		if e.approvals != nil && (spec.ThresholdAmount.IsZero() || req.Amount.GreaterThanOrEqual(spec.ThresholdAmount)) {
			prev, ok := e.approvals.Find(evaluationID, rule.ID)
			switch {
			case !ok:
				ent.outcome.Outcome = OutcomePending
			case prev.Status == approvals.StatusPending:
				ent.outcome.Outcome = OutcomePending
				ent.outcome.ApprovalID = prev.ID
			default:
				ent.outcome.Outcome = OutcomeBlocked
				ent.outcome.ApprovalID = prev.ID
				ent.outcome.Reason += fmt.Sprintf("; approval request %s is %s", prev.ID, prev.Status)
			}
			return
		}
	}

	ent.outcome.Outcome = OutcomeBlocked
}

// apply performs the side effects of a planned attempt. Errors for which
// retryable is true mean the attempt must be replanned.
func (e *Engine) apply(ctx context.Context, a *attempt) (*Result, error) {
	switch {
	case a.decision.Allowed():
		return e.commit(ctx, a)
	case a.decision == DecisionPendingApproval:
		return e.requestApproval(ctx, a)
	}
	if err := e.record(ctx, a); err != nil {
		return a.blocked(0), fmt.Errorf("%w: %w", ErrAuditFailure, err)
	}
	return a.result(), nil
}

// commit consumes approval grants, commits usage in one atomic ledger write
// and records violations. A failed audit write undoes both.
func (e *Engine) commit(ctx context.Context, a *attempt) (*Result, error) {
	var consumed []string
	for _, ent := range a.entries {
		if ent.consume == "" {
			continue
		}
		if err := e.overrides.Consume(ctx, ent.consume); err != nil {
			e.unconsume(ctx, consumed)
			return a.blocked(0), fmt.Errorf("consume grant %s: %w", ent.consume, err)
		}
		consumed = append(consumed, ent.consume)
		e.metrics.RecordOverrideConsumed()
	}

	incs := a.increments()
	if len(incs) > 0 {
		if err := e.commitUsage(ctx, a.evaluationID, incs, a.now); err != nil {
			e.unconsume(ctx, consumed)
			return a.blocked(0), err
		}
	}

	if err := e.record(ctx, a); err != nil {
		rollback := context.WithoutCancel(ctx)
		if len(incs) > 0 {
			if _, rerr := e.ledger.Release(rollback, a.evaluationID, a.now); rerr != nil {
				e.logger.ErrorContext(ctx, "failed to release usage after audit failure", "error", rerr)
			}
		}
		e.unconsume(rollback, consumed)
		return a.blocked(0), fmt.Errorf("%w: %w", ErrAuditFailure, err)
	}

	e.observeUsage(a)
	res := a.result()
	res.Committed = incs
	return res, nil
}

func (e *Engine) commitUsage(ctx context.Context, evaluationID string, incs []ledger.Increment, now time.Time) error {
	ctx, span := e.tracer.Start(ctx, "ledger.commit")
	defer span.End()

	err := e.ledger.Commit(ctx, evaluationID, incs, now)
	switch {
	case err == nil:
		e.metrics.RecordCommit("committed")
	case errors.Is(err, ledger.ErrConflict):
		e.metrics.RecordCommit("conflict")
	default:
		e.metrics.RecordCommit("error")
	}
	tracing.SetStatus(span, err)
	return ledgerError(err, evaluationID)
}

// ledgerError turns ledger errors caused by the request itself into
// validation errors. Other errors pass through unchanged.
func ledgerError(err error, evaluationID string) error {
	switch {
	case errors.Is(err, ledger.ErrStaleWindow):
		return rules.NewValidationError(rules.CodeInvalidTimestamp, "timestamp",
			"timestamp falls in a usage window that has already closed")
	case errors.Is(err, ledger.ErrDuplicateReceipt):
		return rules.NewValidationError(rules.CodeDuplicateEvaluation, "id",
			"evaluation %s already committed usage", evaluationID)
	}
	return err
}

func (e *Engine) unconsume(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := e.overrides.Unconsume(ctx, id); err != nil {
			e.logger.ErrorContext(ctx, "failed to restore approval grant", "grant_id", id, "error", err)
		}
	}
}

// requestApproval opens one approval request per pending rule that has none
// yet and records the violations that reference them.
func (e *Engine) requestApproval(ctx context.Context, a *attempt) (*Result, error) {
	for _, ent := range a.entries {
		if ent.outcome.Outcome != OutcomePending || ent.outcome.ApprovalID != "" {
			continue
		}
		r, err := e.approvals.Create(ctx, approvals.CreateInput{
			EvaluationID:  a.evaluationID,
			Rule:          ent.rule,
			ActorID:       a.req.ActorID,
			ScopeTargetID: ent.outcome.ScopeTargetID,
			Amount:        a.req.Amount,
			Currency:      a.req.Currency,
		})
		if err != nil {
			return a.blocked(0), fmt.Errorf("open approval request for %s: %w", ent.rule.ID, err)
		}
		ent.outcome.ApprovalID = r.ID
		e.metrics.RecordApprovalCreated()
	}

	if err := e.record(ctx, a); err != nil {
		return a.blocked(0), fmt.Errorf("%w: %w", ErrAuditFailure, err)
	}
	return a.result(), nil
}

// record writes one violation per breached rule as a single batch.
func (e *Engine) record(ctx context.Context, a *attempt) error {
	var (
		violations []*audit.Violation
		owners     []*entry
	)
	for _, ent := range a.entries {
		action, ok := actionFor(ent.outcome)
		if !ok {
			continue
		}
		violations = append(violations, &audit.Violation{
			EvaluationID:    a.evaluationID,
			RuleID:          ent.rule.ID,
			RuleName:        ent.rule.Name,
			RuleVersion:     ent.rule.Version,
			RuleType:        string(ent.rule.Type),
			ScopeTargetID:   ent.outcome.ScopeTargetID,
			ActorID:         a.req.ActorID,
			AttemptedAmount: a.req.Amount,
			Currency:        a.req.Currency,
			Timestamp:       a.at.UTC(),
			Action:          action,
			Reason:          ent.outcome.Reason,
			ApprovalID:      ent.outcome.ApprovalID,
			GrantID:         ent.outcome.GrantID,
		})
		owners = append(owners, ent)
	}
	if len(violations) == 0 {
		return nil
	}

	if err := e.recorder.Record(ctx, violations); err != nil {
		return err
	}
	for i, v := range violations {
		owners[i].outcome.ViolationID = v.ID
		e.metrics.RecordViolation(string(v.Action))
	}
	return nil
}

func actionFor(o RuleOutcome) (audit.Action, bool) {
	if !o.Breached {
		return "", false
	}
	switch o.Outcome {
	case OutcomeOverridden:
		return audit.ActionApprovedWithOverride, true
	case OutcomeAutoApproved:
		return audit.ActionAutoApproved, true
	case OutcomePending:
		return audit.ActionPendingApproval, true
	case OutcomeBlocked:
		return audit.ActionBlocked, true
	}
	return "", false
}

// observeUsage reports how full each committed counter is.
func (e *Engine) observeUsage(a *attempt) {
	for _, ent := range a.entries {
		if ent.inc == nil || ent.outcome.UsedAmount == nil {
			continue
		}
		switch limit := ent.rule.Limit; {
		case limit.Amount != nil && limit.Amount.Amount.IsPositive():
			used := ent.outcome.UsedAmount.Add(a.req.Amount)
			e.metrics.ObserveUsageRatio(ent.rule.ID, used.Div(limit.Amount.Amount).InexactFloat64())
		case limit.Frequency != nil && limit.Frequency.MaxCount > 0:
			used := decimal.NewFromInt(*ent.outcome.UsedCount + 1)
			e.metrics.ObserveUsageRatio(ent.rule.ID, used.Div(decimal.NewFromInt(limit.Frequency.MaxCount)).InexactFloat64())
		}
	}
}

// increments returns every increment the attempt commits when it passes.
func (a *attempt) increments() []ledger.Increment {
	var incs []ledger.Increment
	for _, ent := range a.entries {
		if ent.inc != nil {
			incs = append(incs, *ent.inc)
		}
	}
	return incs
}

func (a *attempt) result() *Result {
	res := &Result{
		EvaluationID:   a.evaluationID,
		Decision:       a.decision,
		TriggeredRules: []string{},
		ViolationIDs:   []string{},
		Outcomes:       make([]RuleOutcome, 0, len(a.entries)),
		Skipped:        a.skipped,
		EvaluatedAt:    a.now,
	}
	for _, ent := range a.entries {
		o := ent.outcome
		res.Outcomes = append(res.Outcomes, o)
		if o.Breached {
			res.TriggeredRules = append(res.TriggeredRules, o.RuleID)
		}
		if o.ViolationID != "" {
			res.ViolationIDs = append(res.ViolationIDs, o.ViolationID)
		}
		if o.Outcome == OutcomePending && o.ApprovalID != "" {
			res.PendingApprovalIDs = append(res.PendingApprovalIDs, o.ApprovalID)
		}
	}
	if len(res.PendingApprovalIDs) > 0 {
		res.PendingApprovalID = res.PendingApprovalIDs[0]
	}
	return res
}

// blocked returns the attempt's result forced to BLOCK with nothing
// committed.
func (a *attempt) blocked(attempts int) *Result {
	res := a.result()
	res.Decision = DecisionBlock
	res.Attempts = attempts
	return res
}
