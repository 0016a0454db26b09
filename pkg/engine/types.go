package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/spendguard/pkg/ledger"
	"mercator-hq/spendguard/pkg/rules"
)

// Decision is the verdict for a transaction attempt.
type Decision string

const (
	// DecisionPass means no rule was breached.
	DecisionPass Decision = "PASS"

	// DecisionPassWithOverride means at least one breach was covered by an
	// override grant.
	DecisionPassWithOverride Decision = "PASS_WITH_OVERRIDE"

	// DecisionAutoApproved means at least one breach was below its rule's
	// auto-approval amount.
	DecisionAutoApproved Decision = "AUTO_APPROVED"

	// DecisionPendingApproval means the attempt waits on human approval.
	DecisionPendingApproval Decision = "PENDING_APPROVAL"

	// DecisionBlock means the attempt must not proceed.
	DecisionBlock Decision = "BLOCK"
)

// severity orders decisions. The final decision of an evaluation is the most
// severe per-rule decision.
func (d Decision) severity() int {
	switch d {
	case DecisionPass:
		return 0
	case DecisionAutoApproved:
		return 1
	case DecisionPassWithOverride:
		return 2
	case DecisionPendingApproval:
		return 3
	}
	return 4
}

// Allowed reports whether the attempt may proceed.
func (d Decision) Allowed() bool {
	switch d {
	case DecisionPass, DecisionPassWithOverride, DecisionAutoApproved:
		return true
	}
	return false
}

// mostSevere returns the more severe of two decisions.
func mostSevere(a, b Decision) Decision {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// Outcome is what happened to one rule in one evaluation.
type Outcome string

const (
	OutcomeWithin        Outcome = "within"
	OutcomeExempt        Outcome = "exempt"
	OutcomeOverridden    Outcome = "overridden"
	OutcomeAutoApproved  Outcome = "auto_approved"
	OutcomePending       Outcome = "pending_approval"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeNotApplicable Outcome = "not_applicable"
)

// decision maps a rule outcome to its contribution to the final decision.
func (o Outcome) decision() Decision {
	switch o {
	case OutcomeOverridden:
		return DecisionPassWithOverride
	case OutcomeAutoApproved:
		return DecisionAutoApproved
	case OutcomePending:
		return DecisionPendingApproval
	case OutcomeBlocked:
		return DecisionBlock
	}
	return DecisionPass
}

// RuleOutcome reports the evaluation of one candidate rule.
type RuleOutcome struct {
	RuleID        string     `json:"ruleId"`
	RuleName      string     `json:"ruleName"`
	RuleVersion   int64      `json:"ruleVersion"`
	RuleType      rules.Type `json:"ruleType"`
	Priority      int        `json:"priority"`
	ScopeTargetID string     `json:"scopeTargetId"`
	Outcome       Outcome    `json:"outcome"`
	Breached      bool       `json:"breached"`
	Reason        string     `json:"reason,omitempty"`

	// UsedAmount and UsedCount are the window usage read before this
	// attempt, for cumulative rules.
	UsedAmount *decimal.Decimal `json:"usedAmount,omitempty"`
	UsedCount  *int64           `json:"usedCount,omitempty"`

	GrantID     string `json:"grantId,omitempty"`
	ApprovalID  string `json:"approvalId,omitempty"`
	ViolationID string `json:"violationId,omitempty"`
}

// Result is the outcome of evaluating one transaction attempt.
type Result struct {
	EvaluationID string   `json:"evaluationId"`
	Decision     Decision `json:"decision"`

	// TriggeredRules are the IDs of breached rules in evaluation order.
	TriggeredRules []string `json:"triggeredRules"`
	ViolationIDs   []string `json:"violationIds"`

	// PendingApprovalID is the first approval request opened; all of them
	// are in PendingApprovalIDs.
	PendingApprovalID  string   `json:"pendingApprovalId,omitempty"`
	PendingApprovalIDs []string `json:"pendingApprovalIds,omitempty"`

	Outcomes []RuleOutcome `json:"outcomes"`

	// Committed are the ledger increments applied for this attempt.
	// Engine.Release with the evaluation ID reverses them.
	Committed []ledger.Increment `json:"committed,omitempty"`

	// Skipped lists misconfigured rules that were ignored.
	Skipped []string `json:"skipped,omitempty"`

	Simulated   bool      `json:"simulated,omitempty"`
	Attempts    int       `json:"attempts"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}
