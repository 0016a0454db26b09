package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"mercator-hq/spendguard/pkg/rules"
)

// Result is the output of Match.
type Result struct {
	// Rules are the applicable rules in evaluation order.
	Rules []*rules.Rule

	// Skipped holds rules whose conditions could not be evaluated.
	Skipped []*rules.ConfigurationError
}

// Matcher selects the rules that apply to a request. It has no state beyond
// its logger and is safe for concurrent use.
type Matcher struct {
	logger *slog.Logger
}

// New creates a Matcher.
func New(logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{logger: logger.With("component", "matcher")}
}

// Match returns the candidate rules for req, sorted by priority ascending
// with ties broken by ID.
//
// A rule is a candidate when it is active and enforced, its scope and
// appliesTo bind to the request's target for that scope, and every one of its
// conditions holds. A rule whose condition cannot be evaluated is reported in
// Result.Skipped and never becomes a candidate.
//
// The only error returned is ctx.Err().
func (m *Matcher) Match(ctx context.Context, candidates []*rules.Rule, req *rules.Request) (*Result, error) {
	result := &Result{}

	for _, rule := range candidates {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if !rule.Participates() {
			continue
		}
		if !rule.AppliesToTarget(req.Targets.For(rule.Scope)) {
			continue
		}

		matched, err := m.matchConditions(rule, req)
		if err != nil {
			cfgErr := &rules.ConfigurationError{RuleID: rule.ID, Cause: err}
			result.Skipped = append(result.Skipped, cfgErr)
			m.logger.Warn("skipping misconfigured rule",
				"rule_id", rule.ID,
				"error", err,
			)
			continue
		}
		if !matched {
			continue
		}
		result.Rules = append(result.Rules, rule)
	}

	SortByPriority(result.Rules)
	return result, nil
}

// matchConditions evaluates every condition with AND semantics.
func (m *Matcher) matchConditions(rule *rules.Rule, req *rules.Request) (bool, error) {
	for i, cond := range rule.Conditions {
		if err := rules.ValidateCondition(cond); err != nil {
			return false, fmt.Errorf("condition %d: %w", i, err)
		}

		actual, err := req.Field(cond.Field)
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", i, err)
		}

		ok, err := evaluateOperator(cond.Operator, actual, cond.Value)
		if err != nil {
			return false, fmt.Errorf("condition %d (%s %s): %w", i, cond.Field, cond.Operator, err)
		}

		m.logger.Debug("condition evaluated",
			"rule_id", rule.ID,
			"field", cond.Field,
			"operator", cond.Operator,
			"expected", cond.Value,
			"actual", actual,
			"matched", ok,
		)

		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// SortByPriority orders rules by priority ascending, then ID ascending.
func SortByPriority(rs []*rules.Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority < rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}
