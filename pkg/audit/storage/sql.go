package storage

import (
	"fmt"
	"strings"

	"mercator-hq/spendguard/pkg/audit"
)

type duplicateIDError string

func (e duplicateIDError) Error() string {
	return fmt.Sprintf("duplicate violation id %q", string(e))
}

func errDuplicateID(id string) error {
	return duplicateIDError(id)
}

// violationColumns is the column order shared by inserts and selects.
const violationColumns = `id, evaluation_id, rule_id, rule_name, rule_version, rule_type,
	scope_target_id, actor_id, attempted_amount, currency, occurred_at, action_taken, reason,
	approval_id, grant_id, resolution_status, reviewed_by, reviewed_at, review_note`

// whereBuilder accumulates SQL conditions with dialect-specific placeholders.
type whereBuilder struct {
	placeholder func(n int) string
	conditions  []string
	args        []any
}

func (b *whereBuilder) add(expr string, arg any) {
	b.args = append(b.args, arg)
	b.conditions = append(b.conditions, fmt.Sprintf(expr, b.placeholder(len(b.args))))
}

func (b *whereBuilder) clause() string {
	if len(b.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conditions, " AND ")
}

// buildWhere builds the WHERE clause for q. timeArg converts timestamps to
// the representation the dialect stores.
func buildWhere(q *audit.Query, placeholder func(int) string, timeArg func(any) any) (string, []any) {
	b := &whereBuilder{placeholder: placeholder}

	if q.StartTime != nil {
		b.add("occurred_at >= %s", timeArg(*q.StartTime))
	}
	if q.EndTime != nil {
		b.add("occurred_at <= %s", timeArg(*q.EndTime))
	}
	if q.RuleID != "" {
		b.add("rule_id = %s", q.RuleID)
	}
	if q.ScopeTargetID != "" {
		b.add("scope_target_id = %s", q.ScopeTargetID)
	}
	if q.ActorID != "" {
		b.add("actor_id = %s", q.ActorID)
	}
	if q.EvaluationID != "" {
		b.add("evaluation_id = %s", q.EvaluationID)
	}
	if q.Action != "" {
		b.add("action_taken = %s", string(q.Action))
	}
	if q.ResolutionStatus != "" {
		b.add("resolution_status = %s", string(q.ResolutionStatus))
	}
	return b.clause(), b.args
}

// orderAndPage builds ORDER BY / LIMIT / OFFSET. Sort fields are checked
// against a fixed set so they can be interpolated. amountExpr is the
// dialect's numeric view of attempted_amount; noLimit is what the dialect
// needs before OFFSET when there is no limit ("" when OFFSET may stand alone).
func orderAndPage(q *audit.Query, amountExpr, noLimit string) string {
	column := "occurred_at"
	switch q.SortBy {
	case "attempted_amount":
		column = amountExpr
	case "rule_id":
		column = "rule_id"
	}
	order := "DESC"
	if q.SortOrder == "asc" {
		order = "ASC"
	}

	s := fmt.Sprintf(" ORDER BY %s %s, id %s", column, order, order)
	if column != "occurred_at" {
		s = fmt.Sprintf(" ORDER BY %s %s, occurred_at %s, id %s", column, order, order, order)
	}
	if q.Limit > 0 {
		s += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		if q.Limit <= 0 && noLimit != "" {
			s += " LIMIT " + noLimit
		}
		s += fmt.Sprintf(" OFFSET %d", q.Offset)
	}
	return s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
