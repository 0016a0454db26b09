package query

import (
	"errors"
	"testing"
	"time"

	"mercator-hq/spendguard/pkg/audit"
)

func TestValidate(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name    string
		query   audit.Query
		param string
	}{
		{"empty", audit.Query{}, ""},
		{"full", audit.Query{
			StartTime: &earlier, EndTime: &now,
			RuleID: "r", Action: audit.ActionBlocked, ResolutionStatus: audit.ResolutionResolved,
			Limit: 50, Offset: 10, SortBy: "attempted_amount", SortOrder: "asc",
		}, ""},
		{"negative limit", audit.Query{Limit: -1}, "limit"},
		{"limit too large", audit.Query{Limit: MaxLimit + 1}, "limit"},
		{"negative offset", audit.Query{Offset: -5}, "offset"},
		{"bad sort field", audit.Query{SortBy: "actor_id; DROP TABLE violations"}, "sortBy"},
		{"bad sort order", audit.Query{SortOrder: "sideways"}, "sortOrder"},
		{"inverted range", audit.Query{StartTime: &now, EndTime: &earlier}, "from"},
		{"unknown action", audit.Query{Action: "ignored"}, "action"},
		{"unknown resolution", audit.Query{ResolutionStatus: "closed"}, "resolutionStatus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.query
			err := Validate(&q)
			if tt.param == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			var qe *audit.QueryError
			if !errors.As(err, &qe) {
				t.Fatalf("expected *audit.QueryError, got %T (%v)", err, err)
			}
			if qe.Param != tt.param {
				t.Errorf("Param = %q, want %q", qe.Param, tt.param)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	q := &audit.Query{}
	ApplyDefaults(q)

	if q.Limit != DefaultLimit {
		t.Errorf("Limit = %d, want %d", q.Limit, DefaultLimit)
	}
	if q.SortBy != "timestamp" || q.SortOrder != "desc" {
		t.Errorf("sort = %s %s, want timestamp desc", q.SortBy, q.SortOrder)
	}

	q = &audit.Query{Limit: 5, SortBy: "rule_id", SortOrder: "asc"}
	ApplyDefaults(q)
	if q.Limit != 5 || q.SortBy != "rule_id" || q.SortOrder != "asc" {
		t.Errorf("ApplyDefaults overwrote explicit values: %+v", q)
	}
}
