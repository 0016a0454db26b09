package query

import (
	"slices"

	"mercator-hq/spendguard/pkg/audit"
)

// Page sizes for violation queries.
const (
	DefaultLimit = 100
	MaxLimit     = 10000
)

// ValidSortFields are the columns violations can be ordered by.
var ValidSortFields = map[string]bool{
	"timestamp":        true,
	"attempted_amount": true,
	"rule_id":          true,
}

var ValidSortOrders = map[string]bool{
	"asc":  true,
	"desc": true,
}

// Validate rejects paging, ordering and filter values the backends cannot
// serve. Errors are *audit.QueryError.
func Validate(q *audit.Query) error {
	switch {
	case q.Limit < 0 || q.Limit > MaxLimit:
		return audit.NewQueryError("limit", "must be between 0 and %d, got %d", MaxLimit, q.Limit)
	case q.Offset < 0:
		return audit.NewQueryError("offset", "must not be negative, got %d", q.Offset)
	case q.SortBy != "" && !ValidSortFields[q.SortBy]:
		return audit.NewQueryError("sortBy", "unknown field %q", q.SortBy)
	case q.SortOrder != "" && !ValidSortOrders[q.SortOrder]:
		return audit.NewQueryError("sortOrder", "%q is neither asc nor desc", q.SortOrder)
	case q.StartTime != nil && q.EndTime != nil && q.StartTime.After(*q.EndTime):
		return audit.NewQueryError("from", "is after to")
	case q.Action != "" && !slices.Contains(audit.Actions, q.Action):
		return audit.NewQueryError("action", "unknown action %q", q.Action)
	case q.ResolutionStatus != "" && !slices.Contains(audit.Resolutions, q.ResolutionStatus):
		return audit.NewQueryError("resolutionStatus", "unknown status %q", q.ResolutionStatus)
	}
	return nil
}

// ApplyDefaults fills in the limit and newest-first ordering.
func ApplyDefaults(q *audit.Query) {
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.SortBy == "" {
		q.SortBy = "timestamp"
	}
	if q.SortOrder == "" {
		q.SortOrder = "desc"
	}
}
