package audit

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// Action is what the engine did about a breach.
type Action string

const (
	ActionBlocked              Action = "blocked"
	ActionWarned               Action = "warned"
	ActionApprovedWithOverride Action = "approved-with-override"
	ActionAutoApproved         Action = "auto-approved"
	ActionPendingApproval      Action = "pending-approval"
)

// Actions lists every action.
var Actions = []Action{
	ActionBlocked, ActionWarned, ActionApprovedWithOverride, ActionAutoApproved, ActionPendingApproval,
}

// Resolution is the review state of a violation.
type Resolution string

const (
	ResolutionUnderReview  Resolution = "under_review"
	ResolutionAcknowledged Resolution = "acknowledged"
	ResolutionResolved     Resolution = "resolved"
)

// Resolutions lists every resolution status.
var Resolutions = []Resolution{ResolutionUnderReview, ResolutionAcknowledged, ResolutionResolved}

// Violation records one rule breach in one evaluation. Records are
// append-only; only the review fields change after the fact.
type Violation struct {
	ID              string          `json:"id"`
	EvaluationID    string          `json:"evaluation_id"`
	RuleID          string          `json:"rule_id"`
	RuleName        string          `json:"rule_name"`
	RuleVersion     int64           `json:"rule_version"`
	RuleType        string          `json:"rule_type"`
	ScopeTargetID   string          `json:"scope_target_id"`
	ActorID         string          `json:"actor_id"`
	AttemptedAmount decimal.Decimal `json:"attempted_amount"`
	Currency        string          `json:"currency"`
	Timestamp       time.Time       `json:"timestamp"`
	Action          Action          `json:"action_taken"`
	Reason          string          `json:"reason"`

	// ApprovalID links pending-approval violations to their request;
	// GrantID links overridden ones to the grant used.
	ApprovalID string `json:"approval_id,omitempty"`
	GrantID    string `json:"grant_id,omitempty"`

	ResolutionStatus Resolution `json:"resolution_status"`
	ReviewedBy       string     `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time `json:"reviewed_at,omitempty"`
	ReviewNote       string     `json:"review_note,omitempty"`
}

// Query defines filter parameters for querying violations.
type Query struct {
	// Time range, both inclusive.
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	RuleID           string     `json:"rule_id,omitempty"`
	ScopeTargetID    string     `json:"scope_target_id,omitempty"`
	ActorID          string     `json:"actor_id,omitempty"`
	EvaluationID     string     `json:"evaluation_id,omitempty"`
	Action           Action     `json:"action,omitempty"`
	ResolutionStatus Resolution `json:"resolution_status,omitempty"`

	// Pagination
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`

	// Sorting
	SortBy    string `json:"sort_by,omitempty"`    // "timestamp", "attempted_amount", "rule_id"
	SortOrder string `json:"sort_order,omitempty"` // "asc", "desc"
}

// ResolutionUpdate changes the review state of a violation.
type ResolutionUpdate struct {
	ID         string     `json:"id"`
	Status     Resolution `json:"status"`
	ReviewedBy string     `json:"reviewed_by"`
	ReviewedAt time.Time  `json:"reviewed_at"`
	Note       string     `json:"note,omitempty"`
}

// Storage persists violations. Implementations must be safe for concurrent
// use.
type Storage interface {
	// Append stores every violation or none.
	Append(ctx context.Context, violations []*Violation) error

	// Get returns one violation or ErrViolationNotFound.
	Get(ctx context.Context, id string) (*Violation, error)

	// Query returns violations matching q.
	Query(ctx context.Context, q *Query) ([]*Violation, error)

	// QueryStream streams violations matching q. Both channels are closed
	// when the query completes; errCh carries at most one error.
	QueryStream(ctx context.Context, q *Query) (<-chan *Violation, <-chan error, error)

	// Count returns the number of violations matching q, ignoring
	// pagination.
	Count(ctx context.Context, q *Query) (int64, error)

	// UpdateResolution sets the review fields and returns the updated record.
	UpdateResolution(ctx context.Context, u ResolutionUpdate) (*Violation, error)

	Close() error
}

// Exporter writes violations in some format.
type Exporter interface {
	Export(ctx context.Context, violations []*Violation, w io.Writer) error
	ExportStream(ctx context.Context, violationsCh <-chan *Violation, w io.Writer) error
}
