package approvals

import (
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/spendguard/pkg/rules"
)

// ErrRequestNotFound indicates no approval request exists with the given ID.
var ErrRequestNotFound = errors.New("approval request not found")

// ErrNotPending indicates the request was already approved, rejected or
// expired.
var ErrNotPending = errors.New("approval request is not pending")

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Decision is one approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// DecisionRecord is a recorded verdict.
type DecisionRecord struct {
	Approver  string    `json:"approver"`
	Role      string    `json:"role"`
	Decision  Decision  `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Request asks approvers to allow one breaching transaction.
type Request struct {
	ID                string           `json:"id"`
	EvaluationID      string           `json:"evaluationId"`
	RuleID            string           `json:"ruleId"`
	RuleVersion       int64            `json:"ruleVersion"`
	ActorID           string           `json:"actorId"`
	ScopeTargetID     string           `json:"scopeTargetId"`
	RequestedAmount   decimal.Decimal  `json:"requestedAmount"`
	Currency          string           `json:"currency"`
	ApproverRoles     []string         `json:"approverRoles"`
	RequiredApprovals int              `json:"requiredApprovals"`
	Decisions         []DecisionRecord `json:"decisions"`
	Status            Status           `json:"status"`
	CreatedAt         time.Time        `json:"createdAt"`
	ExpiresAt         time.Time        `json:"expiresAt"`
	ResolvedAt        *time.Time       `json:"resolvedAt,omitempty"`
	ResolvedBy        string           `json:"resolvedBy,omitempty"`

	// GrantID is the override grant issued on approval.
	GrantID string `json:"grantId,omitempty"`
}

// Approvals returns the number of approve decisions.
func (r *Request) Approvals() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Decision == DecisionApprove {
			n++
		}
	}
	return n
}

func (r *Request) hasDecided(approver string) bool {
	return slices.ContainsFunc(r.Decisions, func(d DecisionRecord) bool { return d.Approver == approver })
}

func (r *Request) clone() *Request {
	c := *r
	c.ApproverRoles = slices.Clone(r.ApproverRoles)
	c.Decisions = slices.Clone(r.Decisions)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// CreateInput describes a breaching transaction that needs approval.
type CreateInput struct {
	EvaluationID  string
	Rule          *rules.Rule
	ActorID       string
	ScopeTargetID string
	Amount        decimal.Decimal
	Currency      string
}

// Resolution is one approver acting on a request.
type Resolution struct {
	RequestID     string   `json:"requestId"`
	Approver      string   `json:"approver"`
	ApproverRoles []string `json:"approverRoles"`
	Decision      Decision `json:"decision"`
	Comment       string   `json:"comment,omitempty"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status  Status
	RuleID  string
	ActorID string
}
