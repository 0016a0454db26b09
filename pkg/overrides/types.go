package overrides

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source records how a grant was issued.
type Source string

const (
	// SourceManual grants are issued by an authorized operator.
	SourceManual Source = "manual"

	// SourceApproval grants are issued when an approval request is approved.
	// They cover a single transaction up to MaxAmount.
	SourceApproval Source = "approval"
)

// Grant is a time-boxed permission for one actor to bypass one rule for one
// scope target.
type Grant struct {
	ID            string    `json:"id"`
	RuleID        string    `json:"ruleId"`
	ActorID       string    `json:"actorId"`
	ScopeTargetID string    `json:"scopeTargetId"`
	GrantedBy     string    `json:"grantedBy"`
	GrantedAt     time.Time `json:"grantedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Reason        string    `json:"reason,omitempty"`
	Source        Source    `json:"source"`

	// ApprovalID and MaxAmount are set on approval grants only.
	ApprovalID string           `json:"approvalId,omitempty"`
	MaxAmount  *decimal.Decimal `json:"maxAmount,omitempty"`
	Currency   string           `json:"currency,omitempty"`

	ConsumedAt *time.Time `json:"consumedAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	RevokedBy  string     `json:"revokedBy,omitempty"`
}

// LiveAt reports whether the grant can be used at t. Expiry is exclusive: a
// grant stops being live at ExpiresAt.
func (g *Grant) LiveAt(t time.Time) bool {
	return g.ConsumedAt == nil && g.RevokedAt == nil && t.Before(g.ExpiresAt)
}

// Covers reports whether an approval grant covers amount in currency.
// Manual grants cover any amount.
func (g *Grant) Covers(amount decimal.Decimal, currency string) bool {
	if g.MaxAmount == nil {
		return true
	}
	if g.Currency != "" && currency != "" && g.Currency != currency {
		return false
	}
	return amount.LessThanOrEqual(*g.MaxAmount)
}

func (g *Grant) clone() *Grant {
	c := *g
	if g.MaxAmount != nil {
		m := *g.MaxAmount
		c.MaxAmount = &m
	}
	if g.ConsumedAt != nil {
		t := *g.ConsumedAt
		c.ConsumedAt = &t
	}
	if g.RevokedAt != nil {
		t := *g.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

// GrantRequest asks for a manual override.
type GrantRequest struct {
	RuleID        string   `json:"ruleId"`
	ActorID       string   `json:"actorId"`
	ScopeTargetID string   `json:"scopeTargetId"`
	GrantedBy     string   `json:"grantedBy"`
	GranterRoles  []string `json:"granterRoles"`
	Reason        string   `json:"reason"`
}

// ApprovalGrant describes the grant issued for an approved request.
type ApprovalGrant struct {
	RuleID        string
	ActorID       string
	ScopeTargetID string
	ApprovalID    string
	ApprovedBy    string
	MaxAmount     decimal.Decimal
	Currency      string
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	RuleID   string
	ActorID  string
	Source   Source
	LiveOnly bool
}
