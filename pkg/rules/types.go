package rules

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies the family a rule belongs to. The type decides which
// LimitSpec variant the rule carries and which breach check applies.
type Type string

const (
	// TypePerTransaction caps the amount of a single transaction.
	TypePerTransaction Type = "per-transaction-limit"

	// TypeDaily caps the cumulative amount per calendar day.
	TypeDaily Type = "daily-limit"

	// TypeWeekly caps the cumulative amount per calendar week.
	TypeWeekly Type = "weekly-limit"

	// TypeMonthly caps the cumulative amount per calendar month.
	TypeMonthly Type = "monthly-limit"

	// TypeVelocity caps the number of transactions per window.
	TypeVelocity Type = "velocity"

	// TypeMerchantCategory blocks merchant category codes or classes.
	TypeMerchantCategory Type = "merchant-category"

	// TypeGeographic restricts the transaction origin country.
	TypeGeographic Type = "geographic"

	// TypeTimeRestriction restricts the days and hours transactions may occur.
	TypeTimeRestriction Type = "time-restriction"

	// TypeRoleBased restricts transactions to actors holding a permitted role.
	TypeRoleBased Type = "role-based"
)

// Types lists every supported rule type.
var Types = []Type{
	TypePerTransaction, TypeDaily, TypeWeekly, TypeMonthly, TypeVelocity,
	TypeMerchantCategory, TypeGeographic, TypeTimeRestriction, TypeRoleBased,
}

// Scope is the kind of entity a rule binds to.
type Scope string

const (
	ScopeUser         Scope = "user"
	ScopeCard         Scope = "card"
	ScopeAccount      Scope = "account"
	ScopeDepartment   Scope = "department"
	ScopeOrganization Scope = "organization"
)

// Scopes lists every supported scope.
var Scopes = []Scope{ScopeUser, ScopeCard, ScopeAccount, ScopeDepartment, ScopeOrganization}

// Status is the lifecycle state of a rule.
type Status string

const (
	// StatusDraft rules are stored but never evaluated.
	StatusDraft Status = "draft"

	// StatusActive rules participate in evaluation when enforced.
	StatusActive Status = "active"

	// StatusInactive rules are retired. They are kept for audit history.
	StatusInactive Status = "inactive"
)

// Timeframe is the calendar window a cumulative limit accumulates over.
type Timeframe string

const (
	// TimeframeTransaction keeps no state; each transaction stands alone.
	TimeframeTransaction Timeframe = "transaction"
	TimeframeHourly      Timeframe = "hourly"
	TimeframeDaily       Timeframe = "daily"
	TimeframeWeekly      Timeframe = "weekly"
	TimeframeMonthly     Timeframe = "monthly"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpInList             Operator = "in_list"
	OpNotInList          Operator = "not_in_list"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpMatches            Operator = "matches"
)

// Operators lists every supported condition operator.
var Operators = []Operator{
	OpEquals, OpNotEquals, OpInList, OpNotInList,
	OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual,
	OpContains, OpStartsWith, OpEndsWith, OpMatches,
}

// Condition is a single predicate over a request field.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// LimitSpec holds the type-specific limit parameters. Exactly one variant is
// set and it must match the rule's Type; Validate enforces this.
type LimitSpec struct {
	Amount     *AmountLimit     `json:"amount,omitempty" yaml:"amount,omitempty"`
	Frequency  *FrequencyLimit  `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	Merchant   *MerchantLimit   `json:"merchant,omitempty" yaml:"merchant,omitempty"`
	Geographic *GeographicLimit `json:"geographic,omitempty" yaml:"geographic,omitempty"`
	TimeWindow *TimeWindowLimit `json:"timeWindow,omitempty" yaml:"timeWindow,omitempty"`
	Roles      *RoleLimit       `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// LimitKind names a LimitSpec variant.
type LimitKind string

const (
	KindNone       LimitKind = ""
	KindAmount     LimitKind = "amount"
	KindFrequency  LimitKind = "frequency"
	KindMerchant   LimitKind = "merchant"
	KindGeographic LimitKind = "geographic"
	KindTimeWindow LimitKind = "timeWindow"
	KindRoles      LimitKind = "roles"
	KindAmbiguous  LimitKind = "ambiguous"
)

// Kind reports which variant is set. It returns KindNone when no variant is
// set and KindAmbiguous when more than one is.
func (s LimitSpec) Kind() LimitKind {
	kind := KindNone
	set := func(k LimitKind) {
		if kind == KindNone {
			kind = k
		} else {
			kind = KindAmbiguous
		}
	}
	if s.Amount != nil {
		set(KindAmount)
	}
	if s.Frequency != nil {
		set(KindFrequency)
	}
	if s.Merchant != nil {
		set(KindMerchant)
	}
	if s.Geographic != nil {
		set(KindGeographic)
	}
	if s.TimeWindow != nil {
		set(KindTimeWindow)
	}
	if s.Roles != nil {
		set(KindRoles)
	}
	return kind
}

// AmountLimit is a monetary ceiling over a timeframe.
type AmountLimit struct {
	Amount    decimal.Decimal `json:"amount" yaml:"amount"`
	Currency  string          `json:"currency" yaml:"currency"`
	Timeframe Timeframe       `json:"timeframe" yaml:"timeframe"`
}

// FrequencyLimit is a transaction count ceiling over a timeframe.
type FrequencyLimit struct {
	MaxCount  int64     `json:"maxCount" yaml:"maxCount"`
	Timeframe Timeframe `json:"timeframe" yaml:"timeframe"`
}

// MerchantLimit blocks merchant category codes. The Allow* flags restrict
// whole merchant classes; a nil flag leaves the class unrestricted.
type MerchantLimit struct {
	BlockedCategories []string `json:"blockedCategories,omitempty" yaml:"blockedCategories,omitempty"`
	AllowAlcohol      *bool    `json:"allowAlcohol,omitempty" yaml:"allowAlcohol,omitempty"`
	AllowGambling     *bool    `json:"allowGambling,omitempty" yaml:"allowGambling,omitempty"`
	AllowAdult        *bool    `json:"allowAdult,omitempty" yaml:"allowAdult,omitempty"`
	AllowCrypto       *bool    `json:"allowCrypto,omitempty" yaml:"allowCrypto,omitempty"`
}

// GeographicLimit restricts origin countries (ISO 3166-1 alpha-2).
type GeographicLimit struct {
	AllowedCountries []string `json:"allowedCountries,omitempty" yaml:"allowedCountries,omitempty"`
	BlockedCountries []string `json:"blockedCountries,omitempty" yaml:"blockedCountries,omitempty"`
}

// HourRange is a half-open local time range in HH:MM form.
type HourRange struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// TimeWindowLimit restricts when transactions may occur. Days use the
// lowercase three-letter form ("mon".."sun").
type TimeWindowLimit struct {
	AllowedDays  []string   `json:"allowedDays,omitempty" yaml:"allowedDays,omitempty"`
	AllowedHours *HourRange `json:"allowedHours,omitempty" yaml:"allowedHours,omitempty"`
	Timezone     string     `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// RoleLimit restricts transactions to actors holding one of the roles.
type RoleLimit struct {
	PermittedRoles []string `json:"permittedRoles" yaml:"permittedRoles"`
}

// ApprovalSpec configures escalation to human approval on breach.
type ApprovalSpec struct {
	Required bool `json:"required" yaml:"required"`

	// ThresholdAmount is the amount at or above which a breach goes to
	// approval instead of being blocked outright. Zero means any amount.
	ThresholdAmount decimal.Decimal `json:"thresholdAmount" yaml:"thresholdAmount"`

	ApproverRoles []string `json:"approverRoles" yaml:"approverRoles"`

	// AutoApproveBelow lets breaches with smaller amounts pass without a
	// human. Zero disables auto-approval.
	AutoApproveBelow decimal.Decimal `json:"autoApproveBelow" yaml:"autoApproveBelow"`

	// RequiredApprovals is the number of distinct approvers needed (default 1).
	RequiredApprovals int `json:"requiredApprovals,omitempty" yaml:"requiredApprovals,omitempty"`
}

// OverrideSpec configures temporary override grants for a rule.
type OverrideSpec struct {
	AllowOverride         bool     `json:"allowOverride" yaml:"allowOverride"`
	OverrideRoles         []string `json:"overrideRoles" yaml:"overrideRoles"`
	OverrideDurationHours int      `json:"overrideDurationHours" yaml:"overrideDurationHours"`
	RequireReason         bool     `json:"requireReason" yaml:"requireReason"`
}

// Rule is a configured spend control.
type Rule struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Type        Type   `json:"type" yaml:"type"`

	Scope Scope `json:"scope" yaml:"scope"`

	// AppliesTo lists the concrete targets of Scope the rule binds to.
	// "*" binds the rule to every target of the scope.
	AppliesTo []string `json:"appliesTo" yaml:"appliesTo"`

	// Priority orders evaluation; lower runs first, ties broken by ID.
	Priority int `json:"priority" yaml:"priority"`

	Status   Status `json:"status" yaml:"status"`
	Enforced bool   `json:"enforced" yaml:"enforced"`

	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Limit      LimitSpec   `json:"limit" yaml:"limit"`

	// Exemptions are actor IDs or role names that bypass the rule.
	Exemptions []string `json:"exemptions,omitempty" yaml:"exemptions,omitempty"`

	Approval *ApprovalSpec `json:"approval,omitempty" yaml:"approval,omitempty"`
	Override *OverrideSpec `json:"override,omitempty" yaml:"override,omitempty"`

	Version   int64     `json:"version" yaml:"-"`
	CreatedBy string    `json:"createdBy,omitempty" yaml:"-"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
	UpdatedBy string    `json:"updatedBy,omitempty" yaml:"-"`
}

// Participates reports whether the rule takes part in evaluation.
func (r *Rule) Participates() bool {
	return r.Status == StatusActive && r.Enforced
}

// AppliesToTarget reports whether the rule binds to the given target.
func (r *Rule) AppliesToTarget(target string) bool {
	if target == "" {
		return false
	}
	for _, t := range r.AppliesTo {
		if t == "*" || t == target {
			return true
		}
	}
	return false
}

// IsExempt reports whether the actor, or any of its roles, is exempt.
func (r *Rule) IsExempt(actorID string, roles []string) bool {
	for _, e := range r.Exemptions {
		if e == actorID && actorID != "" {
			return true
		}
		if slices.Contains(roles, e) {
			return true
		}
	}
	return false
}

// Timeframe returns the accumulation window of a limit rule. Non-limit rules
// return TimeframeTransaction.
func (r *Rule) Timeframe() Timeframe {
	switch {
	case r.Limit.Amount != nil && r.Limit.Amount.Timeframe != "":
		return r.Limit.Amount.Timeframe
	case r.Limit.Frequency != nil && r.Limit.Frequency.Timeframe != "":
		return r.Limit.Frequency.Timeframe
	}
	return DefaultTimeframe(r.Type)
}

// IsCumulative reports whether the rule keeps usage in the ledger.
func (r *Rule) IsCumulative() bool {
	switch r.Type {
	case TypeDaily, TypeWeekly, TypeMonthly, TypePerTransaction, TypeVelocity:
		return r.Timeframe() != TimeframeTransaction
	}
	return false
}

// DefaultTimeframe returns the timeframe implied by a limit rule type.
func DefaultTimeframe(t Type) Timeframe {
	switch t {
	case TypeDaily:
		return TimeframeDaily
	case TypeWeekly:
		return TimeframeWeekly
	case TypeMonthly:
		return TimeframeMonthly
	case TypeVelocity:
		return TimeframeHourly
	}
	return TimeframeTransaction
}

// Clone returns a deep copy of the rule. Snapshots hand out clones so callers
// can never mutate stored state.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.AppliesTo = slices.Clone(r.AppliesTo)
	c.Exemptions = slices.Clone(r.Exemptions)
	if r.Conditions != nil {
		c.Conditions = make([]Condition, len(r.Conditions))
		for i, cond := range r.Conditions {
			c.Conditions[i] = cond
			if list, ok := cond.Value.([]any); ok {
				c.Conditions[i].Value = slices.Clone(list)
			}
		}
	}
	c.Limit = r.Limit.clone()
	if r.Approval != nil {
		a := *r.Approval
		a.ApproverRoles = slices.Clone(r.Approval.ApproverRoles)
		c.Approval = &a
	}
	if r.Override != nil {
		o := *r.Override
		o.OverrideRoles = slices.Clone(r.Override.OverrideRoles)
		c.Override = &o
	}
	return &c
}

func (s LimitSpec) clone() LimitSpec {
	var c LimitSpec
	if s.Amount != nil {
		a := *s.Amount
		c.Amount = &a
	}
	if s.Frequency != nil {
		f := *s.Frequency
		c.Frequency = &f
	}
	if s.Merchant != nil {
		m := *s.Merchant
		m.BlockedCategories = slices.Clone(s.Merchant.BlockedCategories)
		c.Merchant = &m
	}
	if s.Geographic != nil {
		g := GeographicLimit{
			AllowedCountries: slices.Clone(s.Geographic.AllowedCountries),
			BlockedCountries: slices.Clone(s.Geographic.BlockedCountries),
		}
		c.Geographic = &g
	}
	if s.TimeWindow != nil {
		tw := *s.TimeWindow
		tw.AllowedDays = slices.Clone(s.TimeWindow.AllowedDays)
		if s.TimeWindow.AllowedHours != nil {
			h := *s.TimeWindow.AllowedHours
			tw.AllowedHours = &h
		}
		c.TimeWindow = &tw
	}
	if s.Roles != nil {
		c.Roles = &RoleLimit{PermittedRoles: slices.Clone(s.Roles.PermittedRoles)}
	}
	return c
}
