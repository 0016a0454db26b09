package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"time"
)

// Normalize fills defaults implied by the rule's type. It is applied before
// validation on every write path.
func Normalize(r *Rule) {
	if r.Status == "" {
		r.Status = StatusDraft
	}
	if r.Limit.Amount != nil && r.Limit.Amount.Timeframe == "" {
		r.Limit.Amount.Timeframe = DefaultTimeframe(r.Type)
	}
	if r.Limit.Frequency != nil && r.Limit.Frequency.Timeframe == "" {
		r.Limit.Frequency.Timeframe = DefaultTimeframe(r.Type)
	}
	if r.Approval != nil && r.Approval.Required && r.Approval.RequiredApprovals == 0 {
		r.Approval.RequiredApprovals = 1
	}
}

// Validate checks a rule for structural and semantic errors. It returns the
// first problem found as a *ValidationError.
func Validate(r *Rule) error {
	if r == nil {
		return NewValidationError(CodeRequired, "rule", "rule is required")
	}
	if r.ID == "" {
		return NewValidationError(CodeRequired, "id", "rule id is required")
	}
	if r.Name == "" {
		return NewValidationError(CodeRequired, "name", "rule name is required")
	}
	if !slices.Contains(Types, r.Type) {
		return NewValidationError(CodeUnknownType, "type", "unknown rule type %q", r.Type)
	}
	if !slices.Contains(Scopes, r.Scope) {
		return NewValidationError(CodeUnknownScope, "scope", "unknown scope %q", r.Scope)
	}
	if len(r.AppliesTo) == 0 {
		return NewValidationError(CodeRequired, "appliesTo", "at least one target is required")
	}
	if r.Priority <= 0 {
		return NewValidationError(CodeInvalidPriority, "priority", "priority must be a positive integer, got %d", r.Priority)
	}
	switch r.Status {
	case StatusDraft, StatusActive, StatusInactive:
	default:
		return NewValidationError(CodeUnknownStatus, "status", "unknown status %q", r.Status)
	}

	if err := validateLimit(r); err != nil {
		return err
	}
	for i, c := range r.Conditions {
		if err := ValidateCondition(c); err != nil {
			return NewValidationError(CodeInvalidCondition, fmt.Sprintf("conditions[%d]", i), "%v", err)
		}
	}
	if err := validateApproval(r.Approval); err != nil {
		return err
	}
	return validateOverride(r.Override)
}

// expectedKind maps each rule type to its LimitSpec variant.
var expectedKind = map[Type]LimitKind{
	TypePerTransaction:   KindAmount,
	TypeDaily:            KindAmount,
	TypeWeekly:           KindAmount,
	TypeMonthly:          KindAmount,
	TypeVelocity:         KindFrequency,
	TypeMerchantCategory: KindMerchant,
	TypeGeographic:       KindGeographic,
	TypeTimeRestriction:  KindTimeWindow,
	TypeRoleBased:        KindRoles,
}

func validateLimit(r *Rule) error {
	want := expectedKind[r.Type]
	got := r.Limit.Kind()
	if got != want {
		return NewValidationError(CodeLimitMismatch, "limit",
			"rule type %s requires a %s limit spec, got %q", r.Type, want, got)
	}

	switch want {
	case KindAmount:
		a := r.Limit.Amount
		if !a.Amount.IsPositive() {
			return NewValidationError(CodeInvalidAmount, "limit.amount.amount", "amount must be positive")
		}
		if len(a.Currency) != 3 {
			return NewValidationError(CodeInvalidCurrency, "limit.amount.currency", "currency must be an ISO 4217 code, got %q", a.Currency)
		}
		if a.Timeframe != DefaultTimeframe(r.Type) {
			return NewValidationError(CodeInvalidTimeframe, "limit.amount.timeframe",
				"rule type %s requires timeframe %s, got %s", r.Type, DefaultTimeframe(r.Type), a.Timeframe)
		}

	case KindFrequency:
		f := r.Limit.Frequency
		if f.MaxCount <= 0 {
			return NewValidationError(CodeInvalidCount, "limit.frequency.maxCount", "maxCount must be positive")
		}
		switch f.Timeframe {
		case TimeframeHourly, TimeframeDaily, TimeframeWeekly, TimeframeMonthly:
		default:
			return NewValidationError(CodeInvalidTimeframe, "limit.frequency.timeframe",
				"velocity timeframe must be hourly, daily, weekly or monthly, got %q", f.Timeframe)
		}

	case KindMerchant:
		m := r.Limit.Merchant
		if len(m.BlockedCategories) == 0 && m.AllowAlcohol == nil && m.AllowGambling == nil &&
			m.AllowAdult == nil && m.AllowCrypto == nil {
			return NewValidationError(CodeRequired, "limit.merchant", "merchant limit restricts nothing")
		}

	case KindGeographic:
		g := r.Limit.Geographic
		if len(g.AllowedCountries) == 0 && len(g.BlockedCountries) == 0 {
			return NewValidationError(CodeRequired, "limit.geographic", "allowedCountries or blockedCountries is required")
		}
		for _, c := range append(slices.Clone(g.AllowedCountries), g.BlockedCountries...) {
			if len(c) != 2 {
				return NewValidationError(CodeInvalidCountry, "limit.geographic", "country %q is not an ISO 3166-1 alpha-2 code", c)
			}
		}

	case KindTimeWindow:
		w := r.Limit.TimeWindow
		if len(w.AllowedDays) == 0 && w.AllowedHours == nil {
			return NewValidationError(CodeRequired, "limit.timeWindow", "allowedDays or allowedHours is required")
		}
		for _, d := range w.AllowedDays {
			if _, err := ParseWeekday(d); err != nil {
				return NewValidationError(CodeInvalidDay, "limit.timeWindow.allowedDays", "%v", err)
			}
		}
		if w.AllowedHours != nil {
			start, err := ParseClock(w.AllowedHours.Start)
			if err != nil {
				return NewValidationError(CodeInvalidHours, "limit.timeWindow.allowedHours.start", "%v", err)
			}
			end, err := ParseClock(w.AllowedHours.End)
			if err != nil {
				return NewValidationError(CodeInvalidHours, "limit.timeWindow.allowedHours.end", "%v", err)
			}
			if start >= end {
				return NewValidationError(CodeInvalidHours, "limit.timeWindow.allowedHours", "start must be before end")
			}
		}
		if w.Timezone != "" {
			if _, err := time.LoadLocation(w.Timezone); err != nil {
				return NewValidationError(CodeInvalidTimezone, "limit.timeWindow.timezone", "unknown timezone %q", w.Timezone)
			}
		}

	case KindRoles:
		if len(r.Limit.Roles.PermittedRoles) == 0 {
			return NewValidationError(CodeRequired, "limit.roles.permittedRoles", "at least one permitted role is required")
		}
	}

	return nil
}

// ValidateCondition checks that a condition can be evaluated.
func ValidateCondition(c Condition) error {
	if !IsKnownField(c.Field) {
		return fmt.Errorf("unknown field %q", c.Field)
	}
	if !slices.Contains(Operators, c.Operator) {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	if c.Value == nil {
		return fmt.Errorf("operator %s requires a value", c.Operator)
	}

	switch c.Operator {
	case OpInList, OpNotInList:
		kind := reflect.ValueOf(c.Value).Kind()
		if kind != reflect.Slice && kind != reflect.Array {
			return fmt.Errorf("operator %s requires a list value, got %T", c.Operator, c.Value)
		}
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		if !isNumber(c.Value) {
			return fmt.Errorf("operator %s requires a numeric value, got %T", c.Operator, c.Value)
		}
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("operator matches requires a string pattern, got %T", c.Value)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	return nil
}

func validateApproval(a *ApprovalSpec) error {
	if a == nil || !a.Required {
		return nil
	}
	if len(a.ApproverRoles) == 0 {
		return NewValidationError(CodeInvalidApproval, "approval.approverRoles", "approver roles are required when approval is required")
	}
	if a.ThresholdAmount.IsNegative() || a.AutoApproveBelow.IsNegative() {
		return NewValidationError(CodeInvalidApproval, "approval", "approval amounts cannot be negative")
	}
	if a.RequiredApprovals < 1 {
		return NewValidationError(CodeInvalidApproval, "approval.requiredApprovals", "at least one approval is required")
	}
	return nil
}

func validateOverride(o *OverrideSpec) error {
	if o == nil || !o.AllowOverride {
		return nil
	}
	if len(o.OverrideRoles) == 0 {
		return NewValidationError(CodeInvalidOverride, "override.overrideRoles", "override roles are required when overrides are allowed")
	}
	if o.OverrideDurationHours <= 0 {
		return NewValidationError(CodeInvalidOverride, "override.overrideDurationHours", "override duration must be positive")
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}
