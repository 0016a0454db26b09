package rules

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dailyRule() *Rule {
	return &Rule{
		ID:        "daily-treasury",
		Name:      "Treasury daily cap",
		Type:      TypeDaily,
		Scope:     ScopeAccount,
		AppliesTo: []string{"acct-1"},
		Priority:  10,
		Enforced:  true,
		Limit: LimitSpec{
			Amount: &AmountLimit{Amount: decimal.NewFromInt(10_000_000), Currency: "USD"},
		},
	}
}

// ============================================================================
// Normalize
// ============================================================================

func TestNormalize_Defaults(t *testing.T) {
	r := dailyRule()
	r.Approval = &ApprovalSpec{Required: true, ApproverRoles: []string{"cfo"}}
	Normalize(r)

	if r.Status != StatusDraft {
		t.Errorf("Expected status draft, got %s", r.Status)
	}
	if r.Limit.Amount.Timeframe != TimeframeDaily {
		t.Errorf("Expected timeframe daily, got %s", r.Limit.Amount.Timeframe)
	}
	if r.Approval.RequiredApprovals != 1 {
		t.Errorf("Expected 1 required approval, got %d", r.Approval.RequiredApprovals)
	}
}

// ============================================================================
// Validate
// ============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(r *Rule)
		wantCode string
	}{
		{name: "valid daily rule", mutate: func(r *Rule) {}},
		{name: "missing id", mutate: func(r *Rule) { r.ID = "" }, wantCode: CodeRequired},
		{name: "unknown type", mutate: func(r *Rule) { r.Type = "hourly-limit" }, wantCode: CodeUnknownType},
		{name: "unknown scope", mutate: func(r *Rule) { r.Scope = "wallet" }, wantCode: CodeUnknownScope},
		{name: "no targets", mutate: func(r *Rule) { r.AppliesTo = nil }, wantCode: CodeRequired},
		{name: "zero priority", mutate: func(r *Rule) { r.Priority = 0 }, wantCode: CodeInvalidPriority},
		{
			name:     "missing limit spec",
			mutate:   func(r *Rule) { r.Limit = LimitSpec{} },
			wantCode: CodeLimitMismatch,
		},
		{
			name: "two limit variants",
			mutate: func(r *Rule) {
				r.Limit.Frequency = &FrequencyLimit{MaxCount: 5, Timeframe: TimeframeHourly}
			},
			wantCode: CodeLimitMismatch,
		},
		{
			name:     "non-positive amount",
			mutate:   func(r *Rule) { r.Limit.Amount.Amount = decimal.Zero },
			wantCode: CodeInvalidAmount,
		},
		{
			name:     "bad currency",
			mutate:   func(r *Rule) { r.Limit.Amount.Currency = "DOLLARS" },
			wantCode: CodeInvalidCurrency,
		},
		{
			name:     "timeframe does not match type",
			mutate:   func(r *Rule) { r.Limit.Amount.Timeframe = TimeframeWeekly },
			wantCode: CodeInvalidTimeframe,
		},
		{
			name: "unknown condition field",
			mutate: func(r *Rule) {
				r.Conditions = []Condition{{Field: "wallet_color", Operator: OpEquals, Value: "red"}}
			},
			wantCode: CodeInvalidCondition,
		},
		{
			name: "in_list without list",
			mutate: func(r *Rule) {
				r.Conditions = []Condition{{Field: FieldOperation, Operator: OpInList, Value: "mint"}}
			},
			wantCode: CodeInvalidCondition,
		},
		{
			name: "numeric operator with string",
			mutate: func(r *Rule) {
				r.Conditions = []Condition{{Field: FieldAmount, Operator: OpGreaterThan, Value: "100"}}
			},
			wantCode: CodeInvalidCondition,
		},
		{
			name: "bad regex",
			mutate: func(r *Rule) {
				r.Conditions = []Condition{{Field: FieldOperation, Operator: OpMatches, Value: "(["}}
			},
			wantCode: CodeInvalidCondition,
		},
		{
			name: "metadata condition",
			mutate: func(r *Rule) {
				r.Conditions = []Condition{{Field: "metadata.wallet_type", Operator: OpEquals, Value: "hot"}}
			},
		},
		{
			name:     "approval without approvers",
			mutate:   func(r *Rule) { r.Approval = &ApprovalSpec{Required: true, RequiredApprovals: 1} },
			wantCode: CodeInvalidApproval,
		},
		{
			name:     "override without duration",
			mutate:   func(r *Rule) { r.Override = &OverrideSpec{AllowOverride: true, OverrideRoles: []string{"cfo"}} },
			wantCode: CodeInvalidOverride,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := dailyRule()
			tt.mutate(r)
			Normalize(r)
			err := Validate(r)

			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}

			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if ve.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s (%s)", tt.wantCode, ve.Code, ve.Message)
			}
		})
	}
}

func TestValidate_TypeSpecificSpecs(t *testing.T) {
	base := func(typ Type, spec LimitSpec) *Rule {
		return &Rule{
			ID: "r", Name: "r", Type: typ, Scope: ScopeUser,
			AppliesTo: []string{"*"}, Priority: 1, Limit: spec,
		}
	}

	valid := []*Rule{
		base(TypeVelocity, LimitSpec{Frequency: &FrequencyLimit{MaxCount: 5}}),
		base(TypeMerchantCategory, LimitSpec{Merchant: &MerchantLimit{BlockedCategories: []string{"7995"}}}),
		base(TypeGeographic, LimitSpec{Geographic: &GeographicLimit{AllowedCountries: []string{"US", "CA"}}}),
		base(TypeTimeRestriction, LimitSpec{TimeWindow: &TimeWindowLimit{
			AllowedDays:  []string{"mon", "tue", "wed", "thu", "fri"},
			AllowedHours: &HourRange{Start: "06:00", End: "22:00"},
			Timezone:     "America/New_York",
		}}),
		base(TypeRoleBased, LimitSpec{Roles: &RoleLimit{PermittedRoles: []string{"treasurer"}}}),
	}
	for _, r := range valid {
		Normalize(r)
		if err := Validate(r); err != nil {
			t.Errorf("Expected %s rule to be valid, got %v", r.Type, err)
		}
	}

	invalid := []*Rule{
		base(TypeGeographic, LimitSpec{Geographic: &GeographicLimit{AllowedCountries: []string{"USA"}}}),
		base(TypeTimeRestriction, LimitSpec{TimeWindow: &TimeWindowLimit{AllowedDays: []string{"funday"}}}),
		base(TypeTimeRestriction, LimitSpec{TimeWindow: &TimeWindowLimit{AllowedHours: &HourRange{Start: "22:00", End: "06:00"}}}),
		base(TypeTimeRestriction, LimitSpec{TimeWindow: &TimeWindowLimit{AllowedDays: []string{"mon"}, Timezone: "Mars/Olympus"}}),
		base(TypeMerchantCategory, LimitSpec{Merchant: &MerchantLimit{}}),
		base(TypeRoleBased, LimitSpec{Roles: &RoleLimit{}}),
		base(TypeVelocity, LimitSpec{Frequency: &FrequencyLimit{MaxCount: 5, Timeframe: TimeframeTransaction}}),
	}
	for i, r := range invalid {
		Normalize(r)
		if err := Validate(r); !IsValidationError(err) {
			t.Errorf("Case %d (%s): expected validation error, got %v", i, r.Type, err)
		}
	}
}

func TestRule_CloneIsDeep(t *testing.T) {
	r := dailyRule()
	r.Conditions = []Condition{{Field: FieldOperation, Operator: OpInList, Value: []any{"mint", "burn"}}}
	r.Approval = &ApprovalSpec{Required: true, ApproverRoles: []string{"cfo"}}

	c := r.Clone()
	c.AppliesTo[0] = "acct-2"
	c.Limit.Amount.Amount = decimal.NewFromInt(1)
	c.Approval.ApproverRoles[0] = "intern"
	c.Conditions[0].Value.([]any)[0] = "transfer"

	if r.AppliesTo[0] != "acct-1" {
		t.Error("Clone shares AppliesTo")
	}
	if !r.Limit.Amount.Amount.Equal(decimal.NewFromInt(10_000_000)) {
		t.Error("Clone shares Limit.Amount")
	}
	if r.Approval.ApproverRoles[0] != "cfo" {
		t.Error("Clone shares ApproverRoles")
	}
	if r.Conditions[0].Value.([]any)[0] != "mint" {
		t.Error("Clone shares condition list")
	}
}
