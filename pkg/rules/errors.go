package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleNotFound indicates the rule ID is unknown.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleExists indicates a rule with the same ID already exists.
	ErrRuleExists = errors.New("rule already exists")

	// ErrInvalidTransition indicates a disallowed status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrVersionConflict indicates an update was based on a stale version.
	ErrVersionConflict = errors.New("rule version conflict")
)

// Validation reason codes. They are stable and returned to API callers.
const (
	CodeRequired            = "required"
	CodeUnknownType         = "unknown_type"
	CodeUnknownScope        = "unknown_scope"
	CodeUnknownStatus       = "unknown_status"
	CodeInvalidPriority     = "invalid_priority"
	CodeLimitMismatch       = "limit_spec_mismatch"
	CodeInvalidAmount       = "invalid_amount"
	CodeInvalidCurrency     = "invalid_currency"
	CodeInvalidTimeframe    = "invalid_timeframe"
	CodeInvalidCount        = "invalid_count"
	CodeInvalidCountry      = "invalid_country"
	CodeInvalidDay          = "invalid_day"
	CodeInvalidHours        = "invalid_hours"
	CodeInvalidTimezone     = "invalid_timezone"
	CodeInvalidCondition    = "invalid_condition"
	CodeInvalidApproval     = "invalid_approval"
	CodeInvalidOverride     = "invalid_override"
	CodeNotAuthorized       = "not_authorized"
	CodeReasonRequired      = "reason_required"
	CodeOverrideNotAllowed  = "override_not_allowed"
	CodeSelfApproval        = "self_approval"
	CodeDuplicateDecision   = "duplicate_decision"
	CodeInvalidDecision     = "invalid_decision"
	CodeInvalidResolution   = "invalid_resolution"
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidTransition   = "invalid_transition"
	CodeInvalidQuery        = "invalid_query"
	CodeApprovalNotRequired = "approval_not_required"
	CodeInvalidTimestamp    = "invalid_timestamp"
	CodeDuplicateEvaluation = "duplicate_evaluation"
)

// ValidationError reports input that fails validation. Code is a stable
// machine-readable reason.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s (%s): %s", e.Field, e.Code, e.Message)
	}
	return fmt.Sprintf("validation failed (%s): %s", e.Code, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(code, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is, or wraps, a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConfigurationError reports a stored rule that cannot be evaluated.
// The engine skips such rules and logs the error; it never blocks on them.
type ConfigurationError struct {
	RuleID string
	Cause  error
}

// Error returns the error message.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rule %s is misconfigured: %v", e.RuleID, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}
