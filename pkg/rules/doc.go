// Package rules defines the spend control data model: limit rules, their
// type-specific limit specs, the transaction attempt they are evaluated
// against, and the validation applied on every write.
//
// # Rule Types
//
// Each rule carries exactly one LimitSpec variant, chosen by its Type:
//
//   - per-transaction-limit, daily-limit, weekly-limit, monthly-limit: Amount
//   - velocity: Frequency
//   - merchant-category: Merchant
//   - geographic: Geographic
//   - time-restriction: TimeWindow
//   - role-based: Roles
//
// # Lifecycle
//
// Rules are created as drafts and become active only through an explicit
// activation. Retired rules move to inactive. Rules are never deleted so that
// violation history always resolves to the rule version that fired.
//
// # Validation
//
//	rules.Normalize(rule)
//	if err := rules.Validate(rule); err != nil {
//	    var ve *rules.ValidationError
//	    if errors.As(err, &ve) {
//	        log.Printf("rejected: %s (%s)", ve.Message, ve.Code)
//	    }
//	}
package rules
