// Package overrides keeps time-boxed permissions to bypass a rule.
//
// A manual grant is issued by an operator holding one of the rule's override
// roles and lasts overrideDurationHours from the moment it is granted. An
// approval grant is issued by the approval workflow when a request is
// approved; it covers a single transaction up to the approved amount and is
// consumed when the engine commits that transaction.
//
// Grants are never renewed. Expired, consumed and revoked grants are ignored
// by lookups and removed by Purge.
package overrides
