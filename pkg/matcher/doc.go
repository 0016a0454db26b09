// Package matcher selects the rules applicable to a transaction attempt.
//
// Matching is a pure function of a rule snapshot and a request: no ledger
// reads, no side effects. Conditions are ANDed and compared with the
// operators defined in package rules. Numeric comparisons use decimal
// arithmetic so monetary thresholds are exact.
package matcher
