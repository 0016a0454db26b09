package engine

import (
	"errors"

	"mercator-hq/spendguard/pkg/ledger"
	"mercator-hq/spendguard/pkg/overrides"
)

var (
	// ErrRetriesExhausted is returned when every attempt lost its commit to a
	// concurrent evaluation. The caller should retry later.
	ErrRetriesExhausted = errors.New("evaluation retries exhausted")

	// ErrAuditFailure is returned when violations could not be recorded. The
	// attempt is blocked and any usage it committed is released.
	ErrAuditFailure = errors.New("violation audit failed")
)

// retryable reports whether an attempt failed because state moved under it.
// A lost ledger race and an approval grant consumed, revoked or expired
// between lookup and use are all resolved by evaluating again.
func retryable(err error) bool {
	return errors.Is(err, ledger.ErrConflict) ||
		errors.Is(err, overrides.ErrGrantConsumed) ||
		errors.Is(err, overrides.ErrGrantRevoked) ||
		overrides.IsExpired(err)
}
