package overrides

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrGrantNotFound indicates no grant exists with the given ID.
	ErrGrantNotFound = errors.New("override grant not found")

	// ErrGrantConsumed indicates a single-use approval grant was already used.
	ErrGrantConsumed = errors.New("override grant already consumed")

	// ErrGrantRevoked indicates the grant was revoked.
	ErrGrantRevoked = errors.New("override grant revoked")

	// ErrExpired is the sentinel wrapped by every ExpiredGrantError.
	ErrExpired = errors.New("expired")
)

// ExpiredGrantError is returned when a caller acts on a grant or approval
// request after its expiry. During evaluation expired grants are treated as
// absent and this error is never raised.
type ExpiredGrantError struct {
	Kind      string // "override" or "approval"
	ID        string
	ExpiredAt time.Time
}

// Error implements the error interface.
func (e *ExpiredGrantError) Error() string {
	return fmt.Sprintf("%s %s expired at %s", e.Kind, e.ID, e.ExpiredAt.Format(time.RFC3339))
}

// Unwrap returns ErrExpired.
func (e *ExpiredGrantError) Unwrap() error {
	return ErrExpired
}

// IsExpired reports whether err is an ExpiredGrantError.
func IsExpired(err error) bool {
	return errors.Is(err, ErrExpired)
}
