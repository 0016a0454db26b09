package auth

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Authentication methods recorded on a Principal.
const (
	MethodAPIKey     = "api_key"
	MethodClientCert = "client_cert"
)

var (
	// ErrMissingCredentials is returned when a request carries no key and no
	// client certificate identity.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrInvalidKey is returned for keys that are not configured.
	ErrInvalidKey = errors.New("invalid API key")

	// ErrKeyDisabled is returned for keys switched off in configuration.
	ErrKeyDisabled = errors.New("API key disabled")

	// ErrKeyExpired is returned for keys past their expiry.
	ErrKeyExpired = errors.New("API key expired")
)

// Key binds an API key to an operator identity.
type Key struct {
	Name      string
	Key       string
	ActorID   string
	Roles     []string
	Disabled  bool
	ExpiresAt time.Time
}

// Principal is an authenticated caller.
type Principal struct {
	ActorID string
	Roles   []string
	KeyName string
	Method  string
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

type contextKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the principal stored by the middleware.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok && p != nil
}
