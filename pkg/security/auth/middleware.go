package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// Validator resolves an API key to a principal. *KeyRing satisfies it.
type Validator interface {
	Validate(key string) (*Principal, error)
}

// MiddlewareConfig configures NewMiddleware.
type MiddlewareConfig struct {
	// Keys validates presented API keys.
	Keys Validator

	// Header carries a raw key. "Authorization: Bearer" is always checked
	// first.
	Header string

	// ClientIdentity, when set, names the caller from a verified client
	// certificate. It is consulted only when no key is presented.
	ClientIdentity func(r *http.Request) string

	// Unauthorized writes the rejection. Defaults to a plain 401.
	Unauthorized func(w http.ResponseWriter, r *http.Request, err error)

	Logger *slog.Logger
}

// Middleware rejects unauthenticated requests and stores the principal of
// authenticated ones in the request context.
type Middleware struct {
	cfg    MiddlewareConfig
	logger *slog.Logger
}

// NewMiddleware builds the authentication middleware.
func NewMiddleware(cfg MiddlewareConfig) *Middleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Unauthorized == nil {
		cfg.Unauthorized = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}
	return &Middleware{cfg: cfg, logger: cfg.Logger.With("component", "auth")}
}

// Handle wraps next with authentication.
func (m *Middleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := m.authenticate(r)
		if err != nil {
			m.logger.Warn("authentication failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			m.cfg.Unauthorized(w, r, err)
			return
		}
		m.logger.Debug("authenticated",
			"actor_id", p.ActorID,
			"key", p.KeyName,
			"method", p.Method,
		)
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (*Principal, error) {
	if key := m.extractKey(r); key != "" {
		if m.cfg.Keys == nil {
			return nil, ErrInvalidKey
		}
		return m.cfg.Keys.Validate(key)
	}
	if m.cfg.ClientIdentity != nil {
		if id := m.cfg.ClientIdentity(r); id != "" {
			return &Principal{ActorID: id, Method: MethodClientCert}, nil
		}
	}
	return nil, ErrMissingCredentials
}

// extractKey returns the bearer token or the configured header value.
func (m *Middleware) extractKey(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		if token, ok := strings.CutPrefix(v, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if m.cfg.Header != "" {
		return strings.TrimSpace(r.Header.Get(m.cfg.Header))
	}
	return ""
}
