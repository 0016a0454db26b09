package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"mercator-hq/spendguard/pkg/approvals"
	"mercator-hq/spendguard/pkg/audit"
	"mercator-hq/spendguard/pkg/clock"
	"mercator-hq/spendguard/pkg/config"
	"mercator-hq/spendguard/pkg/engine"
	"mercator-hq/spendguard/pkg/ledger"
	"mercator-hq/spendguard/pkg/overrides"
	"mercator-hq/spendguard/pkg/rules"
	"mercator-hq/spendguard/pkg/rules/store"
	"mercator-hq/spendguard/pkg/security/auth"
	"mercator-hq/spendguard/pkg/telemetry/health"
	"mercator-hq/spendguard/pkg/telemetry/metrics"
	"mercator-hq/spendguard/pkg/telemetry/tracing"
)

// Evaluator decides transaction attempts. *engine.Engine satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, req *rules.Request) (*engine.Result, error)
	Simulate(ctx context.Context, req *rules.Request) (*engine.Result, error)
	Release(ctx context.Context, evaluationID string) ([]ledger.Increment, error)
}

// RuleStore manages rule definitions. *store.Store satisfies it.
type RuleStore interface {
	Create(ctx context.Context, r *rules.Rule, actor string) (*rules.Rule, error)
	Update(ctx context.Context, r *rules.Rule, actor string) (*rules.Rule, error)
	Activate(ctx context.Context, id, actor string) (*rules.Rule, error)
	Retire(ctx context.Context, id, actor string) (*rules.Rule, error)
	SetEnforced(ctx context.Context, id string, enforced bool, actor string) (*rules.Rule, error)
	Get(ctx context.Context, id string) (*rules.Rule, error)
	Versions(ctx context.Context, id string) ([]*rules.Rule, error)
	List(ctx context.Context, f store.Filter) []*rules.Rule
}

// UsageReader reports live usage. *ledger.Ledger satisfies it.
type UsageReader interface {
	Status(ctx context.Context, rule *rules.Rule, target string, t time.Time) (*ledger.UsageStatus, error)
}

// GrantRegistry manages override grants. *overrides.Registry satisfies it.
type GrantRegistry interface {
	Grant(ctx context.Context, req overrides.GrantRequest) (*overrides.Grant, error)
	Revoke(ctx context.Context, id, by string) (*overrides.Grant, error)
	Get(ctx context.Context, id string) (*overrides.Grant, error)
	List(ctx context.Context, f overrides.Filter) []*overrides.Grant
}

// ApprovalWorkflow resolves approval requests. *approvals.Workflow
// satisfies it.
type ApprovalWorkflow interface {
	Resolve(ctx context.Context, res approvals.Resolution) (*approvals.Request, error)
	Get(ctx context.Context, id string) (*approvals.Request, error)
	List(ctx context.Context, f approvals.Filter) []*approvals.Request
}

// ViolationLog reads and reviews violations. *recorder.Recorder satisfies
// it.
type ViolationLog interface {
	Get(ctx context.Context, id string) (*audit.Violation, error)
	Query(ctx context.Context, q *audit.Query) ([]*audit.Violation, error)
	Count(ctx context.Context, q *audit.Query) (int64, error)
	Resolve(ctx context.Context, u audit.ResolutionUpdate) (*audit.Violation, error)
	Export(ctx context.Context, q *audit.Query, format string, w io.Writer) error
}

// BuildInfo is reported by the version endpoint.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Deps are the components the API serves. Engine and Rules are required.
type Deps struct {
	Engine     Evaluator
	Rules      RuleStore
	Usage      UsageReader
	Overrides  GrantRegistry
	Approvals  ApprovalWorkflow
	Violations ViolationLog

	Health  *health.Checker
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
	Clock   clock.Clock
	Logger  *slog.Logger
	Build   BuildInfo

	// TLS, when set, wraps the listener.
	TLS *tls.Config
	// ClientIdentity names callers from verified client certificates when
	// auth is enabled.
	ClientIdentity func(r *http.Request) string
}

// Server is the spendguard HTTP API.
type Server struct {
	cfg       *config.ServerConfig
	telemetry config.TelemetryConfig
	deps      Deps
	logger    *slog.Logger
	clock     clock.Clock
	auth      *auth.Middleware
	handler   http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	running    bool
}

// New builds the API server and its routes.
func New(cfg *config.ServerConfig, tel config.TelemetryConfig, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server config is required")
	}
	if deps.Engine == nil || deps.Rules == nil {
		return nil, fmt.Errorf("engine and rule store are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.New(0)
	}
	s := &Server{
		cfg:       cfg,
		telemetry: tel,
		deps:      deps,
		logger:    deps.Logger.With("component", "server"),
		clock:     clock.OrSystem(deps.Clock),
	}
	if cfg.Auth.Enabled {
		keys := make([]auth.Key, 0, len(cfg.Auth.Keys))
		for _, k := range cfg.Auth.Keys {
			keys = append(keys, auth.Key{
				Name:      k.Name,
				Key:       k.Key,
				ActorID:   k.ActorID,
				Roles:     k.Roles,
				Disabled:  k.Disabled,
				ExpiresAt: k.ExpiresAt,
			})
		}
		s.auth = auth.NewMiddleware(auth.MiddlewareConfig{
			Keys:           auth.NewKeyRing(keys, s.clock),
			Header:         cfg.Auth.Header,
			ClientIdentity: deps.ClientIdentity,
			Unauthorized:   s.writeError,
			Logger:         deps.Logger,
		})
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(s.logger))
	r.Use(requestID)
	r.Use(accessLog(s.logger))
	r.Use(tracing.HTTPMiddleware(s.deps.Tracer))
	r.Use(cors(s.cfg.CORS))
	r.Use(maxBody(s.cfg.MaxBodyBytes))

	s.mountOperational(r)

	r.Route("/v1", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Handle)
		}
		r.Post("/evaluate", s.handleEvaluate)
		r.Post("/simulate", s.handleSimulate)
		r.Post("/release", s.handleRelease)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Get("/versions", s.handleRuleVersions)
				r.Post("/activate", s.handleActivateRule)
				r.Post("/retire", s.handleRetireRule)
				r.Put("/enforced", s.handleSetEnforced)
				r.Get("/usage", s.handleRuleUsage)
			})
		})

		if s.deps.Overrides != nil {
			r.Route("/overrides", func(r chi.Router) {
				r.Get("/", s.handleListOverrides)
				r.Post("/", s.handleGrantOverride)
				r.Get("/{id}", s.handleGetOverride)
				r.Delete("/{id}", s.handleRevokeOverride)
			})
		}

		if s.deps.Approvals != nil {
			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", s.handleListApprovals)
				r.Get("/{id}", s.handleGetApproval)
				r.Post("/{id}/decisions", s.handleResolveApproval)
			})
		}

		if s.deps.Violations != nil {
			r.Route("/violations", func(r chi.Router) {
				r.Get("/", s.handleQueryViolations)
				r.Get("/export", s.handleExportViolations)
				r.Get("/{id}", s.handleGetViolation)
				r.Put("/{id}/resolution", s.handleResolveViolation)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: ErrorDetail{
			Code: CodeNotFound, Message: "no route for " + r.Method + " " + r.URL.Path,
		}})
	})
	return r
}

// mountOperational serves health, readiness, version and metrics outside
// the versioned API.
func (s *Server) mountOperational(r chi.Router) {
	h := s.telemetry.Health
	if h.Enabled {
		r.Get(pathOr(h.LivenessPath, "/health"), s.deps.Health.LivenessHandler())
		r.Get(pathOr(h.ReadinessPath, "/ready"), s.deps.Health.ReadinessHandler())
		r.Get(pathOr(h.VersionPath, "/version"), health.VersionHandler(s.deps.Build.Version, s.deps.Build.Commit, s.deps.Build.BuildTime))
	}
	if s.telemetry.Metrics.Enabled {
		r.Handle(pathOr(s.telemetry.Metrics.Path, "/metrics"), s.deps.Metrics.Handler())
	}
}

func pathOr(p, def string) string {
	if p == "" {
		return def
	}
	return p
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.running = true
	srv := s.httpServer
	s.mu.Unlock()

	if s.deps.TLS != nil {
		ln = tls.NewListener(ln, s.deps.TLS)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", "address", ln.Addr().String(), "tls", s.deps.TLS != nil)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.setStopped()
		return err
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the server, waiting up to the configured
// shutdown timeout for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	running := s.running
	s.mu.Unlock()
	if !running || srv == nil {
		return nil
	}

	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := srv.Shutdown(ctx)
	s.setStopped()
	if err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) setStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
