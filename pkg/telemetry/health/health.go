package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Probe and report statuses.
const (
	StatusOK        = "ok"
	StatusReady     = "ready"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ErrCheckTimeout is reported for a check that outlives the checker timeout.
var ErrCheckTimeout = errors.New("health check timeout")

// CheckFunc returns nil when the component can serve traffic.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status     string  `json:"status"`
	Message    string  `json:"message,omitempty"`
	Critical   bool    `json:"critical"`
	DurationMS float64 `json:"duration_ms"`
}

// Report is the body of the liveness and readiness endpoints.
type Report struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// VersionInfo is the body of the version endpoint.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

type probe struct {
	name     string
	check    CheckFunc
	critical bool
}

// Checker runs the readiness checks of the service's dependencies. A
// failing critical probe makes the service unready; a failing non-critical
// one only degrades it.
type Checker struct {
	timeout time.Duration

	mu     sync.RWMutex
	probes []probe
}

// New returns a Checker that gives each check timeout to answer (5s if 0).
func New(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{timeout: timeout}
}

// RegisterCheck adds a critical probe, replacing one with the same name.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.add(probe{name: name, check: check, critical: true})
}

// RegisterNonCritical adds a probe whose failure only degrades readiness.
func (c *Checker) RegisterNonCritical(name string, check CheckFunc) {
	c.add(probe{name: name, check: check})
}

func (c *Checker) add(p probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = slices.DeleteFunc(c.probes, func(q probe) bool { return q.name == p.name })
	c.probes = append(c.probes, p)
}

// Ready runs every probe concurrently.
func (c *Checker) Ready(ctx context.Context) Report {
	c.mu.RLock()
	probes := slices.Clone(c.probes)
	c.mu.RUnlock()

	results := make([]CheckResult, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			results[i] = c.run(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusReady, Checks: make(map[string]CheckResult, len(probes)), Timestamp: time.Now()}
	for i, res := range results {
		rep.Checks[probes[i].name] = res
		switch {
		case res.Status == StatusOK:
		case res.Critical:
			rep.Status = StatusUnhealthy
		case rep.Status == StatusReady:
			rep.Status = StatusDegraded
		}
	}
	return rep
}

// run bounds p by the checker timeout even when the check ignores ctx.
func (c *Checker) run(ctx context.Context, p probe) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- p.check(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ErrCheckTimeout
	}

	res := CheckResult{Status: StatusOK, Critical: p.critical, DurationMS: float64(time.Since(start).Microseconds()) / 1000}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = err.Error()
	}
	return res
}

// LivenessHandler answers ok without running any probe.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, Report{Status: StatusOK, Timestamp: time.Now()})
	}
}

// ReadinessHandler serves Ready, with 503 when a critical probe fails.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := c.Ready(r.Context())
		code := http.StatusOK
		if rep.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, r, code, rep)
	}
}

// VersionHandler serves the build information.
func VersionHandler(version, commit, buildTime string) http.HandlerFunc {
	info := VersionInfo{Version: version, Commit: commit, BuildTime: buildTime, GoVersion: runtime.Version()}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, info)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, body any) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method == http.MethodGet {
		_ = json.NewEncoder(w).Encode(body)
	}
}
