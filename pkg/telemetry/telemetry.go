package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/spendguard/pkg/config"
	"mercator-hq/spendguard/pkg/telemetry/health"
	"mercator-hq/spendguard/pkg/telemetry/logging"
	"mercator-hq/spendguard/pkg/telemetry/metrics"
	"mercator-hq/spendguard/pkg/telemetry/tracing"
)

// Telemetry bundles the observability components built from configuration.
type Telemetry struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
	Health  *health.Checker
}

// New builds every telemetry component. logOut may be nil to log to stderr;
// registry may be nil to use a fresh registry with runtime collectors.
// Metrics is nil when metrics are disabled, which every Collector method
// accepts.
func New(cfg *config.TelemetryConfig, version string, logOut io.Writer, registry *prometheus.Registry) (*Telemetry, error) {
	logger, err := logging.New(cfg.Logging, &logging.Options{Writer: logOut, Redact: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tracer, err := tracing.New(&cfg.Tracing, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	t := &Telemetry{
		Logger: logger,
		Tracer: tracer,
		Health: health.New(cfg.Health.CheckTimeout),
	}
	if cfg.Metrics.Enabled {
		t.Metrics = metrics.NewCollector(&cfg.Metrics, registry)
	}
	return t, nil
}

// Shutdown flushes the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}
