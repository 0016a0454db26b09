package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mercator-hq/spendguard/pkg/config"
)

// WorkflowMetrics tracks approvals and overrides.
//
// Metrics:
//   - spendguard_approvals_created_total
//   - spendguard_approvals_resolved_total: resolutions by decision, including "expired"
//   - spendguard_overrides_granted_total: grants by source ("manual", "approval")
//   - spendguard_overrides_consumed_total
//   - spendguard_approvals_pending: registered separately through TrackPendingApprovals
type WorkflowMetrics struct {
	approvalsCreated  prometheus.Counter
	approvalsResolved *prometheus.CounterVec
	overridesGranted  *prometheus.CounterVec
	overridesConsumed prometheus.Counter
}

// NewWorkflowMetrics creates and registers workflow metrics.
func NewWorkflowMetrics(cfg *config.MetricsConfig, registry prometheus.Registerer) *WorkflowMetrics {
	factory := promauto.With(registry)
	return &WorkflowMetrics{
		approvalsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "approvals_created_total",
				Help:      "Total number of approval requests created",
			},
		),
		approvalsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "approvals_resolved_total",
				Help:      "Total number of approval requests resolved by decision",
			},
			[]string{"decision"},
		),
		overridesGranted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "overrides_granted_total",
				Help:      "Total number of override grants issued by source",
			},
			[]string{"source"},
		),
		overridesConsumed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "overrides_consumed_total",
				Help:      "Total number of single-use approval grants consumed",
			},
		),
	}
}

func (wm *WorkflowMetrics) RecordApprovalCreated() { wm.approvalsCreated.Inc() }

func (wm *WorkflowMetrics) RecordApprovalResolved(decision string) {
	wm.approvalsResolved.WithLabelValues(decision).Inc()
}

func (wm *WorkflowMetrics) RecordOverrideGranted(source string) {
	wm.overridesGranted.WithLabelValues(source).Inc()
}

func (wm *WorkflowMetrics) RecordOverrideConsumed() { wm.overridesConsumed.Inc() }
