package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mercator-hq/spendguard/pkg/config"
)

// EvaluationMetrics tracks transaction evaluations.
//
// Metrics:
//   - spendguard_evaluations_total: evaluations by final decision
//   - spendguard_evaluation_duration_seconds: end-to-end evaluation latency
//   - spendguard_rule_outcomes_total: per-rule outcomes
//   - spendguard_violations_total: violation records by action taken
type EvaluationMetrics struct {
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	ruleOutcomesTotal  *prometheus.CounterVec
	violationsTotal    *prometheus.CounterVec
}

// NewEvaluationMetrics creates and registers evaluation metrics.
func NewEvaluationMetrics(cfg *config.MetricsConfig, registry prometheus.Registerer) *EvaluationMetrics {
	factory := promauto.With(registry)
	return &EvaluationMetrics{
		evaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "evaluations_total",
				Help:      "Total number of transaction evaluations by decision",
			},
			[]string{"decision", "mode"},
		),
		evaluationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of transaction evaluation in seconds",
				Buckets:   cfg.EvaluationDurationBuckets,
			},
			[]string{"mode"},
		),
		ruleOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rule_outcomes_total",
				Help:      "Total number of per-rule outcomes",
			},
			[]string{"rule_id", "outcome"},
		),
		violationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "violations_total",
				Help:      "Total number of violation records by action taken",
			},
			[]string{"action"},
		),
	}
}

// RecordEvaluation records a completed evaluation. mode is "evaluate" or
// "simulate".
func (em *EvaluationMetrics) RecordEvaluation(decision, mode string, duration time.Duration) {
	em.evaluationsTotal.WithLabelValues(decision, mode).Inc()
	em.evaluationDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordRuleOutcome records one rule's outcome within an evaluation.
func (em *EvaluationMetrics) RecordRuleOutcome(ruleID, outcome string) {
	em.ruleOutcomesTotal.WithLabelValues(ruleID, outcome).Inc()
}

// RecordViolation records a persisted violation.
func (em *EvaluationMetrics) RecordViolation(action string) {
	em.violationsTotal.WithLabelValues(action).Inc()
}
