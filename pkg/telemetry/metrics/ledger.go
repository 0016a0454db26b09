package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mercator-hq/spendguard/pkg/config"
)

// LedgerMetrics tracks usage ledger commits.
//
// Metrics:
//   - spendguard_ledger_commits_total: commit attempts by result
//   - spendguard_ledger_commit_retries_total: retries after a conflict
//   - spendguard_ledger_usage_ratio: last observed used/limit ratio per rule
//   - spendguard_ledger_archived_pruned_total: archived windows removed by retention
type LedgerMetrics struct {
	commitsTotal  *prometheus.CounterVec
	retriesTotal  prometheus.Counter
	usageRatio    *prometheus.GaugeVec
	archivePruned prometheus.Counter
}

// NewLedgerMetrics creates and registers ledger metrics.
func NewLedgerMetrics(cfg *config.MetricsConfig, registry prometheus.Registerer) *LedgerMetrics {
	factory := promauto.With(registry)
	return &LedgerMetrics{
		commitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "ledger_commits_total",
				Help:      "Total number of ledger commit attempts by result",
			},
			[]string{"result"},
		),
		retriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "ledger_commit_retries_total",
				Help:      "Total number of evaluation retries after a commit conflict",
			},
		),
		usageRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "ledger_usage_ratio",
				Help:      "Last observed ratio of window usage to limit, per rule",
			},
			[]string{"rule_id"},
		),
		archivePruned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "ledger_archived_pruned_total",
				Help:      "Total number of archived usage windows removed by retention",
			},
		),
	}
}

// RecordCommit records a commit attempt. result is "committed", "conflict"
// or "error".
func (lm *LedgerMetrics) RecordCommit(result string) {
	lm.commitsTotal.WithLabelValues(result).Inc()
}

// RecordRetry records an evaluation retry.
func (lm *LedgerMetrics) RecordRetry() {
	lm.retriesTotal.Inc()
}

// ObserveUsageRatio sets the usage ratio gauge for a rule.
func (lm *LedgerMetrics) ObserveUsageRatio(ruleID string, ratio float64) {
	lm.usageRatio.WithLabelValues(ruleID).Set(ratio)
}

// RecordPruned adds n pruned archive windows.
func (lm *LedgerMetrics) RecordPruned(n int) {
	lm.archivePruned.Add(float64(n))
}
