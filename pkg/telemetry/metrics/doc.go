// Package metrics provides Prometheus metrics for spendguard.
//
// # Metrics Categories
//
//   - Evaluation: decisions, latency, per-rule outcomes, violations by action
//   - Ledger: commit results, conflict retries, usage ratio, archive pruning
//   - Workflow: approvals created/resolved/pending, override grants and consumption
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	collector.TrackPendingApprovals(approvalService.PendingCount)
//	router.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
//
// Rule IDs used as labels are capped by a CardinalityLimiter; rules beyond
// the cap are reported under the "other" label.
package metrics
