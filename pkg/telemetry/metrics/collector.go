package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mercator-hq/spendguard/pkg/config"
)

// OtherRuleLabel replaces rule IDs once the cardinality limit is reached.
const OtherRuleLabel = "other"

// Collector owns every spendguard Prometheus metric.
//
// All methods are safe on a nil *Collector and do nothing, so components can
// hold an optional collector without guarding each call.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	evaluation *EvaluationMetrics
	ledger     *LedgerMetrics
	workflow   *WorkflowMetrics

	pendingOnce sync.Once

	// Rule IDs are user-defined; cap how many distinct ones become labels.
	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a collector registered on registry. A nil registry
// gets a fresh one that also exports Go runtime and process metrics.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if len(cfg.EvaluationDurationBuckets) == 0 {
		cfg.EvaluationDurationBuckets = append([]float64(nil), config.DefaultEvaluationBuckets...)
	}

	return &Collector{
		config:             cfg,
		registry:           registry,
		evaluation:         NewEvaluationMetrics(cfg, registry),
		ledger:             NewLedgerMetrics(cfg, registry),
		workflow:           NewWorkflowMetrics(cfg, registry),
		cardinalityLimiter: NewCardinalityLimiter(10000),
	}
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

func (c *Collector) ruleLabel(ruleID string) string {
	if c.cardinalityLimiter.Allow(ruleID) {
		return ruleID
	}
	return OtherRuleLabel
}

// RecordEvaluation records a finished evaluation.
func (c *Collector) RecordEvaluation(decision, mode string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.evaluation.RecordEvaluation(decision, mode, duration)
}

// RecordRuleOutcome records one rule's outcome.
func (c *Collector) RecordRuleOutcome(ruleID, outcome string) {
	if !c.enabled() {
		return
	}
	c.evaluation.RecordRuleOutcome(c.ruleLabel(ruleID), outcome)
}

// RecordViolation records a persisted violation.
func (c *Collector) RecordViolation(action string) {
	if !c.enabled() {
		return
	}
	c.evaluation.RecordViolation(action)
}

// RecordCommit records a ledger commit attempt result.
func (c *Collector) RecordCommit(result string) {
	if !c.enabled() {
		return
	}
	c.ledger.RecordCommit(result)
}

// RecordRetry records an evaluation retry after a conflict.
func (c *Collector) RecordRetry() {
	if !c.enabled() {
		return
	}
	c.ledger.RecordRetry()
}

// ObserveUsageRatio records a rule's used/limit ratio.
func (c *Collector) ObserveUsageRatio(ruleID string, ratio float64) {
	if !c.enabled() {
		return
	}
	c.ledger.ObserveUsageRatio(c.ruleLabel(ruleID), ratio)
}

// RecordPruned records archived windows removed by retention.
func (c *Collector) RecordPruned(n int) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.ledger.RecordPruned(n)
}

func (c *Collector) RecordApprovalCreated() {
	if !c.enabled() {
		return
	}
	c.workflow.RecordApprovalCreated()
}

func (c *Collector) RecordApprovalResolved(decision string) {
	if !c.enabled() {
		return
	}
	c.workflow.RecordApprovalResolved(decision)
}

func (c *Collector) RecordOverrideGranted(source string) {
	if !c.enabled() {
		return
	}
	c.workflow.RecordOverrideGranted(source)
}

func (c *Collector) RecordOverrideConsumed() {
	if !c.enabled() {
		return
	}
	c.workflow.RecordOverrideConsumed()
}

// TrackPendingApprovals exports the pending approval count as a gauge read
// from fn at scrape time. Only the first call registers the gauge.
func (c *Collector) TrackPendingApprovals(fn func() int) {
	if !c.enabled() {
		return
	}
	c.pendingOnce.Do(func() {
		c.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: c.config.Namespace,
				Subsystem: c.config.Subsystem,
				Name:      "approvals_pending",
				Help:      "Number of approval requests awaiting a decision",
			},
			func() float64 { return float64(fn()) },
		))
	})
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether labelSet may be used: it is already known, or the
// limit has not been reached yet.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[labelSet]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
