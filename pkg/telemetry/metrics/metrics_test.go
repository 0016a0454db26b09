package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mercator-hq/spendguard/pkg/config"
)

func testConfig() *config.MetricsConfig {
	return &config.MetricsConfig{
		Enabled:                   true,
		Namespace:                 "test",
		EvaluationDurationBuckets: []float64{0.001, 0.01, 0.1},
	}
}

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector(testConfig(), prometheus.NewRegistry())
}

func TestCollector_RecordEvaluation(t *testing.T) {
	c := newTestCollector(t)

	c.RecordEvaluation("BLOCK", "evaluate", 2*time.Millisecond)
	c.RecordEvaluation("BLOCK", "evaluate", 3*time.Millisecond)
	c.RecordEvaluation("PASS", "simulate", time.Millisecond)

	if got := testutil.ToFloat64(c.evaluation.evaluationsTotal.WithLabelValues("BLOCK", "evaluate")); got != 2 {
		t.Errorf("BLOCK evaluations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.evaluation.evaluationsTotal.WithLabelValues("PASS", "simulate")); got != 1 {
		t.Errorf("PASS evaluations = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.evaluation.evaluationDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestCollector_RuleOutcomesAndViolations(t *testing.T) {
	c := newTestCollector(t)

	c.RecordRuleOutcome("treasury-daily", "breached")
	c.RecordRuleOutcome("treasury-daily", "breached")
	c.RecordRuleOutcome("velocity", "within")
	c.RecordViolation("blocked")

	if got := testutil.ToFloat64(c.evaluation.ruleOutcomesTotal.WithLabelValues("treasury-daily", "breached")); got != 2 {
		t.Errorf("breached = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.evaluation.violationsTotal.WithLabelValues("blocked")); got != 1 {
		t.Errorf("violations = %v, want 1", got)
	}
}

func TestCollector_LedgerMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.RecordCommit("conflict")
	c.RecordRetry()
	c.RecordCommit("committed")
	c.ObserveUsageRatio("treasury-daily", 0.75)
	c.RecordPruned(3)
	c.RecordPruned(0)

	if got := testutil.ToFloat64(c.ledger.commitsTotal.WithLabelValues("conflict")); got != 1 {
		t.Errorf("conflicts = %v", got)
	}
	if got := testutil.ToFloat64(c.ledger.retriesTotal); got != 1 {
		t.Errorf("retries = %v", got)
	}
	if got := testutil.ToFloat64(c.ledger.usageRatio.WithLabelValues("treasury-daily")); got != 0.75 {
		t.Errorf("usage ratio = %v", got)
	}
	if got := testutil.ToFloat64(c.ledger.archivePruned); got != 3 {
		t.Errorf("pruned = %v", got)
	}
}

func TestCollector_PendingApprovalsGauge(t *testing.T) {
	c := newTestCollector(t)
	pending := 4
	c.TrackPendingApprovals(func() int { return pending })
	c.TrackPendingApprovals(func() int { return 99 })

	expected := `
# HELP test_approvals_pending Number of approval requests awaiting a decision
# TYPE test_approvals_pending gauge
test_approvals_pending 4
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "test_approvals_pending"); err != nil {
		t.Error(err)
	}
}

func TestCollector_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c := NewCollector(cfg, prometheus.NewRegistry())

	c.RecordEvaluation("PASS", "evaluate", time.Millisecond)
	c.RecordViolation("blocked")

	if got := testutil.ToFloat64(c.evaluation.evaluationsTotal.WithLabelValues("PASS", "evaluate")); got != 0 {
		t.Errorf("disabled collector recorded %v", got)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.RecordEvaluation("PASS", "evaluate", time.Millisecond)
	c.RecordRuleOutcome("r", "within")
	c.RecordCommit("committed")
	c.TrackPendingApprovals(func() int { return 1 })

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil collector handler status = %d", rec.Code)
	}
}

func TestCollector_RuleCardinality(t *testing.T) {
	c := newTestCollector(t)
	c.cardinalityLimiter = NewCardinalityLimiter(1)

	c.RecordRuleOutcome("first", "within")
	c.RecordRuleOutcome("second", "within")

	if got := testutil.ToFloat64(c.evaluation.ruleOutcomesTotal.WithLabelValues(OtherRuleLabel, "within")); got != 1 {
		t.Errorf("overflow rule should be counted as other, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	c := newTestCollector(t)
	c.RecordViolation("warned")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_violations_total{action="warned"} 1`) {
		t.Errorf("metric missing from scrape:\n%s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "promhttp_metric_handler_requests_in_flight 1") {
		t.Errorf("scrape is not self-instrumented:\n%s", rec.Body.String())
	}
}

func TestCardinalityLimiter(t *testing.T) {
	cl := NewCardinalityLimiter(2)
	if !cl.Allow("a") || !cl.Allow("b") {
		t.Fatal("first two label sets should be allowed")
	}
	if cl.Allow("c") {
		t.Error("third label set should be rejected")
	}
	if !cl.Allow("a") {
		t.Error("known label set should still be allowed")
	}
	if cl.Count() != 2 {
		t.Errorf("count = %d", cl.Count())
	}
}
