package scheduler

import (
	"context"
	"time"

	"mercator-hq/spendguard/pkg/approvals"
	"mercator-hq/spendguard/pkg/clock"
	"mercator-hq/spendguard/pkg/ledger"
	"mercator-hq/spendguard/pkg/overrides"
	"mercator-hq/spendguard/pkg/telemetry/metrics"
)

// Job names.
const (
	JobApprovalExpiry = "approval-expiry"
	JobOverridePurge  = "override-purge"
	JobLedgerPrune    = "ledger-prune"
)

// ApprovalExpiry expires pending approval requests past their deadline.
func ApprovalExpiry(schedule string, wf *approvals.Workflow, m *metrics.Collector) Job {
	return Job{
		Name:     JobApprovalExpiry,
		Schedule: schedule,
		Run: func(ctx context.Context) (int, error) {
			n, err := wf.ExpirePending(ctx)
			for i := 0; i < n; i++ {
				m.RecordApprovalResolved(string(approvals.StatusExpired))
			}
			return n, err
		},
	}
}

// OverridePurge removes override grants that expired, were revoked or were
// consumed.
func OverridePurge(schedule string, reg *overrides.Registry) Job {
	return Job{
		Name:     JobOverridePurge,
		Schedule: schedule,
		Run: func(ctx context.Context) (int, error) {
			return reg.Purge(ctx), ctx.Err()
		},
	}
}

// LedgerPrune deletes archived usage counters whose window ended more than
// retention ago. Live counters are never touched.
func LedgerPrune(schedule string, l *ledger.Ledger, retention time.Duration, clk clock.Clock, m *metrics.Collector) Job {
	clk = clock.OrSystem(clk)
	return Job{
		Name:     JobLedgerPrune,
		Schedule: schedule,
		Run: func(ctx context.Context) (int, error) {
			n, err := l.PruneArchived(ctx, clk.Now().Add(-retention))
			if err != nil {
				return 0, err
			}
			m.RecordPruned(n)
			return n, nil
		},
	}
}
