// Package scheduler runs spendguard's periodic maintenance on cron
// schedules: expiring stale approval requests, purging dead override grants
// and pruning archived usage windows past their retention.
//
//	s := scheduler.New(logger)
//	s.Add(scheduler.ApprovalExpiry(cfg.Approvals.ExpirySchedule, workflow, tel.Metrics))
//	s.Add(scheduler.OverridePurge(cfg.Overrides.PurgeSchedule, grants))
//	s.Add(scheduler.LedgerPrune(cfg.Ledger.PruneSchedule, usage, cfg.Ledger.ArchiveRetention, nil, tel.Metrics))
//	s.Start(ctx)
package scheduler
