// Package health provides liveness, readiness and version endpoints.
//
// Components register checks with a Checker. The serve command registers
// the usage ledger and violation store as critical checks and the approval
// notification publisher as a non-critical one:
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("ledger", ledger.Ping)
//	checker.RegisterCheck("audit", auditStore.Ping)
//	checker.RegisterNonCritical("notify", publisher.Ping)
//
//	router.Get("/health", checker.LivenessHandler())
//	router.Get("/ready", checker.ReadinessHandler())
//	router.Get("/version", health.VersionHandler(version, commit, buildTime))
//
// Liveness never runs component checks, so a slow dependency cannot get the
// process restarted.
package health
