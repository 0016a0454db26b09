// Package telemetry wires spendguard's observability stack.
//
// # Components
//
//   - logging: the process *slog.Logger with context fields and redaction
//   - metrics: Prometheus collectors for evaluations, ledger and workflow
//   - tracing: OpenTelemetry spans exported over OTLP/gRPC
//   - health: liveness, readiness and version endpoints
//
// # Usage
//
//	tel, err := telemetry.New(&cfg.Telemetry, version, nil, nil)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(engine.Config{Logger: tel.Logger, Metrics: tel.Metrics, Tracer: tel.Tracer})
package telemetry
