// Package tracing provides OpenTelemetry tracing for spendguard.
//
// Evaluations, ledger commits and HTTP requests are wrapped in spans. When
// tracing is enabled spans are exported over OTLP/gRPC; otherwise the tracer
// is a no-op and costs next to nothing.
//
// # Sampling Strategies
//
//   - always: Sample all traces (development/debugging)
//   - never: Sample no traces
//   - ratio: Sample a fraction of traces by trace ID (production)
//
// All strategies respect the sampling decision of a propagated parent.
//
// # Propagation
//
// HTTPMiddleware continues a W3C traceparent sent by API callers. Approval
// events published to Kafka carry the trace context as record headers built
// by MessageHeaders, so consumers can join the evaluation's trace.
//
// # Usage
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing, version)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, "engine.evaluate")
//	defer span.End()
//	tracing.SetTransactionAttributes(span, evalID, req.ActorID, req.Amount.String(), req.Currency, req.Operation)
package tracing
