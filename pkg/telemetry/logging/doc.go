// Package logging builds the process *slog.Logger from configuration.
//
// # Overview
//
// Components across spendguard take a plain *slog.Logger. This package
// constructs the one handed to them at startup:
//   - JSON, text or console output at the configured level
//   - Card numbers and credentials masked in attribute values
//   - Evaluation, actor, rule and request IDs lifted from the context
//   - Trace and span IDs from the active OpenTelemetry span
//
// # Usage
//
//	logger, err := logging.New(cfg.Telemetry.Logging, nil)
//	if err != nil {
//	    return err
//	}
//
//	ctx = logging.WithEvaluationID(ctx, evalID)
//	ctx = logging.WithActorID(ctx, req.ActorID)
//	logger.InfoContext(ctx, "evaluation completed", "decision", "BLOCK")
//
// Context attributes are only attached by the *Context logging methods.
package logging
