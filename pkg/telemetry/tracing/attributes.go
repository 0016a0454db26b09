package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Custom attribute keys use the "spendguard.*" namespace.
const (
	AttrEvaluationID = "spendguard.evaluation.id"
	AttrDecision     = "spendguard.evaluation.decision"
	AttrSimulation   = "spendguard.evaluation.simulation"
	AttrAttempt      = "spendguard.evaluation.attempt"

	AttrActorID   = "spendguard.actor.id"
	AttrAmount    = "spendguard.transaction.amount"
	AttrCurrency  = "spendguard.transaction.currency"
	AttrOperation = "spendguard.transaction.operation"

	AttrRulesMatched   = "spendguard.rules.matched"
	AttrRulesTriggered = "spendguard.rules.triggered"

	AttrIncrements = "spendguard.ledger.increments"
	AttrConflict   = "spendguard.ledger.conflict"
)

// SetTransactionAttributes tags span with the transaction under evaluation.
// Amounts are recorded as their decimal string to keep full precision.
func SetTransactionAttributes(span trace.Span, evaluationID, actorID, amount, currency, operation string) {
	span.SetAttributes(
		attribute.String(AttrEvaluationID, evaluationID),
		attribute.String(AttrActorID, actorID),
		attribute.String(AttrAmount, amount),
		attribute.String(AttrCurrency, currency),
		attribute.String(AttrOperation, operation),
	)
}

// SetDecisionAttributes records the outcome of an evaluation.
func SetDecisionAttributes(span trace.Span, decision string, matched, triggered int, simulation bool) {
	span.SetAttributes(
		attribute.String(AttrDecision, decision),
		attribute.Int(AttrRulesMatched, matched),
		attribute.Int(AttrRulesTriggered, triggered),
		attribute.Bool(AttrSimulation, simulation),
	)
}

// AddEvent adds a named event to span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
