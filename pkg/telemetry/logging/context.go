package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Context keys for common log fields.
type contextKey string

const (
	// RequestIDKey is the context key for HTTP request IDs.
	RequestIDKey contextKey = "request_id"

	// EvaluationIDKey is the context key for evaluation IDs.
	EvaluationIDKey contextKey = "evaluation_id"

	// ActorIDKey is the context key for the actor initiating a transaction.
	ActorIDKey contextKey = "actor_id"

	// RuleIDKey is the context key for the rule being processed.
	RuleIDKey contextKey = "rule_id"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// WithEvaluationID adds an evaluation ID to the context.
func WithEvaluationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, EvaluationIDKey, id)
}

// GetEvaluationID retrieves the evaluation ID from the context.
func GetEvaluationID(ctx context.Context) string {
	return stringValue(ctx, EvaluationIDKey)
}

// WithActorID adds an actor ID to the context.
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ActorIDKey, id)
}

// GetActorID retrieves the actor ID from the context.
func GetActorID(ctx context.Context) string {
	return stringValue(ctx, ActorIDKey)
}

// WithRuleID adds a rule ID to the context.
func WithRuleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RuleIDKey, id)
}

// GetRuleID retrieves the rule ID from the context.
func GetRuleID(ctx context.Context) string {
	return stringValue(ctx, RuleIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// ContextAttrs returns the log attributes carried by ctx, including the
// trace and span IDs of a recording span.
func ContextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, key := range []contextKey{RequestIDKey, EvaluationIDKey, ActorIDKey, RuleIDKey} {
		if v := stringValue(ctx, key); v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			attrs = append(attrs,
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
	}
	return attrs
}

// contextHandler adds ContextAttrs to every record.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := ContextAttrs(ctx); len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}
