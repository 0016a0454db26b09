package tracing

import (
	"context"
	"net/http"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HeaderTraceID is set on every API response whose request was traced.
const HeaderTraceID = "X-Trace-ID"

// HTTPMiddleware continues any W3C traceparent sent by the caller and opens a
// server span for the request.
//
//	router.Use(tracing.HTTPMiddleware(tracer))
func HTTPMiddleware(t *Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := t.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			if id := TraceID(ctx); id != "" {
				w.Header().Set(HeaderTraceID, id)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Header is one propagated trace field, ready to be attached to an outgoing
// message.
type Header struct {
	Key   string
	Value string
}

// MessageHeaders serializes the trace context in ctx for a message bus.
// Headers come back sorted by key; an untraced context yields none.
func MessageHeaders(ctx context.Context) []Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	out := make([]Header, 0, len(carrier))
	for k, v := range carrier {
		out = append(out, Header{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
