package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"mercator-hq/spendguard/pkg/config"
)

func newTestLogger(t *testing.T, level, format string) (*slog.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: level, Format: format}, &Options{Writer: &buf, Redact: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return logger, &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "loud"}, nil); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New(config.LoggingConfig{Format: "xml"}, nil); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	logger, buf := newTestLogger(t, "warn", "json")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn should be logged, got %q", buf.String())
	}
}

func TestLogger_ContextFields(t *testing.T) {
	logger, buf := newTestLogger(t, "debug", "json")

	ctx := WithEvaluationID(context.Background(), "eval-1")
	ctx = WithActorID(ctx, "alice")
	ctx = WithRuleID(ctx, "treasury-daily")
	ctx = WithRequestID(ctx, "req-9")

	logger.InfoContext(ctx, "evaluated", "decision", "PASS")

	entry := decode(t, buf)
	want := map[string]string{
		"evaluation_id": "eval-1",
		"actor_id":      "alice",
		"rule_id":       "treasury-daily",
		"request_id":    "req-9",
		"decision":      "PASS",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %q", k, entry[k], v)
		}
	}
}

func TestLogger_TraceIDs(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "json")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "with span")

	entry := decode(t, buf)
	if entry["trace_id"] != traceID.String() {
		t.Errorf("trace_id = %v", entry["trace_id"])
	}
	if entry["span_id"] != spanID.String() {
		t.Errorf("span_id = %v", entry["span_id"])
	}
}

func TestLogger_WithKeepsContextHandler(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "json")

	child := logger.With("component", "engine")
	child.InfoContext(WithActorID(context.Background(), "bob"), "hello")

	entry := decode(t, buf)
	if entry["component"] != "engine" || entry["actor_id"] != "bob" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestLogger_Redaction(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "json")

	logger.Info("declined",
		"card", "4111 1111 1111 1234",
		"dsn", "postgres://sg:hunter2@db:5432/spendguard",
		"password", "hunter2",
		"amount", "10000000.00",
	)

	entry := decode(t, buf)
	if entry["card"] != "****1234" {
		t.Errorf("card = %v", entry["card"])
	}
	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("secret leaked: %s", buf.String())
	}
	if entry["amount"] != "10000000.00" {
		t.Errorf("amount should be untouched, got %v", entry["amount"])
	}
}

func TestLogger_TextFormat(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "text")
	logger.Info("plain", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected logfmt output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRedactCreditCard(t *testing.T) {
	tests := map[string]string{
		"4111111111111111":    "****1111",
		"4111-1111-1111-1111": "****1111",
		"1234":                "1234",
		"card-abc":            "card-abc",
	}
	for in, want := range tests {
		if got := RedactCreditCard(in); got != want {
			t.Errorf("RedactCreditCard(%q) = %q, want %q", in, got, want)
		}
	}
}
