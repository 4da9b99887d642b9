// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kairos-runner/pkg/config"
)

func TestNewLoggerAddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info", "json")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "execution started", "request_id", "r1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json log: %v", err)
	}
	if entry["trace_id"] != traceID.String() {
		t.Fatalf("expected trace_id %s, got %v", traceID, entry["trace_id"])
	}
	if entry["span_id"] != spanID.String() {
		t.Fatalf("expected span_id %s, got %v", spanID, entry["span_id"])
	}
}

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", "text")
	logger.Debug("secret stored", "name", "ANTHROPIC_API_KEY", "plaintext", "sk-live-123")

	out := buf.String()
	if strings.Contains(out, "sk-live-123") {
		t.Fatalf("secret value leaked: %s", out)
	}
	if !strings.Contains(out, "ANTHROPIC_API_KEY") {
		t.Fatalf("expected secret name to be logged: %s", out)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitNone(t *testing.T) {
	shutdown, err := Init(config.TelemetryConfig{Exporter: "none"}, "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	if _, err := Init(config.TelemetryConfig{Exporter: "zipkin", ServiceName: "x"}, "test"); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
	if _, err := Init(config.TelemetryConfig{Exporter: "otlp", ServiceName: "x"}, "test"); err == nil {
		t.Fatal("expected error for otlp without endpoint")
	}
}

func TestPipelineMetricsNilSafe(t *testing.T) {
	var m *PipelineMetrics
	ctx := context.Background()
	m.RecordRequest(ctx, "sync", "ok")
	m.RecordExecution(ctx, "completed")
	m.RecordClassification(ctx, "high", true)
	m.RecordRetry(ctx, errors.New("x"))
	m.RecordError(ctx, errors.New("x"), "pipeline")
	m.RecordDuration(ctx, "oneoff", time.Second)
}

func TestNewPipelineMetrics(t *testing.T) {
	m, err := NewPipelineMetrics()
	if err != nil {
		t.Fatalf("NewPipelineMetrics: %v", err)
	}
	m.RecordRequest(context.Background(), "async", "accepted")
	m.RecordDuration(context.Background(), "skill", 250*time.Millisecond)
}
