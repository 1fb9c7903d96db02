package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withTestTracerProvider installs a tracer provider backed by an in-memory
// exporter as the global provider for the duration of the test.
func withTestTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSpanRecordsNamedSpan(t *testing.T) {
	exp := withTestTracerProvider(t)

	_, span := StartSpan(context.Background(), "session.finalize")
	if !span.SpanContext().HasTraceID() {
		t.Fatal("StartSpan() produced a span without a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "session.finalize" {
		t.Errorf("span name = %q, want session.finalize", spans[0].Name)
	}
	if spans[0].InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", spans[0].InstrumentationScope.Name, tracerName)
	}
}

func TestWithTraceEnrichesLogger(t *testing.T) {
	withTestTracerProvider(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx, span := StartSpan(context.Background(), "test-op")
	defer span.End()

	WithTrace(ctx, base).Info("finalizing")
	line := buf.String()
	if !strings.Contains(line, "trace_id="+span.SpanContext().TraceID().String()) {
		t.Errorf("log line missing trace_id: %s", line)
	}
	if !strings.Contains(line, "span_id=") {
		t.Errorf("log line missing span_id: %s", line)
	}
}

func TestWithTraceNoSpanIsPassthrough(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	got := WithTrace(context.Background(), base)
	if got != base {
		t.Error("WithTrace() without a span returned a new logger")
	}
	got.Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log line carries a trace_id without a span: %s", buf.String())
	}
}
