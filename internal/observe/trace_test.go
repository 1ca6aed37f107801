package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer registers an in-memory tracer provider as the global one for
// the duration of the test.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartCallSpan_TagsCallSID(t *testing.T) {
	exp := installTracer(t)

	ctx, span := StartCallSpan(context.Background(), "callcontrol.speak", "CA42",
		attribute.Int("twiml.chars", 120),
	)
	if cid := CorrelationID(ctx); len(cid) != 32 {
		t.Errorf("correlation ID = %q, want 32 hex chars", cid)
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := map[string]attribute.Value{}
	for _, a := range spans[0].Attributes {
		got[string(a.Key)] = a.Value
	}
	if v, ok := got[AttrCallSID]; !ok || v.AsString() != "CA42" {
		t.Errorf("%s = %v, want CA42", AttrCallSID, v)
	}
	if v, ok := got["twiml.chars"]; !ok || v.AsInt64() != 120 {
		t.Errorf("twiml.chars = %v, want 120", v)
	}
}

func TestStartCallSpan_DistinctTraces(t *testing.T) {
	installTracer(t)

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartCallSpan(context.Background(), "call", "CA1")
		cid := CorrelationID(ctx)
		span.End()
		if seen[cid] {
			t.Fatalf("duplicate trace ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestLoggerFrom(t *testing.T) {
	installTracer(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("call_sid", "CA7")

	LoggerFrom(context.Background(), base).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span has trace_id: %s", buf.String())
	}
	buf.Reset()

	ctx, span := StartSpan(context.Background(), "turn")
	defer span.End()
	LoggerFrom(ctx, base).Info("in span")
	out := buf.String()
	for _, want := range []string{"call_sid=CA7", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestLoggerFrom_NilBaseUsesDefault(t *testing.T) {
	if LoggerFrom(context.Background(), nil) != slog.Default() {
		t.Error("LoggerFrom(nil) without span should return slog.Default()")
	}
}
