package graph_test

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dshills/spice-go/graph"
	"github.com/dshills/spice-go/message"
)

func newRecordingTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return recorder, provider
}

func TestTracingMiddlewareSpansPerNode(t *testing.T) {
	recorder, provider := newRecordingTracer(t)
	runner := graph.NewRunner(graph.WithMiddleware(
		graph.NewTracingMiddleware(provider.Tracer("test"))))

	g := graph.NewGraph("traced")
	g.MustAdd(passthrough("work")).MustAdd(graph.NewOutputNode("out", nil))
	_ = g.Connect("work", "out", nil)

	if _, err := runner.Execute(context.Background(), g, message.New("go", "a")); err != nil {
		t.Fatal(err)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected a span per node, got %d", len(spans))
	}
	names := map[string]bool{}
	for _, span := range spans {
		names[span.Name()] = true
	}
	if !names["node.work"] || !names["node.out"] {
		t.Errorf("unexpected span names %v", names)
	}
}

func TestTracingMiddlewareRecordsErrors(t *testing.T) {
	recorder, provider := newRecordingTracer(t)
	runner := graph.NewRunner(graph.WithMiddleware(
		graph.NewTracingMiddleware(provider.Tracer("test"))))

	g := graph.NewGraph("traced-fail")
	g.MustAdd(graph.NewNodeFunc("boom", func(_ context.Context, msg message.Message) (message.Message, error) {
		return msg, graph.NewExecutionError("kaput", nil)
	}))
	g.MustAdd(graph.NewOutputNode("out", nil))
	_ = g.Connect("boom", "out", nil)

	if _, err := runner.Execute(context.Background(), g, message.New("go", "a")); err == nil {
		t.Fatal("expected failure")
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected the error recorded on the span")
	}
}
