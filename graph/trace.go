package graph

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/spice-go/message"
)

// TracingMiddleware opens an OpenTelemetry span per node execution.
//
// Span names follow "node.{nodeId}". Each span carries the run id,
// graph id, node id and message state as attributes; failures set the
// span status to error and record the exception.
//
// Spans cannot ride the context between the chain's hooks, so the
// middleware keeps the active span keyed by (run id, node id); within
// one run nodes execute sequentially, which makes the key unique per
// in-flight execution.
type TracingMiddleware struct {
	NopMiddleware
	tracer trace.Tracer
	spans  spanRegistry
}

// NewTracingMiddleware creates the middleware. A nil tracer uses the
// global provider.
func NewTracingMiddleware(tracer trace.Tracer) *TracingMiddleware {
	if tracer == nil {
		tracer = otel.Tracer("github.com/dshills/spice-go/graph")
	}
	return &TracingMiddleware{tracer: tracer}
}

// BeforeNode implements Middleware.
func (m *TracingMiddleware) BeforeNode(ctx context.Context, msg message.Message) (message.Message, error) {
	_, span := m.tracer.Start(ctx, "node."+msg.NodeID,
		trace.WithAttributes(
			attribute.String("spice.run_id", msg.RunID),
			attribute.String("spice.graph_id", msg.GraphID),
			attribute.String("spice.node_id", msg.NodeID),
			attribute.String("spice.state", string(msg.State)),
		))
	m.spans.put(msg.RunID+"/"+msg.NodeID, span)
	return msg, nil
}

// AfterNode implements Middleware.
func (m *TracingMiddleware) AfterNode(_ context.Context, msg message.Message) (message.Message, error) {
	if span, ok := m.spans.take(msg.RunID + "/" + msg.NodeID); ok {
		span.SetAttributes(attribute.String("spice.result_state", string(msg.State)))
		span.SetStatus(codes.Ok, "")
		span.End()
	}
	return msg, nil
}

// OnError implements Middleware: it records and propagates.
func (m *TracingMiddleware) OnError(_ context.Context, nodeID string, msg message.Message, err error) ErrorAction {
	if span, ok := m.spans.take(msg.RunID + "/" + nodeID); ok {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
	}
	return Propagate()
}

// spanRegistry tracks in-flight spans by (run id, node id).
type spanRegistry struct {
	mu    sync.Mutex
	spans map[string]trace.Span
}

func (r *spanRegistry) put(key string, span trace.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spans == nil {
		r.spans = make(map[string]trace.Span)
	}
	r.spans[key] = span
}

func (r *spanRegistry) take(key string) (trace.Span, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span, ok := r.spans[key]
	if ok {
		delete(r.spans, key)
	}
	return span, ok
}
