package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/spice-go/bus"
	"github.com/dshills/spice-go/message"
)

// Runner drives one message from a root to a terminal state, with
// durable pause/resume and policy-driven retries.
//
// A Runner is stateless and safe for concurrent use: all mutable
// execution state lives in the message, the checkpoint store and the
// event bus. Many runs may proceed in parallel; within one run, nodes
// execute sequentially.
type Runner struct {
	chain    *Chain
	resolver *PolicyResolver
	events   *bus.Bus
	channels bus.StandardChannels
	metrics  *Metrics
	maxSteps int

	// sleep is the only blocking wait inside the runner; injectable
	// for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMiddleware appends a middleware after the mandatory
// state-transition middleware.
func WithMiddleware(m Middleware) RunnerOption {
	return func(r *Runner) { r.chain.Use(m) }
}

// WithRetryResolver replaces the default retry policy resolver.
func WithRetryResolver(resolver *PolicyResolver) RunnerOption {
	return func(r *Runner) { r.resolver = resolver }
}

// WithEventBus publishes lifecycle events to the given bus channels.
// Publication is best effort: bus errors never fail a run.
func WithEventBus(b *bus.Bus, channels bus.StandardChannels) RunnerOption {
	return func(r *Runner) {
		r.events = b
		r.channels = channels
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
		r.chain.Use(NewMetricsMiddleware(m))
	}
}

// WithMaxSteps bounds the number of node executions per run. Zero
// keeps the default of 1000.
func WithMaxSteps(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxSteps = n
		}
	}
}

// NewRunner creates a runner. The state-transition middleware is
// always installed first.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		chain:    NewChain(NewStateTransitionMiddleware()),
		resolver: NewPolicyResolver(DefaultRetryPolicy()),
		maxSteps: 1000,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRunID generates a fresh run identifier.
func NewRunID() string { return "run_" + uuid.NewString() }

// Execute runs the graph on msg until a terminal state or a pause.
//
// The returned message is COMPLETED, FAILED (with the error also
// returned) or WAITING; a cancelled run returns the message in the state
// it had when the cancellation was seen, together with the error. The
// runner never executes a node on a terminal message and rejects WAITING
// messages (those continue through Resume). A run id already set on msg
// is kept; otherwise a fresh one is generated.
func (r *Runner) Execute(ctx context.Context, g *Graph, msg message.Message) (message.Message, error) {
	if err := g.Validate(); err != nil {
		return msg, err
	}
	if msg.IsTerminal() {
		return msg, NewValidationError("cannot execute a terminal message (state " + string(msg.State) + ")")
	}
	if msg.IsWaiting() {
		return msg, NewValidationError("cannot execute a WAITING message; use Resume")
	}

	runID := msg.RunID
	if runID == "" {
		runID = NewRunID()
	}
	msg = msg.WithGraphContext(g.ID(), g.EntryPoint(), runID)

	if r.metrics != nil {
		defer r.metrics.RunStarted()()
	}
	r.publishGraphEvent(ctx, bus.GraphStarted, msg, "", nil)

	final, err := r.loop(ctx, g, msg, g.EntryPoint(), false)
	r.finishRun(ctx, final, err)
	return final, err
}

// Resume continues a WAITING message at the node it paused at.
//
// The caller merges the human response into the message first (see
// ResumeWithHumanResponse). Nested subgraph pauses unwind through the
// subgraph stack recorded on the message metadata.
func (r *Runner) Resume(ctx context.Context, g *Graph, msg message.Message) (message.Message, error) {
	if err := g.Validate(); err != nil {
		return msg, err
	}
	if !msg.IsWaiting() {
		return msg, NewValidationError("cannot resume a message in state " + string(msg.State))
	}

	// A pause inside a nested subgraph unwinds level by level: the
	// outermost stack entry names the subgraph node of this graph.
	if frame, ok := topSubgraphFrame(msg, g.ID()); ok {
		node, exists := g.Node(frame.ParentNodeID)
		if !exists {
			return msg, NewRoutingError("subgraph node not found during resume: " + frame.ParentNodeID)
		}
		sub, ok := node.(*SubgraphNode)
		if !ok {
			return msg, NewRoutingError("node " + frame.ParentNodeID + " is not a subgraph node")
		}
		result, err := sub.resumeChild(ctx, msg, frame)
		if err != nil {
			failed := r.failMessage(result, frame.ParentNodeID, err)
			return failed, err
		}
		switch result.State {
		case message.StateWaiting:
			return result, nil
		case message.StateCompleted:
			r.finishRun(ctx, result, nil)
			return result, nil
		default:
			final, err := r.loop(ctx, g, result, frame.ParentNodeID, true)
			r.finishRun(ctx, final, err)
			return final, err
		}
	}

	resumed, err := msg.TransitionTo(message.StateRunning, "resume", msg.NodeID)
	if err != nil {
		return msg, NewValidationError(err.Error())
	}
	final, err := r.loop(ctx, g, resumed, resumed.NodeID, true)
	r.finishRun(ctx, final, err)
	return final, err
}

// loop is the execution core. Starting at startNode it executes nodes
// and follows routing until the message pauses, completes or fails.
// With skipFirst the start node is treated as already executed (resume
// semantics) and only its routing applies.
func (r *Runner) loop(ctx context.Context, g *Graph, msg message.Message, startNode string, skipFirst bool) (message.Message, error) {
	nodeID := startNode
	attempt := 1
	steps := 0

	for {
		if err := ctx.Err(); err != nil {
			// A cancelled run leaves any existing checkpoint intact.
			return msg, NewExecutionError("run cancelled", err)
		}
		steps++
		if steps > r.maxSteps {
			err := NewExecutionError(fmt.Sprintf("run exceeded %d steps", r.maxSteps), nil)
			return r.failMessage(msg, nodeID, err), err
		}

		if skipFirst {
			skipFirst = false
		} else {
			node, ok := g.Node(nodeID)
			if !ok {
				err := NewRoutingError("node not found during execution: " + nodeID)
				return r.failMessage(msg, nodeID, err), err
			}

			msg = msg.WithGraphContext(g.ID(), nodeID, msg.RunID)
			r.publishNodeEvent(ctx, bus.NodeStarted, msg, nodeID, attempt, 0, nil)
			started := time.Now()

			result, err := r.executeNode(ctx, node, msg)
			if err != nil {
				// OnError sees the partially-processed message (it may
				// carry middleware annotations such as error reports).
				action := r.chain.OnError(ctx, nodeID, result, err)
				switch action.Kind {
				case ActionSkip:
					result = msg
				case ActionFallback:
					result = action.Fallback
				case ActionRetry:
					r.publishNodeEvent(ctx, bus.NodeFailed, msg, nodeID, attempt, time.Since(started).Milliseconds(), err)
					continue
				default:
					r.publishNodeEvent(ctx, bus.NodeFailed, msg, nodeID, attempt, time.Since(started).Milliseconds(), err)

					policy := r.resolver.Resolve(err, nodeID, msg)
					if attempt < policy.MaxAttempts && policy.IsRetryable(CodeOf(err)) {
						if r.metrics != nil {
							r.metrics.RecordRetry(msg.GraphID, nodeID)
						}
						if serr := r.sleep(ctx, policy.Backoff(attempt, nil)); serr != nil {
							return msg, NewExecutionError("run cancelled during backoff", serr)
						}
						attempt++
						msg = r.reenterRunning(msg, nodeID)
						continue
					}
					return r.failMessage(result, nodeID, err), err
				}
			}
			r.publishNodeEvent(ctx, bus.NodeCompleted, result, nodeID, attempt, time.Since(started).Milliseconds(), nil)
			r.publishToolCalls(ctx, result, nodeID)
			msg = result
		}

		switch msg.State {
		case message.StateWaiting:
			return msg, nil
		case message.StateCompleted:
			return msg, nil
		case message.StateFailed:
			err := NewExecutionError("node "+nodeID+" produced a FAILED message", nil)
			return msg, err
		}

		next, err := r.route(g, nodeID, msg)
		if err != nil {
			return r.failMessage(msg, nodeID, err), err
		}
		nodeID = next
		attempt = 1
	}
}

// executeNode wraps a single node execution in the middleware chain.
func (r *Runner) executeNode(ctx context.Context, node Node, msg message.Message) (message.Message, error) {
	wrapped, err := r.chain.BeforeNode(ctx, msg)
	if err != nil {
		return wrapped, err
	}
	result, err := node.Run(ctx, wrapped)
	if err != nil {
		return wrapped, err
	}
	after, err := r.chain.AfterNode(ctx, result)
	if err != nil {
		return result, err
	}
	return after, nil
}

// route picks the node after from. A decision node's resolved target
// takes precedence over edges.
func (r *Runner) route(g *Graph, from string, msg message.Message) (string, error) {
	if target, ok := msg.Data[DataKeyDecisionTarget].(string); ok {
		if decidedBy, _ := msg.Data[DataKeyDecisionNodeID].(string); decidedBy == from {
			return target, nil
		}
	}
	if next := g.NextNode(from, msg); next != "" {
		return next, nil
	}
	return "", NewRoutingError("no valid route from node: " + from)
}

// reenterRunning prepares a message for a retry attempt: a WAITING
// message transitions back to RUNNING, a RUNNING one is reused as is.
func (r *Runner) reenterRunning(msg message.Message, nodeID string) message.Message {
	if msg.State != message.StateWaiting {
		return msg
	}
	next, err := msg.TransitionTo(message.StateRunning, "retry", nodeID)
	if err != nil {
		return msg
	}
	return next
}

// failMessage transitions msg to FAILED when the transition is legal.
func (r *Runner) failMessage(msg message.Message, nodeID string, cause error) message.Message {
	failed := msg
	if msg.State.CanTransitionTo(message.StateFailed) {
		if next, err := msg.TransitionTo(message.StateFailed, cause.Error(), nodeID); err == nil {
			failed = next
		}
	}
	return failed
}

// finishRun publishes the terminal lifecycle event and records the run
// outcome.
func (r *Runner) finishRun(ctx context.Context, msg message.Message, err error) {
	switch {
	case err != nil || msg.State == message.StateFailed:
		r.publishGraphEvent(ctx, bus.GraphFailed, msg, "", err)
		if r.metrics != nil {
			r.metrics.RecordRunOutcome(msg.GraphID, "failed")
		}
	case msg.State == message.StateCompleted:
		r.publishGraphEvent(ctx, bus.GraphCompleted, msg, "", nil)
		if r.metrics != nil {
			r.metrics.RecordRunOutcome(msg.GraphID, "completed")
		}
	case msg.State == message.StateWaiting:
		if r.metrics != nil {
			r.metrics.RecordRunOutcome(msg.GraphID, "paused")
		}
	}
}

// suppressEventsKey marks a context whose run publishes no lifecycle
// events (the SILENT resume preset).
type suppressEventsKey struct{}

// withSuppressedEvents returns a context that silences lifecycle
// publication.
func withSuppressedEvents(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressEventsKey{}, true)
}

func eventsSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressEventsKey{}).(bool)
	return v
}

func (r *Runner) publishGraphEvent(ctx context.Context, kind string, msg message.Message, checkpointID string, cause error) {
	if r.events == nil || eventsSuppressed(ctx) {
		return
	}
	ev := bus.GraphLifecycleEvent{
		Kind:         kind,
		RunID:        msg.RunID,
		GraphID:      msg.GraphID,
		FinalState:   string(msg.State),
		CheckpointID: checkpointID,
		Timestamp:    time.Now().UTC(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	_, _ = r.events.Publish(ctx, r.channels.GraphLifecycle, ev, map[string]string{
		"runId":   msg.RunID,
		"graphId": msg.GraphID,
	})
}

func (r *Runner) publishNodeEvent(ctx context.Context, kind string, msg message.Message, nodeID string, attempt int, durationMs int64, cause error) {
	if r.events == nil || eventsSuppressed(ctx) {
		return
	}
	ev := bus.NodeLifecycleEvent{
		Kind:       kind,
		RunID:      msg.RunID,
		GraphID:    msg.GraphID,
		NodeID:     nodeID,
		Attempt:    attempt,
		DurationMs: durationMs,
		Timestamp:  time.Now().UTC(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	_, _ = r.events.Publish(ctx, r.channels.NodeLifecycle, ev, map[string]string{
		"runId":  msg.RunID,
		"nodeId": nodeID,
	})
}

// publishToolCalls records the message's pending tool calls after a
// node completes.
func (r *Runner) publishToolCalls(ctx context.Context, msg message.Message, nodeID string) {
	if r.events == nil || eventsSuppressed(ctx) {
		return
	}
	for _, tc := range msg.ToolCalls {
		_, _ = r.events.Publish(ctx, r.channels.ToolCalls, bus.ToolCallEvent{
			RunID:      msg.RunID,
			NodeID:     nodeID,
			ToolCallID: tc.ID,
			Function:   tc.Name,
			Arguments:  tc.Arguments,
			Timestamp:  time.Now().UTC(),
		}, map[string]string{"runId": msg.RunID})
	}
}
