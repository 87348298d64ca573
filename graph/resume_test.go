package graph_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dshills/spice-go/graph"
	"github.com/dshills/spice-go/graph/store"
	"github.com/dshills/spice-go/message"
)

// approvalGraph builds draft -> review (HITL) -> publish | rejected.
func approvalGraph(opts ...graph.HumanInputOption) *graph.Graph {
	nodeOpts := append([]graph.HumanInputOption{
		graph.WithOptions("approve", "reject"),
	}, opts...)

	g := graph.NewGraph("approval")
	g.MustAdd(graph.NewNodeFunc("draft", func(_ context.Context, msg message.Message) (message.Message, error) {
		return msg.WithData(map[string]any{"draft": "v1"}), nil
	}))
	g.MustAdd(graph.NewHumanInputNode("review", "Please review the draft", nodeOpts...))
	g.MustAdd(graph.NewNodeFunc("publish", func(_ context.Context, msg message.Message) (message.Message, error) {
		return msg.WithContent("Published").WithData(map[string]any{"published": true}), nil
	}))
	g.MustAdd(graph.NewNodeFunc("rejected", func(_ context.Context, msg message.Message) (message.Message, error) {
		return msg.WithContent("Draft was rejected by human reviewer"), nil
	}))
	g.MustAdd(graph.NewOutputNode("out", nil))

	_ = g.Connect("draft", "review", nil)
	_ = g.Connect("review", "publish", func(msg message.Message) bool {
		return msg.Data["selectedOption"] == "approve"
	})
	_ = g.Connect("review", "rejected", func(msg message.Message) bool {
		return msg.Data["selectedOption"] == "reject"
	})
	_ = g.Connect("publish", "out", nil)
	_ = g.Connect("rejected", "out", nil)
	return g
}

func TestApprovalFlow(t *testing.T) {
	g := approvalGraph()
	st := store.NewMemStore()
	runner := graph.NewRunner()
	ctx := context.Background()

	report, err := runner.RunWithCheckpoint(ctx, g, message.New("please review", "author"), st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != graph.StatusPaused {
		t.Fatalf("expected PAUSED, got %s (err %v)", report.Status, report.Err)
	}
	if report.CheckpointID == "" {
		t.Fatal("expected a checkpoint id")
	}
	if len(report.Interactions) != 1 {
		t.Fatalf("expected one interaction, got %d", len(report.Interactions))
	}
	interaction := report.Interactions[0]
	if interaction.Prompt != "Please review the draft" {
		t.Errorf("unexpected prompt %q", interaction.Prompt)
	}
	if len(interaction.Options) != 2 {
		t.Errorf("expected two options, got %v", interaction.Options)
	}

	final, err := runner.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		map[string]any{"nodeId": "review", "selectedOption": "approve"}, st, graph.DefaultResumeOptions())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if final.Status != graph.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (err %v)", final.Status, final.Err)
	}
	if final.Message.Data["published"] != true {
		t.Errorf("expected published data, got %v", final.Message.Data)
	}

	if _, err := st.Load(ctx, report.CheckpointID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("checkpoint must be deleted after terminal resume, got %v", err)
	}
}

func TestRejectionPath(t *testing.T) {
	g := approvalGraph()
	st := store.NewMemStore()
	runner := graph.NewRunner()
	ctx := context.Background()

	report, err := runner.RunWithCheckpoint(ctx, g, message.New("please review", "author"), st)
	if err != nil {
		t.Fatal(err)
	}

	final, err := runner.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		map[string]any{"selectedOption": "reject"}, st, graph.DefaultResumeOptions())
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != graph.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (err %v)", final.Status, final.Err)
	}
	if final.Message.Content != "Draft was rejected by human reviewer" {
		t.Errorf("unexpected content %q", final.Message.Content)
	}
}

func TestFreeTextResume(t *testing.T) {
	g := graph.NewGraph("feedback")
	g.MustAdd(graph.NewHumanInputNode("get-input", "Tell us more"))
	g.MustAdd(graph.NewNodeFunc("echo", func(_ context.Context, msg message.Message) (message.Message, error) {
		text, _ := msg.Data["user_response"].(string)
		return msg.WithContent("User said: " + text), nil
	}))
	g.MustAdd(graph.NewOutputNode("out", nil))
	_ = g.Connect("get-input", "echo", nil)
	_ = g.Connect("echo", "out", nil)

	st := store.NewMemStore()
	runner := graph.NewRunner()
	ctx := context.Background()

	report, err := runner.RunWithCheckpoint(ctx, g, message.New("start", "user"), st)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != graph.StatusPaused {
		t.Fatalf("expected PAUSED, got %s", report.Status)
	}

	feedback := "This is my detailed feedback about the system"
	final, err := runner.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		map[string]any{"user_response": feedback}, st, graph.DefaultResumeOptions())
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != graph.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (err %v)", final.Status, final.Err)
	}
	if !strings.Contains(final.Message.Content, "User said: "+feedback) {
		t.Errorf("unexpected content %q", final.Message.Content)
	}
}

func TestResumeTimeout(t *testing.T) {
	g := approvalGraph(graph.WithTimeout(30 * time.Millisecond))
	st := store.NewMemStore()
	runner := graph.NewRunner()
	ctx := context.Background()

	report, err := runner.RunWithCheckpoint(ctx, g, message.New("review", "author"), st)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)

	final, err := runner.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		map[string]any{"selectedOption": "approve"}, st, graph.DefaultResumeOptions())
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != graph.StatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.Err == nil || !strings.Contains(final.Err.Error(), "timeout") {
		t.Errorf("expected a timeout failure, got %v", final.Err)
	}
}

func TestResumeValidator(t *testing.T) {
	buildRun := func(t *testing.T) (*graph.Graph, store.CheckpointStore, *graph.Runner, string) {
		t.Helper()
		g := graph.NewGraph("validated")
		g.MustAdd(graph.NewHumanInputNode("get-input", "Feedback please",
			graph.WithResponseValidator(func(text string) error {
				if len(text) < 10 {
					return errors.New("response must be at least 10 characters")
				}
				return nil
			})))
		g.MustAdd(graph.NewOutputNode("out", nil))
		_ = g.Connect("get-input", "out", nil)

		st := store.NewMemStore()
		runner := graph.NewRunner()
		report, err := runner.RunWithCheckpoint(context.Background(), g, message.New("go", "u"), st)
		if err != nil {
			t.Fatal(err)
		}
		return g, st, runner, report.CheckpointID
	}

	t.Run("short response fails validation", func(t *testing.T) {
		g, st, runner, cpID := buildRun(t)
		final, err := runner.ResumeWithHumanResponse(context.Background(), g, cpID,
			map[string]any{"text": "short"}, st, graph.DefaultResumeOptions())
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != graph.StatusFailed {
			t.Fatalf("expected FAILED, got %s", final.Status)
		}
		if final.Err == nil || !strings.Contains(final.Err.Error(), "validation") {
			t.Errorf("expected a validation failure, got %v", final.Err)
		}
	})

	t.Run("long response passes", func(t *testing.T) {
		g, st, runner, cpID := buildRun(t)
		final, err := runner.ResumeWithHumanResponse(context.Background(), g, cpID,
			map[string]any{"text": "This is a valid long feedback"}, st, graph.DefaultResumeOptions())
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != graph.StatusSuccess {
			t.Fatalf("expected SUCCESS, got %s (err %v)", final.Status, final.Err)
		}
	})
}

func TestResumeOptionRulesRejectUnknownOption(t *testing.T) {
	g := approvalGraph()
	st := store.NewMemStore()
	runner := graph.NewRunner()
	ctx := context.Background()

	report, err := runner.RunWithCheckpoint(ctx, g, message.New("review", "author"), st)
	if err != nil {
		t.Fatal(err)
	}

	final, err := runner.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		map[string]any{"selectedOption": "maybe"}, st, graph.DefaultResumeOptions())
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != graph.StatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.Err == nil || !strings.Contains(final.Err.Error(), "validation") {
		t.Errorf("expected a validation failure, got %v", final.Err)
	}
}

func TestResumeCheckpointNotFound(t *testing.T) {
	g := approvalGraph()
	st := store.NewMemStore()
	runner := graph.NewRunner()

	report, err := runner.ResumeWithHumanResponse(context.Background(), g, "cp:missing:1",
		map[string]any{"selectedOption": "approve"}, st, graph.DefaultResumeOptions())
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != graph.StatusFailed {
		t.Fatalf("expected FAILED, got %s", report.Status)
	}
	if graph.CodeOf(report.Err) != graph.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", report.Err)
	}
}

func TestResumeThrowOnError(t *testing.T) {
	g := approvalGraph()
	st := store.NewMemStore()
	runner := graph.NewRunner()
	opts := graph.DefaultResumeOptions()
	opts.ThrowOnError = true

	_, err := runner.ResumeWithHumanResponse(context.Background(), g, "cp:missing:1",
		map[string]any{"selectedOption": "approve"}, st, opts)
	if err == nil {
		t.Fatal("ThrowOnError must surface the failure as an error")
	}
}

func TestResumeMaxCheckpointAge(t *testing.T) {
	g := approvalGraph()
	st := store.NewMemStore()
	runner := graph.NewRunner()
	ctx := context.Background()

	report, err := runner.RunWithCheckpoint(ctx, g, message.New("review", "author"), st)
	if err != nil {
		t.Fatal(err)
	}

	opts := graph.DefaultResumeOptions()
	opts.MaxCheckpointAge = time.Nanosecond
	time.Sleep(time.Millisecond)

	final, err := runner.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		map[string]any{"selectedOption": "approve"}, st, opts)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != graph.StatusFailed || graph.CodeOf(final.Err) != graph.CodeExpired {
		t.Errorf("expected CHECKPOINT_EXPIRED, got %s / %v", final.Status, final.Err)
	}

	// LENIENT skips the age check entirely.
	lenient := graph.LenientResumeOptions()
	lenient.MaxCheckpointAge = time.Nanosecond
	final, err = runner.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		map[string]any{"selectedOption": "approve"}, st, lenient)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != graph.StatusSuccess {
		t.Errorf("lenient resume must succeed, got %s (err %v)", final.Status, final.Err)
	}
}

func TestResumeAutoCleanupDisabled(t *testing.T) {
	g := approvalGraph()
	st := store.NewMemStore()
	runner := graph.NewRunner()
	ctx := context.Background()

	report, err := runner.RunWithCheckpoint(ctx, g, message.New("review", "author"), st)
	if err != nil {
		t.Fatal(err)
	}

	opts := graph.DefaultResumeOptions()
	opts.AutoCleanup = false
	final, err := runner.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		map[string]any{"selectedOption": "approve"}, st, opts)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != graph.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", final.Status)
	}
	if _, err := st.Load(ctx, report.CheckpointID); err != nil {
		t.Errorf("checkpoint must survive when cleanup is disabled, got %v", err)
	}
}

func TestGetPendingInteractions(t *testing.T) {
	g := approvalGraph()
	st := store.NewMemStore()
	runner := graph.NewRunner()
	ctx := context.Background()

	report, err := runner.RunWithCheckpoint(ctx, g, message.New("review", "author"), st)
	if err != nil {
		t.Fatal(err)
	}

	interactions, err := runner.GetPendingInteractions(ctx, report.CheckpointID, st)
	if err != nil {
		t.Fatal(err)
	}
	if len(interactions) != 1 {
		t.Fatalf("expected one interaction, got %d", len(interactions))
	}
	if interactions[0].NodeID != "review" {
		t.Errorf("unexpected node id %q", interactions[0].NodeID)
	}
	if interactions[0].ToolCallID == "" || !strings.HasPrefix(interactions[0].ToolCallID, "hitl_") {
		t.Errorf("unexpected tool-call id %q", interactions[0].ToolCallID)
	}
}

func TestResumePreservesCorrelation(t *testing.T) {
	g := approvalGraph()
	st := store.NewMemStore()
	runner := graph.NewRunner()
	ctx := context.Background()

	input := message.New("review", "author", message.WithCorrelationID("conv-42"))
	report, err := runner.RunWithCheckpoint(ctx, g, input, st)
	if err != nil {
		t.Fatal(err)
	}
	if report.Message.CorrelationID != "conv-42" {
		t.Fatalf("pause must keep correlation, got %q", report.Message.CorrelationID)
	}

	final, err := runner.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		map[string]any{"selectedOption": "approve"}, st, graph.DefaultResumeOptions())
	if err != nil {
		t.Fatal(err)
	}
	if final.Message.CorrelationID != "conv-42" {
		t.Errorf("resume must keep correlation, got %q", final.Message.CorrelationID)
	}
}
