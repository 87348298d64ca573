package graph_test

import (
	"testing"

	"github.com/dshills/spice-go/graph"
	"github.com/dshills/spice-go/message"
)

func TestGraphConstruction(t *testing.T) {
	g := graph.NewGraph("g1")
	if err := g.Add(passthrough("a")); err != nil {
		t.Fatal(err)
	}
	if g.EntryPoint() != "a" {
		t.Errorf("first node becomes the entry point, got %q", g.EntryPoint())
	}

	if err := g.Add(passthrough("a")); err == nil {
		t.Error("duplicate node ids must be rejected")
	}
	if err := g.Add(nil); err == nil {
		t.Error("nil nodes must be rejected")
	}

	if err := g.Add(passthrough("b")); err != nil {
		t.Fatal(err)
	}
	if err := g.SetEntryPoint("b"); err != nil {
		t.Fatal(err)
	}
	if g.EntryPoint() != "b" {
		t.Errorf("entry point override failed, got %q", g.EntryPoint())
	}
	if err := g.SetEntryPoint("missing"); err == nil {
		t.Error("unknown entry point must be rejected")
	}
}

func TestGraphValidate(t *testing.T) {
	g := graph.NewGraph("g2")
	if err := g.Validate(); err == nil {
		t.Error("empty graph must not validate")
	}

	g.MustAdd(passthrough("a"))
	_ = g.Connect("a", "ghost", nil)
	if err := g.Validate(); err == nil {
		t.Error("dangling edge targets must not validate")
	}
}

func TestNextNodeOrdering(t *testing.T) {
	g := graph.NewGraph("g3")
	g.MustAdd(passthrough("a")).MustAdd(passthrough("b")).
		MustAdd(passthrough("c")).MustAdd(passthrough("d"))

	_ = g.Connect("a", "b", func(msg message.Message) bool { return msg.Data["x"] == 1 })
	_ = g.Connect("a", "c", func(msg message.Message) bool { return msg.Data["x"] == 2 })
	_ = g.ConnectDefault("a", "d")

	msg := message.New("t", "u")
	if next := g.NextNode("a", msg.WithData(map[string]any{"x": 1})); next != "b" {
		t.Errorf("expected b, got %q", next)
	}
	if next := g.NextNode("a", msg.WithData(map[string]any{"x": 2})); next != "c" {
		t.Errorf("expected c, got %q", next)
	}
	if next := g.NextNode("a", msg); next != "d" {
		t.Errorf("expected the default edge, got %q", next)
	}
	if next := g.NextNode("b", msg); next != "" {
		t.Errorf("no edges from b, got %q", next)
	}
}
