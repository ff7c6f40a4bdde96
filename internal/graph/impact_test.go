package graph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/taskgraph/internal/graph"
)

func TestImpact_WalksBreadthFirstWithoutRevisits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := mustNode(t, s, graph.NodeRequirement, "brake latency < 50ms")
	comp := mustNode(t, s, graph.NodeComponent, "brake controller")
	test := mustNode(t, s, graph.NodeTest, "latency bench")
	part := mustNode(t, s, graph.NodePart, "ecu")
	issue := mustNode(t, s, graph.NodeIssue, "jitter")

	mustEdge(t, s, graph.EdgeImplements, comp.ID, req.ID)
	mustEdge(t, s, graph.EdgeTests, test.ID, req.ID)
	mustEdge(t, s, graph.EdgeDependsOn, comp.ID, part.ID)
	mustEdge(t, s, graph.EdgeBlocks, issue.ID, part.ID)
	// Cycle back to the root must not revisit it.
	mustEdge(t, s, graph.EdgeTracesTo, test.ID, comp.ID)

	res, err := s.Impact(ctx, req.ID, 2)
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if res.Depth != 2 || res.Root.ID != req.ID {
		t.Fatalf("unexpected result header %+v", res)
	}
	if len(res.Tree) != 2 {
		t.Fatalf("expected comp and test at level 1, got %d", len(res.Tree))
	}
	if res.TotalImpacted != 3 {
		t.Fatalf("expected comp, test, part within 2 hops, got %d", res.TotalImpacted)
	}
	var compNode *graph.ImpactNode
	for _, n := range res.Tree {
		if n.Level != 1 {
			t.Fatalf("top-level entries must be level 1, got %d", n.Level)
		}
		if n.Node.ID == comp.ID {
			compNode = n
		}
	}
	if compNode == nil || compNode.RelationshipType != graph.EdgeImplements {
		t.Fatalf("expected comp reached via implements, got %+v", compNode)
	}
	if len(compNode.Children) != 1 || compNode.Children[0].Node.ID != part.ID || compNode.Children[0].Level != 2 {
		t.Fatalf("expected part under comp at level 2, got %+v", compNode.Children)
	}
	if res.GapCount != 0 {
		t.Fatalf("requirement has a tests edge, expected no gaps, got %d", res.GapCount)
	}

	deeper, err := s.Impact(ctx, req.ID, 3)
	if err != nil {
		t.Fatalf("impact depth 3: %v", err)
	}
	if deeper.TotalImpacted != 4 {
		t.Fatalf("expected issue at depth 3, got %d", deeper.TotalImpacted)
	}
}

func TestImpact_CountsUntestedRequirements(t *testing.T) {
	s := openTestStore(t)
	comp := mustNode(t, s, graph.NodeComponent, "comp")
	r1 := mustNode(t, s, graph.NodeRequirement, "r1")
	r2 := mustNode(t, s, graph.NodeRequirement, "r2")
	v := mustNode(t, s, graph.NodeVerification, "v")
	mustEdge(t, s, graph.EdgeImplements, comp.ID, r1.ID)
	mustEdge(t, s, graph.EdgeImplements, comp.ID, r2.ID)
	mustEdge(t, s, graph.EdgeVerifies, v.ID, r2.ID)

	res, err := s.Impact(context.Background(), comp.ID, 1)
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if res.GapCount != 1 {
		t.Fatalf("expected one untested requirement, got %d", res.GapCount)
	}
}

func TestImpact_DepthBounds(t *testing.T) {
	s := openTestStore(t)
	n := mustNode(t, s, graph.NodeComponent, "solo")
	for _, depth := range []int{-1, 6} {
		if _, err := s.Impact(context.Background(), n.ID, depth); !errors.Is(err, graph.ErrValidation) {
			t.Fatalf("depth %d: expected validation error, got %v", depth, err)
		}
	}
	res, err := s.Impact(context.Background(), n.ID, 0)
	if err != nil || res.Depth != 2 || len(res.Tree) != 0 {
		t.Fatalf("expected default depth 2 with empty tree, got %+v (%v)", res, err)
	}
}
