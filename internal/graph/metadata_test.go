package graph_test

import (
	"context"
	"testing"

	"github.com/basket/taskgraph/internal/graph"
)

func TestTypedMetadataRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	meta, err := graph.EncodeMeta(graph.PlanMeta{
		Steps: []graph.PlanStep{
			{Order: 1, Action: "reproduce", Tool: "shell"},
			{Order: 2, Action: "fix"},
		},
		Revision:     1,
		RequiresGate: true,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	meta["reviewer_note"] = "keep"
	n, err := s.CreateNode(ctx, graph.NewNode{Type: graph.NodePlan, Title: "plan", CreatedBy: "alice", Metadata: meta})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stored, err := s.GetNode(ctx, n.ID, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := graph.DecodeMeta[graph.PlanMeta](stored)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[0].Tool != "shell" || !got.RequiresGate || got.Revision != 1 {
		t.Fatalf("unexpected decoded plan meta %+v", got)
	}
	if stored.Metadata["reviewer_note"] != "keep" {
		t.Fatal("unknown keys must pass through")
	}
}

func TestValidateMetadata(t *testing.T) {
	tests := []struct {
		name string
		typ  graph.NodeType
		meta graph.Metadata
		ok   bool
	}{
		{"task ok", graph.NodeTask, graph.Metadata{"priority": "high", "estimated_hours": 4}, true},
		{"task negative hours", graph.NodeTask, graph.Metadata{"estimated_hours": -1}, false},
		{"plan step missing action", graph.NodePlan, graph.Metadata{"steps": []any{map[string]any{"order": 1}}}, false},
		{"run bad step status", graph.NodeRun, graph.Metadata{"steps": []any{map[string]any{"order": 1, "status": "exploded"}}}, false},
		{"precedent negative count", graph.NodePrecedent, graph.Metadata{"success_count": -2}, false},
		{"verification outcome", graph.NodeVerification, graph.Metadata{"outcomes": []any{map[string]any{"criterion": "ci green", "status": "passed"}}}, true},
		{"verification bad status", graph.NodeVerification, graph.Metadata{"outcomes": []any{map[string]any{"criterion": "ci green", "status": "maybe"}}}, false},
		{"note anything goes", graph.NodeNote, graph.Metadata{"whatever": []any{1, "two"}}, true},
		{"nil metadata", graph.NodeGate, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := graph.ValidateMetadata(tt.typ, tt.meta)
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected schema violation")
			}
		})
	}
}

func TestPrecedentMetaSuccessRatio(t *testing.T) {
	if r := (graph.PrecedentMeta{}).SuccessRatio(); r != 0 {
		t.Fatalf("expected 0 with no outcomes, got %v", r)
	}
	if r := (graph.PrecedentMeta{SuccessCount: 3, FailureCount: 1}).SuccessRatio(); r != 0.75 {
		t.Fatalf("expected 0.75, got %v", r)
	}
}
