package assist

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/workflow"
)

func msg(role, text string) workflow.Message {
	return workflow.Message{Role: role, Text: text}
}

func TestScore(t *testing.T) {
	h := New()
	tests := []struct {
		name string
		text string
		want int
		open int
	}{
		{"nothing", "do the thing", 0, 6},
		{"behavior only", "it should return 200", 25, 5},
		{"behavior and failure", "it should retry on error", 45, 4},
		{"everything", "it should retry on error, only the api, with tests before release", 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, open := h.Score(tt.text)
			if got != tt.want || len(open) != tt.open {
				t.Fatalf("Score(%q) = %d with %d open, want %d with %d", tt.text, got, len(open), tt.want, tt.open)
			}
		})
	}
}

func TestGenerateClarification_AsksHeaviestGapsFirst(t *testing.T) {
	h := New()
	got, err := h.GenerateClarification(context.Background(), []workflow.Message{
		msg(workflow.RoleSystem, "task created: fix the importer"),
		msg(workflow.RoleUser, "the nightly importer drops rows"),
	})
	if err != nil {
		t.Fatalf("clarify: %v", err)
	}
	if got.Sufficient || len(got.Questions) != 2 {
		t.Fatalf("unexpected answer %+v", got)
	}
	dims := DefaultDimensions()
	if got.Questions[0] != dims[0].Question || got.Questions[1] != dims[1].Question {
		t.Fatalf("expected the two heaviest questions, got %q", got.Questions)
	}
}

func TestGenerateClarification_DoesNotRepeatQuestions(t *testing.T) {
	h := New()
	dims := DefaultDimensions()
	history := []workflow.Message{
		msg(workflow.RoleUser, "the importer drops rows"),
		msg(workflow.RoleAssistant, dims[0].Question+"\n"+dims[1].Question),
		msg(workflow.RoleUser, "no idea"),
	}
	got, err := h.GenerateClarification(context.Background(), history)
	if err != nil {
		t.Fatalf("clarify: %v", err)
	}
	for _, q := range got.Questions {
		if q == dims[0].Question || q == dims[1].Question {
			t.Fatalf("question %q was asked before", q)
		}
	}

	h.MaxQuestions = 10
	history = append(history, msg(workflow.RoleAssistant, got.Questions[0]+"\n"+got.Questions[1]))
	got, err = h.GenerateClarification(context.Background(), history)
	if err != nil {
		t.Fatalf("clarify: %v", err)
	}
	if len(got.Questions) != 2 {
		t.Fatalf("expected the last two questions, got %q", got.Questions)
	}
	history = append(history, msg(workflow.RoleAssistant, got.Questions[0]+"\n"+got.Questions[1]))
	got, _ = h.GenerateClarification(context.Background(), history)
	if got.Sufficient || len(got.Questions) != 1 || got.Questions[0] != dims[0].Question {
		t.Fatalf("exhausted questions should re-ask the heaviest gap, got %+v", got)
	}
}

func TestGenerateClarification_SufficientAtThreshold(t *testing.T) {
	h := New()
	got, err := h.GenerateClarification(context.Background(), []workflow.Message{
		msg(workflow.RoleUser, "imports should retry on timeout errors and only touch the orders table"),
	})
	if err != nil {
		t.Fatalf("clarify: %v", err)
	}
	if !got.Sufficient {
		t.Fatalf("expected sufficient, got %+v", got)
	}
}

func TestGenerateClarification_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().GenerateClarification(ctx, nil); err == nil {
		t.Fatal("expected context error")
	}
}

func TestGeneratePlan_FromCriteria(t *testing.T) {
	h := New()
	got, err := h.GeneratePlan(context.Background(), workflow.TaskBrief{
		Title:              "Add retry to ingest job",
		Priority:           "medium",
		AcceptanceCriteria: []string{"retries three times", "integration tests cover retry", " "},
	}, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(got.Steps) != 4 {
		t.Fatalf("expected investigate + 2 criteria + verify, got %+v", got.Steps)
	}
	wantTools := []string{"shell", "editor", "ci", "ci"}
	for i, s := range got.Steps {
		if s.Order != i+1 || s.Tool != wantTools[i] {
			t.Fatalf("step %d = %+v, want order %d tool %s", i, s, i+1, wantTools[i])
		}
	}
	if got.EstimatedHours != 6 || got.RequiresGate {
		t.Fatalf("unexpected estimate %v gate %v", got.EstimatedHours, got.RequiresGate)
	}
}

func TestGeneratePlan_NoCriteria(t *testing.T) {
	got, err := New().GeneratePlan(context.Background(), workflow.TaskBrief{
		Title:          "Write the deploy runbook",
		Priority:       "critical",
		EstimatedHours: 2,
	}, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(got.Steps) != 3 || got.Steps[1].Tool != "shell" {
		t.Fatalf("unexpected steps %+v", got.Steps)
	}
	if !got.RequiresGate || got.EstimatedHours != 2 {
		t.Fatalf("critical work is gated, got %+v", got)
	}
}

func TestGeneratePlan_ReusesTemplate(t *testing.T) {
	template := []graph.PlanStep{
		{Order: 5, Action: "ship", Tool: "shell"},
		{Order: 2, Action: "patch", Tool: "editor"},
	}
	got, err := New().GeneratePlan(context.Background(), workflow.TaskBrief{Title: "again", EstimatedHours: 12}, template)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[0].Action != "patch" || got.Steps[0].Order != 1 || got.Steps[1].Order != 2 {
		t.Fatalf("template should be reordered and renumbered, got %+v", got.Steps)
	}
	if template[0].Order != 5 {
		t.Fatal("template must not be mutated")
	}
	if !got.RequiresGate {
		t.Fatal("long work is gated")
	}
}

func TestHeuristic_EngineBoundEndsVagueClarification(t *testing.T) {
	ctx := context.Background()
	store, err := graph.Open(ctx, graph.Config{Path: filepath.Join(t.TempDir(), "graph.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	engine, err := workflow.New(workflow.Config{Store: store, Generator: New()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	res, err := engine.CreateSession(ctx, workflow.SessionInput{CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	id := res.Session.ID
	if _, err := engine.Start(ctx, id, workflow.StartInput{Title: "Add retry to ingest job"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err = engine.LookupPrecedents(ctx, id, 0)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if res.Session.Stage != workflow.StageClarify {
		t.Fatalf("no precedents should move to clarify, got %s", res.Session.Stage)
	}

	for i := 1; i <= workflow.DefaultMaxClarifyRounds; i++ {
		res, err = engine.Clarify(ctx, id, "no further detail")
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if res.Session.Stage != workflow.StageClarify || len(res.Questions) == 0 {
			t.Fatalf("round %d: stage=%s questions=%q", i, res.Session.Stage, res.Questions)
		}
	}
	_, err = engine.Clarify(ctx, id, "no further detail")
	if !errors.Is(err, workflow.ErrClarificationExhausted) {
		t.Fatalf("round %d should be exhausted, got %v", workflow.DefaultMaxClarifyRounds+1, err)
	}
}
