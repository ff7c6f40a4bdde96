// Package assist provides a deterministic, rule-based workflow.Generator.
//
// Clarification is scored over weighted dimensions: a dimension is covered
// when any user-supplied text mentions one of its keywords. The session is
// sufficiently clear only once the weighted coverage reaches the threshold.
// When every question has been asked, the heaviest open one is asked again
// and the engine's round bound ends the loop.
package assist

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/workflow"
)

const (
	DefaultThreshold    = 60
	DefaultMaxQuestions = 2
	hoursPerStep        = 1.5
	gateHours           = 8
)

// Dimension is one axis of clarity.
type Dimension struct {
	Name     string
	Question string
	Weight   int
	Keywords []string
}

// DefaultDimensions returns the dimensions the heuristic scores against.
func DefaultDimensions() []Dimension {
	return []Dimension{
		{
			Name:     "expected_behavior",
			Question: "What should the system do once this is finished?",
			Weight:   10,
			Keywords: []string{"should", "must", "expect", "return", "show", "support", "allow"},
		},
		{
			Name:     "failure_modes",
			Question: "What should happen when it fails or the input is invalid?",
			Weight:   8,
			Keywords: []string{"error", "fail", "failure", "retry", "timeout", "invalid", "fallback"},
		},
		{
			Name:     "scope",
			Question: "What is explicitly out of scope for this task?",
			Weight:   7,
			Keywords: []string{"only", "scope", "exclude", "except", "limit", "without"},
		},
		{
			Name:     "verification",
			Question: "How will we know it works? Which test or check proves it?",
			Weight:   7,
			Keywords: []string{"test", "tests", "verify", "check", "assert", "metric", "monitor"},
		},
		{
			Name:     "dependencies",
			Question: "Which services, libraries or teams does this depend on?",
			Weight:   5,
			Keywords: []string{"api", "service", "database", "queue", "library", "team", "depends"},
		},
		{
			Name:     "timeline",
			Question: "Is there a deadline or release this has to land in?",
			Weight:   3,
			Keywords: []string{"deadline", "release", "sprint", "today", "tomorrow", "week", "before"},
		},
	}
}

// Heuristic implements workflow.Generator without any remote calls.
type Heuristic struct {
	Dimensions   []Dimension
	Threshold    int // 0-100
	MaxQuestions int // per round
}

// New returns a Heuristic with the default dimensions and threshold.
func New() *Heuristic {
	return &Heuristic{
		Dimensions:   DefaultDimensions(),
		Threshold:    DefaultThreshold,
		MaxQuestions: DefaultMaxQuestions,
	}
}

var _ workflow.Generator = (*Heuristic)(nil)

// Score returns the weighted coverage of text in [0, 100] and the
// dimensions it leaves uncovered, heaviest first.
func (h *Heuristic) Score(text string) (int, []Dimension) {
	tokens := words(text)
	total, covered := 0, 0
	var open []Dimension
	for _, d := range h.Dimensions {
		total += d.Weight
		if mentions(tokens, d.Keywords) {
			covered += d.Weight
			continue
		}
		open = append(open, d)
	}
	slices.SortStableFunc(open, func(a, b Dimension) int { return b.Weight - a.Weight })
	if total == 0 {
		return 100, nil
	}
	return covered * 100 / total, open
}

// words is the lowercase word set of text. Stopwords are kept: several
// keywords ("should", "only") are stopwords.
func words(text string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[f] = true
	}
	return out
}

func mentions(tokens map[string]bool, keywords []string) bool {
	for _, k := range keywords {
		if tokens[k] {
			return true
		}
	}
	return false
}

func (h *Heuristic) GenerateClarification(ctx context.Context, history []workflow.Message) (workflow.Clarification, error) {
	if err := ctx.Err(); err != nil {
		return workflow.Clarification{}, err
	}
	var said strings.Builder
	asked := map[string]bool{}
	for _, m := range history {
		if m.Role == workflow.RoleAssistant {
			for _, q := range strings.Split(m.Text, "\n") {
				asked[strings.TrimSpace(q)] = true
			}
			continue
		}
		said.WriteString(m.Text)
		said.WriteByte(' ')
	}

	score, open := h.Score(said.String())
	if score >= h.Threshold || len(open) == 0 {
		return workflow.Clarification{Sufficient: true}, nil
	}
	limit := h.MaxQuestions
	if limit <= 0 {
		limit = DefaultMaxQuestions
	}
	var questions []string
	for _, d := range open {
		if asked[d.Question] {
			continue
		}
		questions = append(questions, d.Question)
		if len(questions) == limit {
			break
		}
	}
	if len(questions) == 0 {
		questions = []string{open[0].Question}
	}
	return workflow.Clarification{Questions: questions}, nil
}

func (h *Heuristic) GeneratePlan(ctx context.Context, task workflow.TaskBrief, template []graph.PlanStep) (workflow.PlanProposal, error) {
	if err := ctx.Err(); err != nil {
		return workflow.PlanProposal{}, err
	}
	var steps []graph.PlanStep
	rationale := ""
	if len(template) > 0 {
		steps = slices.Clone(template)
		slices.SortStableFunc(steps, func(a, b graph.PlanStep) int { return a.Order - b.Order })
		rationale = fmt.Sprintf("reuses the %d-step plan of a similar finished task", len(template))
	} else {
		steps = append(steps, graph.PlanStep{Action: "Investigate the current behaviour: " + task.Title, Tool: "shell"})
		for _, c := range task.AcceptanceCriteria {
			if c = strings.TrimSpace(c); c != "" {
				steps = append(steps, graph.PlanStep{Action: "Implement: " + c, Tool: toolFor(c)})
			}
		}
		if len(steps) == 1 {
			steps = append(steps, graph.PlanStep{Action: "Implement " + task.Title, Tool: toolFor(task.Title + " " + task.Description)})
		}
		steps = append(steps, graph.PlanStep{
			Action:          "Verify the acceptance criteria",
			Tool:            "ci",
			ExpectedOutcome: "all checks pass",
		})
		rationale = fmt.Sprintf("one step per acceptance criterion (%d) between investigation and verification", len(task.AcceptanceCriteria))
	}
	for i := range steps {
		steps[i].Order = i + 1
	}

	hours := task.EstimatedHours
	if hours <= 0 {
		hours = float64(len(steps)) * hoursPerStep
	}
	return workflow.PlanProposal{
		Steps:          steps,
		Rationale:      rationale,
		EstimatedHours: hours,
		RequiresGate:   task.Priority == "high" || task.Priority == "critical" || hours > gateHours,
	}, nil
}

var toolKeywords = []struct {
	tool  string
	words []string
}{
	{"ci", []string{"test", "tests", "coverage", "lint", "benchmark"}},
	{"shell", []string{"deploy", "migrate", "migration", "script", "rollout", "backfill"}},
	{"docs", []string{"doc", "docs", "document", "readme", "runbook"}},
}

func toolFor(text string) string {
	tokens := words(text)
	for _, tk := range toolKeywords {
		if mentions(tokens, tk.words) {
			return tk.tool
		}
	}
	return "editor"
}
