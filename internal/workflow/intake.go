package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/shared"
)

type StartInput struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Priority           string   `json:"priority"`
	EstimatedHours     float64  `json:"estimated_hours"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	SchemaLayer        string   `json:"schema_layer"`
}

// Start creates the session's task node and moves to precedents.
func (e *Engine) Start(ctx context.Context, id string, in StartInput) (*Result, error) {
	return e.transition(ctx, id, "start", func(ctx context.Context, t *txn) error {
		if err := t.expect(StageStart); err != nil {
			return err
		}
		title := strings.TrimSpace(in.Title)
		if title == "" {
			return validation("title is required")
		}
		priority := strings.ToLower(strings.TrimSpace(in.Priority))
		if priority == "" {
			priority = defaultPriority
		}
		if !priorities[priority] {
			return validation("priority %q must be one of low, medium, high, critical", in.Priority)
		}
		if in.EstimatedHours < 0 {
			return validation("estimated_hours must not be negative")
		}
		var criteria []string
		for _, c := range in.AcceptanceCriteria {
			if c = strings.TrimSpace(c); c != "" {
				criteria = append(criteria, c)
			}
		}
		meta, err := graph.EncodeMeta(graph.TaskMeta{
			Priority:           priority,
			EstimatedHours:     in.EstimatedHours,
			AcceptanceCriteria: criteria,
			SessionID:          t.sess.ID,
		})
		if err != nil {
			return err
		}

		return t.commit(ctx, func(g *graph.Group) error {
			task, err := g.CreateNode(ctx, graph.NewNode{
				Type:        graph.NodeTask,
				SchemaLayer: in.SchemaLayer,
				Title:       title,
				Description: in.Description,
				Status:      TaskDraft,
				Metadata:    meta,
				CreatedBy:   t.actor(),
				Source:      "workflow",
				SourceRef:   t.sess.ID,
			})
			if err != nil {
				return err
			}
			t.node(task)
			t.sess.TaskID = task.ID
			t.sess.addMessage(RoleSystem, "task created: "+title, e.clock())
			return t.advance(StagePrecedents)
		})
	})
}

// LookupPrecedents ranks stored precedents against the task. With no
// candidates there is nothing to choose, so the session moves on to
// clarify; otherwise it waits at precedents for a select or skip.
func (e *Engine) LookupPrecedents(ctx context.Context, id string, limit int) (*Result, error) {
	return e.transition(ctx, id, "lookup_precedents", func(ctx context.Context, t *txn) error {
		if err := t.expect(StagePrecedents); err != nil {
			return err
		}
		task, err := e.store.GetNode(ctx, t.sess.TaskID, false)
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		matches, err := e.precedents.FindPrecedents(ctx, task.Title+" "+task.Description, limit).Collect()
		if err != nil {
			return err
		}
		candidates := make([]Candidate, 0, len(matches))
		for _, m := range matches {
			meta, _ := graph.DecodeMeta[graph.PrecedentMeta](m.Node)
			candidates = append(candidates, Candidate{
				PrecedentID:  m.Node.ID,
				Title:        m.Node.Title,
				Pattern:      meta.TaskPattern,
				Score:        m.Score,
				SuccessRatio: meta.SuccessRatio(),
			})
		}

		return t.commit(ctx, func(g *graph.Group) error {
			t.sess.Candidates = candidates
			t.res.Candidates = candidates
			t.sess.addMessage(RoleSystem, fmt.Sprintf("%d precedent candidates found", len(candidates)), e.clock())
			if len(candidates) == 0 {
				return t.advance(StageClarify)
			}
			return nil
		})
	})
}

// SelectPrecedent links the task to one of the looked-up candidates and
// seeds the task with the precedent's plan template.
func (e *Engine) SelectPrecedent(ctx context.Context, id, precedentID string) (*Result, error) {
	return e.transition(ctx, id, "select_precedent", func(ctx context.Context, t *txn) error {
		if err := t.expect(StagePrecedents); err != nil {
			return err
		}
		offered := false
		for _, c := range t.sess.Candidates {
			if c.PrecedentID == precedentID {
				offered = true
				break
			}
		}
		if !offered {
			return validation("precedent %s was not among the looked-up candidates", precedentID)
		}

		return t.commit(ctx, func(g *graph.Group) error {
			p, err := g.GetNode(ctx, precedentID, false)
			if err != nil {
				return err
			}
			meta, err := graph.DecodeMeta[graph.PrecedentMeta](p)
			if err != nil {
				return fmt.Errorf("decode precedent: %w", err)
			}
			if _, err := t.link(ctx, g, graph.EdgeDependsOn, t.sess.TaskID, p.ID); err != nil {
				return err
			}
			if len(meta.PlanTemplate) > 0 {
				seed, err := graph.EncodeMeta(graph.TaskMeta{SeedTemplate: meta.PlanTemplate})
				if err != nil {
					return err
				}
				if _, err := t.patch(ctx, g, t.sess.TaskID, graph.NodePatch{MergeMetadata: seed}, "seeded from precedent "+p.ID); err != nil {
					return err
				}
			}
			t.node(p)
			t.sess.PrecedentID = p.ID
			t.sess.addMessage(RoleSystem, "precedent selected: "+p.Title, e.clock())
			return t.advance(StageClarify)
		})
	})
}

func (e *Engine) SkipPrecedents(ctx context.Context, id string) (*Result, error) {
	return e.transition(ctx, id, "skip_precedents", func(ctx context.Context, t *txn) error {
		if err := t.expect(StagePrecedents); err != nil {
			return err
		}
		return t.commit(ctx, func(g *graph.Group) error {
			t.sess.addMessage(RoleSystem, "precedents skipped", e.clock())
			return t.advance(StageClarify)
		})
	})
}

// Clarify records one clarification round. Once the collaborator reports
// the task sufficiently specified, the transcript is written to the task
// and the session moves to plan.
func (e *Engine) Clarify(ctx context.Context, id, message string) (*Result, error) {
	return e.transition(ctx, id, "clarify", func(ctx context.Context, t *txn) error {
		if err := t.expect(StageClarify); err != nil {
			return err
		}
		if t.sess.ClarifyCount >= e.maxClarify {
			return newError(shared.KindClarificationExhausted,
				"%d clarification rounds used; proceed to plan or cancel", t.sess.ClarifyCount)
		}
		message = strings.TrimSpace(message)
		if message == "" {
			return validation("message is required")
		}
		t.sess.ClarifyCount++
		t.sess.addMessage(RoleUser, message, e.clock())

		var answer Clarification
		history := append([]Message(nil), t.sess.Messages...)
		err := e.callGenerator(ctx, "clarification", func(ctx context.Context) error {
			var gerr error
			answer, gerr = e.gen.GenerateClarification(ctx, history)
			return gerr
		})
		if err != nil {
			return err
		}
		t.res.Questions = answer.Questions
		if len(answer.Questions) > 0 {
			t.sess.addMessage(RoleAssistant, strings.Join(answer.Questions, "\n"), e.clock())
		}

		return t.commit(ctx, func(g *graph.Group) error {
			if !answer.Sufficient {
				return nil
			}
			if err := t.recordClarifications(ctx, g); err != nil {
				return err
			}
			return t.advance(StagePlan)
		})
	})
}

// ProceedToPlan leaves clarify with whatever has been gathered so far.
func (e *Engine) ProceedToPlan(ctx context.Context, id string) (*Result, error) {
	return e.transition(ctx, id, "proceed_to_plan", func(ctx context.Context, t *txn) error {
		if err := t.expect(StageClarify); err != nil {
			return err
		}
		return t.commit(ctx, func(g *graph.Group) error {
			if err := t.recordClarifications(ctx, g); err != nil {
				return err
			}
			t.sess.addMessage(RoleSystem, "proceeding to plan", e.clock())
			return t.advance(StagePlan)
		})
	})
}

func (t *txn) recordClarifications(ctx context.Context, g *graph.Group) error {
	turns := t.sess.clarifications()
	if len(turns) == 0 {
		return nil
	}
	meta, err := graph.EncodeMeta(graph.TaskMeta{Clarifications: turns})
	if err != nil {
		return err
	}
	_, err = t.patch(ctx, g, t.sess.TaskID, graph.NodePatch{MergeMetadata: meta}, "clarification transcript recorded")
	return err
}
