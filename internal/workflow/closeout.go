package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/precedent"
)

type VerifyInput struct {
	Deliverables []string        `json:"deliverables"`
	Outcomes     []graph.Outcome `json:"outcomes"`
}

var outcomeStatuses = map[string]bool{
	graph.OutcomePassed:      true,
	graph.OutcomeFailed:      true,
	graph.OutcomeNeedsReview: true,
}

// Verify records the verification outcomes. The task is done only when
// there is at least one outcome and every outcome passed.
func (e *Engine) Verify(ctx context.Context, id string, in VerifyInput) (*Result, error) {
	return e.transition(ctx, id, "verify", func(ctx context.Context, t *txn) error {
		if err := t.expect(StageVerify); err != nil {
			return err
		}
		outcomes := make([]graph.Outcome, len(in.Outcomes))
		allPassed := len(in.Outcomes) > 0
		for i, o := range in.Outcomes {
			o.Criterion = strings.TrimSpace(o.Criterion)
			if o.Criterion == "" {
				return validation("outcome %d has no criterion", i+1)
			}
			if !outcomeStatuses[o.Status] {
				return validation("outcome %q has status %q; want passed, failed or needs_review", o.Criterion, o.Status)
			}
			if o.Status != graph.OutcomePassed {
				allPassed = false
			}
			outcomes[i] = o
		}
		deliverables := []string{}
		for _, d := range in.Deliverables {
			if d = strings.TrimSpace(d); d != "" {
				deliverables = append(deliverables, d)
			}
		}
		meta, err := graph.EncodeMeta(graph.VerificationMeta{
			Deliverables: deliverables,
			Outcomes:     outcomes,
			AllPassed:    allPassed,
		})
		if err != nil {
			return err
		}
		taskStatus := TaskNeedsReview
		if allPassed {
			taskStatus = TaskDone
		}

		return t.commit(ctx, func(g *graph.Group) error {
			task, err := g.GetNode(ctx, t.sess.TaskID, false)
			if err != nil {
				return fmt.Errorf("load task: %w", err)
			}
			v, err := g.CreateNode(ctx, graph.NewNode{
				Type:        graph.NodeVerification,
				SchemaLayer: task.SchemaLayer,
				Title:       "Verification of " + task.Title,
				Metadata:    meta,
				CreatedBy:   t.actor(),
				Source:      "workflow",
				SourceRef:   t.sess.ID,
			})
			if err != nil {
				return err
			}
			t.node(v)
			if _, err := t.link(ctx, g, graph.EdgeVerifies, v.ID, task.ID); err != nil {
				return err
			}
			passed := 0
			for _, o := range outcomes {
				if o.Status == graph.OutcomePassed {
					passed++
				}
			}
			reason := fmt.Sprintf("%d of %d criteria passed", passed, len(outcomes))
			if _, err := t.setStatus(ctx, g, task.ID, taskStatus, reason); err != nil {
				return err
			}
			t.sess.VerificationID = v.ID
			t.sess.addMessage(RoleUser, "verification recorded: "+reason, e.clock())
			return t.advance(StageLearn)
		})
	})
}

// Learn folds the finished task into a precedent: the one selected at the
// precedents stage, else an existing one with the same pattern, else a new
// one. The session is complete afterwards.
func (e *Engine) Learn(ctx context.Context, id string) (*Result, error) {
	return e.transition(ctx, id, "learn", func(ctx context.Context, t *txn) error {
		if err := t.expect(StageLearn); err != nil {
			return err
		}
		task, err := e.store.GetNode(ctx, t.sess.TaskID, false)
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		pattern := precedent.Normalize(task.Title + " " + task.Description)
		if pattern == "" {
			pattern = strings.ToLower(task.Title)
		}
		return t.commit(ctx, func(g *graph.Group) error {
			targetID, err := precedentFor(ctx, g, t.sess.PrecedentID, pattern)
			if err != nil {
				return err
			}
			plan, err := g.GetNode(ctx, t.sess.PlanID, true)
			if err != nil {
				return fmt.Errorf("load plan: %w", err)
			}
			pm, err := graph.DecodeMeta[graph.PlanMeta](plan)
			if err != nil {
				return fmt.Errorf("decode plan: %w", err)
			}
			run, rm, err := t.loadRun(ctx, g)
			if err != nil {
				return err
			}
			succeeded := task.Status == TaskDone && run.Status != RunAbandoned
			hours := 0.0
			if rm.FinishedAt != nil {
				hours = rm.FinishedAt.Sub(rm.StartedAt).Hours()
			}

			var p graph.Node
			if targetID != "" {
				p, err = g.GetNode(ctx, targetID, false)
				if err != nil {
					return fmt.Errorf("load precedent: %w", err)
				}
			}
			meta := graph.PrecedentMeta{TaskPattern: pattern}
			if p.ID != "" {
				if meta, err = graph.DecodeMeta[graph.PrecedentMeta](p); err != nil {
					return fmt.Errorf("decode precedent: %w", err)
				}
				if meta.TaskPattern == "" {
					meta.TaskPattern = pattern
				}
			}
			if succeeded {
				meta.SuccessCount++
			} else {
				meta.FailureCount++
			}
			n := float64(meta.SuccessCount + meta.FailureCount)
			meta.AvgCompletionHours += (hours - meta.AvgCompletionHours) / n
			meta.RequiredTools = mergeTools(meta.RequiredTools, pm.Steps)
			if succeeded || len(meta.PlanTemplate) == 0 {
				meta.PlanTemplate = pm.Steps
			}
			enc, err := graph.EncodeMeta(meta)
			if err != nil {
				return err
			}

			outcome := "failure"
			if succeeded {
				outcome = "success"
			}
			if p.ID == "" {
				p, err = g.CreateNode(ctx, graph.NewNode{
					Type:        graph.NodePrecedent,
					SchemaLayer: task.SchemaLayer,
					Title:       task.Title,
					Description: task.Description,
					Metadata:    enc,
					CreatedBy:   graph.SystemActor,
					Source:      "workflow",
					SourceRef:   t.sess.ID,
				})
				if err != nil {
					return err
				}
			} else {
				p, err = g.UpdateNode(ctx, p.ID, p.Version, graph.NodePatch{MergeMetadata: enc},
					graph.SystemActor, "learned "+outcome+" from task "+task.ID)
				if err != nil {
					return err
				}
			}
			t.node(p)
			if _, err := t.link(ctx, g, graph.EdgeInforms, run.ID, p.ID); err != nil {
				return err
			}
			t.sess.PrecedentID = p.ID
			t.sess.addMessage(RoleSystem, "precedent updated with "+outcome, e.clock())
			return t.advance(StageComplete)
		})
	})
}

// precedentFor picks the precedent Learn should update, or "" for a new one.
// The lookup reads through g and commits together with the create.
func precedentFor(ctx context.Context, g *graph.Group, selected, pattern string) (string, error) {
	if selected != "" {
		if _, err := g.GetNode(ctx, selected, false); err == nil {
			return selected, nil
		} else if !graph.IsNotFound(err) {
			return "", err
		}
	}
	const page = 200
	for offset := 0; ; offset += page {
		nodes, total, err := g.ListNodes(ctx, graph.NodeQuery{Type: graph.NodePrecedent, Limit: page, Offset: offset})
		if err != nil {
			return "", err
		}
		for _, n := range nodes {
			if precedent.PatternOf(n) == pattern {
				return n.ID, nil
			}
		}
		if len(nodes) == 0 || offset+len(nodes) >= total {
			return "", nil
		}
	}
}

func mergeTools(have []string, steps []graph.PlanStep) []string {
	out := slices.Clone(have)
	for _, s := range steps {
		if s.Tool != "" && !slices.Contains(out, s.Tool) {
			out = append(out, s.Tool)
		}
	}
	slices.Sort(out)
	return out
}
