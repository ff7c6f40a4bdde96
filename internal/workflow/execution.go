package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/graph"
)

// StepResult reports one attempt at a plan step.
type StepResult struct {
	StepOrder int           `json:"step_order"`
	Tool      string        `json:"tool"`
	Output    string        `json:"output"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
}

// Resolution is the caller's decision about a failed step.
type Resolution string

const (
	ResolveRetry Resolution = "retry"
	ResolveSkip  Resolution = "skip"
)

// loadRun reads the session's run inside g.
func (t *txn) loadRun(ctx context.Context, g *graph.Group) (graph.Node, graph.RunMeta, error) {
	if t.sess.RunID == "" {
		return graph.Node{}, graph.RunMeta{}, invalidTransition("execution has not begun")
	}
	run, err := g.GetNode(ctx, t.sess.RunID, false)
	if err != nil {
		return graph.Node{}, graph.RunMeta{}, fmt.Errorf("load run: %w", err)
	}
	meta, err := graph.DecodeMeta[graph.RunMeta](run)
	if err != nil {
		return graph.Node{}, graph.RunMeta{}, fmt.Errorf("decode run: %w", err)
	}
	return run, meta, nil
}

// saveRun writes meta and, when status is not empty, the run status.
func (t *txn) saveRun(ctx context.Context, g *graph.Group, run graph.Node, meta graph.RunMeta, status, reason string) (graph.Node, error) {
	enc, err := graph.EncodeMeta(meta)
	if err != nil {
		return graph.Node{}, err
	}
	p := graph.NodePatch{MergeMetadata: enc}
	if meta.PendingStep == 0 {
		p.MergeMetadata["pending_step"] = nil
	}
	if status != "" && status != run.Status {
		p.Status = &status
	}
	updated, err := g.UpdateNode(ctx, run.ID, run.Version, p, t.actor(), reason)
	if err != nil {
		return graph.Node{}, err
	}
	return t.node(updated), nil
}

func stepIndex(meta graph.RunMeta, order int) int {
	for i, s := range meta.Steps {
		if s.Order == order {
			return i
		}
	}
	return -1
}

// BeginExecution creates the run for the approved plan. The session stays
// at execute while steps are reported.
func (e *Engine) BeginExecution(ctx context.Context, id string) (*Result, error) {
	return e.transition(ctx, id, "begin_execution", func(ctx context.Context, t *txn) error {
		if err := t.expect(StageExecute); err != nil {
			return err
		}
		if t.sess.RunID != "" {
			return invalidTransition("run %s already exists for this session", t.sess.RunID)
		}

		return t.commit(ctx, func(g *graph.Group) error {
			plan, err := g.GetNode(ctx, t.sess.PlanID, false)
			if err != nil {
				return fmt.Errorf("load plan: %w", err)
			}
			if plan.Status != PlanApproved {
				return invalidTransition("plan %s is %s, not approved", plan.ID, plan.Status)
			}
			pm, err := graph.DecodeMeta[graph.PlanMeta](plan)
			if err != nil {
				return fmt.Errorf("decode plan: %w", err)
			}
			steps := make([]graph.RunStep, len(pm.Steps))
			for i, s := range pm.Steps {
				steps[i] = graph.RunStep{Order: s.Order, Description: s.Action, Status: graph.StepPending}
			}
			meta, err := graph.EncodeMeta(graph.RunMeta{PlanID: plan.ID, Steps: steps, StartedAt: g.Now()})
			if err != nil {
				return err
			}
			run, err := g.CreateNode(ctx, graph.NewNode{
				Type:        graph.NodeRun,
				SchemaLayer: plan.SchemaLayer,
				Title:       "Run of " + plan.Title,
				Status:      RunRunning,
				Metadata:    meta,
				CreatedBy:   t.actor(),
				Source:      "workflow",
				SourceRef:   t.sess.ID,
			})
			if err != nil {
				return err
			}
			t.node(run)
			if _, err := t.link(ctx, g, graph.EdgeProduces, plan.ID, run.ID); err != nil {
				return err
			}
			if _, err := t.setStatus(ctx, g, t.sess.TaskID, TaskInProgress, "execution started"); err != nil {
				return err
			}
			t.sess.RunID = run.ID
			t.sess.addMessage(RoleSystem, fmt.Sprintf("run started with %d steps", len(steps)), e.clock())
			return nil
		})
	})
}

// RecordStep appends an attempt to a pending step. A failed attempt puts
// the run in needs_review; no further steps are accepted until the caller
// resolves it.
func (e *Engine) RecordStep(ctx context.Context, id string, in StepResult) (*Result, error) {
	return e.transition(ctx, id, "record_step", func(ctx context.Context, t *txn) error {
		if err := t.expect(StageExecute); err != nil {
			return err
		}
		if in.Duration < 0 {
			return validation("duration must not be negative")
		}

		return t.commit(ctx, func(g *graph.Group) error {
			run, meta, err := t.loadRun(ctx, g)
			if err != nil {
				return err
			}
			switch run.Status {
			case RunNeedsReview:
				return invalidTransition("step %d failed and awaits review", meta.PendingStep)
			case RunRunning:
			default:
				return invalidTransition("run is %s", run.Status)
			}
			i := stepIndex(meta, in.StepOrder)
			if i < 0 {
				return validation("run has no step %d", in.StepOrder)
			}
			if meta.Steps[i].Status != graph.StepPending {
				return validation("step %d is already %s", in.StepOrder, meta.Steps[i].Status)
			}
			meta.Steps[i].Attempts = append(meta.Steps[i].Attempts, graph.StepAttempt{
				Tool:       in.Tool,
				Output:     in.Output,
				Success:    in.Success,
				DurationMS: in.Duration.Milliseconds(),
				At:         g.Now(),
			})
			status, reason := "", fmt.Sprintf("step %d succeeded", in.StepOrder)
			if in.Success {
				meta.Steps[i].Status = graph.StepSucceeded
			} else {
				meta.Steps[i].Status = graph.StepFailed
				meta.PendingStep = in.StepOrder
				status, reason = RunNeedsReview, fmt.Sprintf("step %d failed", in.StepOrder)
				ev := bus.StepFailed{SessionID: t.sess.ID, RunID: run.ID, StepOrder: in.StepOrder, Output: in.Output}
				g.OnCommit(func() { e.bus.Publish(bus.TopicRunStepFailed, ev) })
			}
			if _, err := t.saveRun(ctx, g, run, meta, status, reason); err != nil {
				return err
			}
			t.sess.addMessage(RoleSystem, reason, e.clock())
			return nil
		})
	})
}

// ResolveStep settles the failed step: retry makes it pending again, skip
// gives up on it. Either way the run resumes.
func (e *Engine) ResolveStep(ctx context.Context, id string, order int, res Resolution) (*Result, error) {
	return e.transition(ctx, id, "resolve_step", func(ctx context.Context, t *txn) error {
		if err := t.expect(StageExecute); err != nil {
			return err
		}
		if res != ResolveRetry && res != ResolveSkip {
			return validation("resolution must be retry or skip, got %q", res)
		}

		return t.commit(ctx, func(g *graph.Group) error {
			run, meta, err := t.loadRun(ctx, g)
			if err != nil {
				return err
			}
			if run.Status != RunNeedsReview {
				return invalidTransition("run is %s; nothing to resolve", run.Status)
			}
			if meta.PendingStep != order {
				return validation("step %d is not the step awaiting review (%d)", order, meta.PendingStep)
			}
			i := stepIndex(meta, order)
			if i < 0 {
				return validation("run has no step %d", order)
			}
			if res == ResolveRetry {
				meta.Steps[i].Status = graph.StepPending
			} else {
				meta.Steps[i].Status = graph.StepSkipped
			}
			meta.PendingStep = 0
			reason := fmt.Sprintf("step %d resolved: %s", order, res)
			if _, err := t.saveRun(ctx, g, run, meta, RunRunning, reason); err != nil {
				return err
			}
			t.sess.addMessage(RoleUser, reason, e.clock())
			return nil
		})
	})
}

// AbandonRun stops the run. The session can then only complete execution
// or be cancelled.
func (e *Engine) AbandonRun(ctx context.Context, id, reason string) (*Result, error) {
	return e.transition(ctx, id, "abandon_run", func(ctx context.Context, t *txn) error {
		if err := t.expect(StageExecute); err != nil {
			return err
		}
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return validation("a reason is required to abandon a run")
		}

		return t.commit(ctx, func(g *graph.Group) error {
			run, meta, err := t.loadRun(ctx, g)
			if err != nil {
				return err
			}
			if run.Status != RunRunning && run.Status != RunNeedsReview {
				return invalidTransition("run is %s", run.Status)
			}
			finished := g.Now()
			meta.FinishedAt = &finished
			meta.AbandonReason = reason
			meta.PendingStep = 0
			if _, err := t.saveRun(ctx, g, run, meta, RunAbandoned, reason); err != nil {
				return err
			}
			t.sess.addMessage(RoleUser, "run abandoned: "+reason, e.clock())
			return nil
		})
	})
}

// CompleteExecution closes the run and moves to verify. Every step must
// have an outcome unless the run was abandoned.
func (e *Engine) CompleteExecution(ctx context.Context, id string) (*Result, error) {
	return e.transition(ctx, id, "complete_execution", func(ctx context.Context, t *txn) error {
		if err := t.expect(StageExecute); err != nil {
			return err
		}

		return t.commit(ctx, func(g *graph.Group) error {
			run, meta, err := t.loadRun(ctx, g)
			if err != nil {
				return err
			}
			status := run.Status
			switch run.Status {
			case RunNeedsReview:
				return invalidTransition("step %d failed and awaits review", meta.PendingStep)
			case RunAbandoned:
			case RunRunning:
				status = RunSucceeded
				for _, s := range meta.Steps {
					switch s.Status {
					case graph.StepPending, graph.StepFailed:
						return invalidTransition("step %d has no outcome yet", s.Order)
					case graph.StepSkipped:
						status = RunPartial
					}
				}
				finished := g.Now()
				meta.FinishedAt = &finished
			default:
				return invalidTransition("run is already %s", run.Status)
			}
			if status != run.Status {
				if _, err := t.saveRun(ctx, g, run, meta, status, "execution complete"); err != nil {
					return err
				}
			}
			t.sess.addMessage(RoleUser, "execution complete: "+status, e.clock())
			return t.advance(StageVerify)
		})
	})
}
