package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/taskgraph/internal/audit"
	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/graph"
)

type PlanInput struct {
	// RequiresGate overrides the generator's choice when set.
	RequiresGate *bool `json:"requires_gate,omitempty"`
}

// normalizeSteps orders steps and fills missing order numbers by position.
func normalizeSteps(steps []graph.PlanStep) ([]graph.PlanStep, error) {
	if len(steps) == 0 {
		return nil, validation("plan has no steps")
	}
	out := make([]graph.PlanStep, len(steps))
	copy(out, steps)
	for i := range out {
		out[i].Action = strings.TrimSpace(out[i].Action)
		if out[i].Action == "" {
			return nil, validation("plan step %d has no action", i+1)
		}
		if out[i].Order <= 0 {
			out[i].Order = i + 1
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	for i := 1; i < len(out); i++ {
		if out[i].Order == out[i-1].Order {
			return nil, validation("plan step order %d is used twice", out[i].Order)
		}
	}
	return out, nil
}

// Plan asks the generator for a plan and records it as a new plan
// revision. With a gate the session waits at approve; without one the plan
// is approved outright and the session moves to execute.
func (e *Engine) Plan(ctx context.Context, id string, in PlanInput) (*Result, error) {
	return e.transition(ctx, id, "plan", func(ctx context.Context, t *txn) error {
		if err := t.expect(StagePlan); err != nil {
			return err
		}
		task, err := e.store.GetNode(ctx, t.sess.TaskID, false)
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		tm, err := graph.DecodeMeta[graph.TaskMeta](task)
		if err != nil {
			return fmt.Errorf("decode task: %w", err)
		}
		brief := TaskBrief{
			Title:              task.Title,
			Description:        task.Description,
			Priority:           tm.Priority,
			EstimatedHours:     tm.EstimatedHours,
			AcceptanceCriteria: tm.AcceptanceCriteria,
			Clarifications:     tm.Clarifications,
		}

		var proposal PlanProposal
		err = e.callGenerator(ctx, "plan", func(ctx context.Context) error {
			var gerr error
			proposal, gerr = e.gen.GeneratePlan(ctx, brief, tm.SeedTemplate)
			return gerr
		})
		if err != nil {
			return err
		}
		steps, err := normalizeSteps(proposal.Steps)
		if err != nil {
			return err
		}
		gated := proposal.RequiresGate
		if in.RequiresGate != nil {
			gated = *in.RequiresGate
		}
		revision := t.sess.PlanRevision + 1
		meta, err := graph.EncodeMeta(graph.PlanMeta{
			Steps:        steps,
			Revision:     revision,
			Rationale:    proposal.Rationale,
			RequiresGate: gated,
		})
		if err != nil {
			return err
		}
		status := PlanApproved
		if gated {
			status = PlanProposed
		}

		return t.commit(ctx, func(g *graph.Group) error {
			if prev := t.sess.PlanID; prev != "" {
				if _, err := t.setStatus(ctx, g, prev, PlanSuperseded, fmt.Sprintf("superseded by revision %d", revision)); err != nil {
					return fmt.Errorf("supersede plan %s: %w", prev, err)
				}
			}
			plan, err := g.CreateNode(ctx, graph.NewNode{
				Type:        graph.NodePlan,
				SchemaLayer: task.SchemaLayer,
				Title:       fmt.Sprintf("Plan r%d: %s", revision, task.Title),
				Description: proposal.Rationale,
				Status:      status,
				Metadata:    meta,
				CreatedBy:   t.actor(),
				Source:      "workflow",
				SourceRef:   t.sess.ID,
			})
			if err != nil {
				return err
			}
			t.node(plan)
			if _, err := t.link(ctx, g, graph.EdgeTracesTo, plan.ID, task.ID); err != nil {
				return err
			}
			for _, title := range proposal.Subtasks {
				if err := t.addSubtask(ctx, g, task, title); err != nil {
					return err
				}
			}
			if task.Status != TaskPlanned {
				if _, err := t.setStatus(ctx, g, task.ID, TaskPlanned, fmt.Sprintf("plan revision %d proposed", revision)); err != nil {
					return err
				}
			}
			t.sess.PlanID = plan.ID
			t.sess.PlanRevision = revision
			t.sess.GateID = ""
			t.sess.addMessage(RoleAssistant, fmt.Sprintf("plan revision %d with %d steps", revision, len(steps)), e.clock())

			if !gated {
				return t.advance(StageExecute)
			}
			gateMeta, err := graph.EncodeMeta(graph.GateMeta{GateType: "plan_approval", PlanID: plan.ID})
			if err != nil {
				return err
			}
			gate, err := g.CreateNode(ctx, graph.NewNode{
				Type:        graph.NodeGate,
				SchemaLayer: task.SchemaLayer,
				Title:       "Approve " + plan.Title,
				Status:      GatePending,
				Metadata:    gateMeta,
				CreatedBy:   t.actor(),
				Source:      "workflow",
				SourceRef:   t.sess.ID,
			})
			if err != nil {
				return err
			}
			t.node(gate)
			if _, err := t.link(ctx, g, graph.EdgeRequiresApproval, plan.ID, gate.ID); err != nil {
				return err
			}
			t.sess.GateID = gate.ID
			ev := bus.GateEvent{SessionID: t.sess.ID, GateID: gate.ID, PlanID: plan.ID, Status: GatePending}
			g.OnCommit(func() { e.bus.Publish(bus.TopicGateRequested, ev) })
			return t.advance(StageApprove)
		})
	})
}

func (t *txn) addSubtask(ctx context.Context, g *graph.Group, parent graph.Node, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	meta, err := graph.EncodeMeta(graph.TaskMeta{SessionID: t.sess.ID})
	if err != nil {
		return err
	}
	sub, err := g.CreateNode(ctx, graph.NewNode{
		Type:        graph.NodeTask,
		SchemaLayer: parent.SchemaLayer,
		Title:       title,
		Status:      TaskDraft,
		Metadata:    meta,
		CreatedBy:   t.actor(),
		Source:      "workflow",
		SourceRef:   t.sess.ID,
	})
	if err != nil {
		return err
	}
	t.node(sub)
	_, err = t.link(ctx, g, graph.EdgeDependsOn, parent.ID, sub.ID)
	return err
}

type ApproveInput struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
	Approver string `json:"approver"`
}

// Approve resolves the pending gate. Rejection needs a reason and sends the
// session back to plan; the rejected gate stays in the graph.
func (e *Engine) Approve(ctx context.Context, id string, in ApproveInput) (*Result, error) {
	return e.transition(ctx, id, "approve", func(ctx context.Context, t *txn) error {
		if err := t.expect(StageApprove); err != nil {
			return err
		}
		reason := strings.TrimSpace(in.Reason)
		if !in.Approved && reason == "" {
			return validation("a reason is required to reject a plan")
		}
		approver := strings.TrimSpace(in.Approver)
		if approver == "" {
			approver = t.actor()
		}
		gateStatus, planStatus, next := GateApproved, PlanApproved, StageExecute
		if !in.Approved {
			gateStatus, planStatus, next = GateRejected, PlanRejected, StagePlan
		}
		changeReason := reason
		if changeReason == "" {
			changeReason = "approved"
		}

		return t.commit(ctx, func(g *graph.Group) error {
			gate, err := g.GetNode(ctx, t.sess.GateID, false)
			if err != nil {
				return fmt.Errorf("load gate: %w", err)
			}
			if gate.Status != GatePending {
				return invalidTransition("gate %s is already %s", gate.ID, gate.Status)
			}
			decided := g.Now()
			updated, err := g.UpdateNode(ctx, gate.ID, gate.Version, graph.NodePatch{
				Status: &gateStatus,
				MergeMetadata: graph.Metadata{
					"approver":   approver,
					"reason":     reason,
					"decided_at": decided,
				},
			}, approver, changeReason)
			if err != nil {
				return err
			}
			t.node(updated)
			if _, err := t.setStatus(ctx, g, t.sess.PlanID, planStatus, changeReason); err != nil {
				return err
			}
			t.sess.addMessage(RoleUser, fmt.Sprintf("gate %s by %s: %s", gateStatus, approver, changeReason), e.clock())

			ev := bus.GateEvent{
				SessionID: t.sess.ID,
				GateID:    gate.ID,
				PlanID:    t.sess.PlanID,
				Status:    gateStatus,
				Reason:    reason,
				Approver:  approver,
			}
			decision := "allow"
			if !in.Approved {
				decision = "deny"
			}
			g.OnCommit(func() {
				e.bus.Publish(bus.TopicGateResolved, ev)
				audit.Record(ctx, decision, "workflow.gate", changeReason, gate.ID)
			})
			return t.advance(next)
		})
	})
}
