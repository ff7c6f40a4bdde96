package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/otel"
	"github.com/basket/taskgraph/internal/shared"
)

// DefaultGeneratorTimeout bounds each collaborator call.
const DefaultGeneratorTimeout = 30 * time.Second

// Clarification is the collaborator's answer to a clarify round.
type Clarification struct {
	Questions  []string `json:"questions"`
	Sufficient bool     `json:"sufficient"`
}

// TaskBrief is what the collaborator sees of a task when planning.
type TaskBrief struct {
	Title              string                    `json:"title"`
	Description        string                    `json:"description"`
	Priority           string                    `json:"priority"`
	EstimatedHours     float64                   `json:"estimated_hours"`
	AcceptanceCriteria []string                  `json:"acceptance_criteria,omitempty"`
	Clarifications     []graph.ClarificationTurn `json:"clarifications,omitempty"`
}

// PlanProposal is a generated plan. Subtasks become task nodes the parent
// task depends on.
type PlanProposal struct {
	Steps          []graph.PlanStep `json:"steps"`
	Rationale      string           `json:"rationale"`
	EstimatedHours float64          `json:"estimated_hours"`
	RequiresGate   bool             `json:"requires_gate"`
	Subtasks       []string         `json:"subtasks,omitempty"`
}

// Generator drafts clarifying questions and plans. Implementations may call
// remote services; the engine bounds every call.
type Generator interface {
	GenerateClarification(ctx context.Context, history []Message) (Clarification, error)
	GeneratePlan(ctx context.Context, task TaskBrief, template []graph.PlanStep) (PlanProposal, error)
}

// callGenerator runs fn under the generator timeout. A generator that
// ignores its context is abandoned when the deadline passes. Caller
// cancellation is returned as-is; every other failure is TransientUpstream.
func (e *Engine) callGenerator(ctx context.Context, call string, fn func(ctx context.Context) error) error {
	ctx, span := otel.StartClientSpan(ctx, e.tracer, "generator."+call, otel.AttrGeneratorCall.String(call))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, e.generatorTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("generator panic: %v", r)
			}
		}()
		done <- fn(cctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		err = cctx.Err()
	}
	e.inst.RecordGenerator(ctx, call, time.Since(start), err)
	if err == nil {
		return nil
	}
	span.RecordError(err)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return &Error{Kind: shared.KindCanceled, Reason: "request canceled while waiting for the generator", Err: ctxErr}
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return &Error{
			Kind:   shared.KindTransientUpstream,
			Reason: fmt.Sprintf("generator %s timed out after %s", call, e.generatorTimeout),
			Err:    err,
		}
	}
	return &Error{Kind: shared.KindTransientUpstream, Reason: "generator " + call + " failed", Err: err}
}
