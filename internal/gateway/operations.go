package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/basket/taskgraph/internal/workflow"
)

// operation runs one engine call against a session. The same table backs
// POST /api/sessions/{id}/{operation} and the session.<operation> RPC
// methods.
type operation func(ctx context.Context, e *workflow.Engine, id string, params json.RawMessage) (*workflow.Result, error)

// stepParams is the wire form of a step report. Durations travel as
// milliseconds.
type stepParams struct {
	StepOrder  int    `json:"step_order"`
	Tool       string `json:"tool"`
	Output     string `json:"output"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
}

var operations = map[string]operation{
	"start": func(ctx context.Context, e *workflow.Engine, id string, raw json.RawMessage) (*workflow.Result, error) {
		var in workflow.StartInput
		if err := decodeParams(raw, &in); err != nil {
			return nil, err
		}
		return e.Start(ctx, id, in)
	},
	"lookup_precedents": func(ctx context.Context, e *workflow.Engine, id string, raw json.RawMessage) (*workflow.Result, error) {
		var p struct {
			Limit int `json:"limit"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return e.LookupPrecedents(ctx, id, p.Limit)
	},
	"select_precedent": func(ctx context.Context, e *workflow.Engine, id string, raw json.RawMessage) (*workflow.Result, error) {
		var p struct {
			PrecedentID string `json:"precedent_id"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.PrecedentID == "" {
			return nil, badParam("precedent_id is required")
		}
		return e.SelectPrecedent(ctx, id, p.PrecedentID)
	},
	"skip_precedents": func(ctx context.Context, e *workflow.Engine, id string, _ json.RawMessage) (*workflow.Result, error) {
		return e.SkipPrecedents(ctx, id)
	},
	"clarify": func(ctx context.Context, e *workflow.Engine, id string, raw json.RawMessage) (*workflow.Result, error) {
		var p struct {
			Message string `json:"message"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return e.Clarify(ctx, id, p.Message)
	},
	"proceed_to_plan": func(ctx context.Context, e *workflow.Engine, id string, _ json.RawMessage) (*workflow.Result, error) {
		return e.ProceedToPlan(ctx, id)
	},
	"plan": func(ctx context.Context, e *workflow.Engine, id string, raw json.RawMessage) (*workflow.Result, error) {
		var in workflow.PlanInput
		if err := decodeParams(raw, &in); err != nil {
			return nil, err
		}
		return e.Plan(ctx, id, in)
	},
	"approve": func(ctx context.Context, e *workflow.Engine, id string, raw json.RawMessage) (*workflow.Result, error) {
		var in workflow.ApproveInput
		if err := decodeParams(raw, &in); err != nil {
			return nil, err
		}
		return e.Approve(ctx, id, in)
	},
	"begin_execution": func(ctx context.Context, e *workflow.Engine, id string, _ json.RawMessage) (*workflow.Result, error) {
		return e.BeginExecution(ctx, id)
	},
	"record_step": func(ctx context.Context, e *workflow.Engine, id string, raw json.RawMessage) (*workflow.Result, error) {
		var p stepParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.DurationMS < 0 {
			return nil, badParam("duration_ms must not be negative")
		}
		return e.RecordStep(ctx, id, workflow.StepResult{
			StepOrder: p.StepOrder,
			Tool:      p.Tool,
			Output:    p.Output,
			Success:   p.Success,
			Duration:  time.Duration(p.DurationMS) * time.Millisecond,
		})
	},
	"resolve_step": func(ctx context.Context, e *workflow.Engine, id string, raw json.RawMessage) (*workflow.Result, error) {
		var p struct {
			StepOrder  int                 `json:"step_order"`
			Resolution workflow.Resolution `json:"resolution"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Resolution != workflow.ResolveRetry && p.Resolution != workflow.ResolveSkip {
			return nil, badParam("resolution must be %q or %q", workflow.ResolveRetry, workflow.ResolveSkip)
		}
		return e.ResolveStep(ctx, id, p.StepOrder, p.Resolution)
	},
	"abandon_run": func(ctx context.Context, e *workflow.Engine, id string, raw json.RawMessage) (*workflow.Result, error) {
		var p struct {
			Reason string `json:"reason"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return e.AbandonRun(ctx, id, p.Reason)
	},
	"complete_execution": func(ctx context.Context, e *workflow.Engine, id string, _ json.RawMessage) (*workflow.Result, error) {
		return e.CompleteExecution(ctx, id)
	},
	"verify": func(ctx context.Context, e *workflow.Engine, id string, raw json.RawMessage) (*workflow.Result, error) {
		var in workflow.VerifyInput
		if err := decodeParams(raw, &in); err != nil {
			return nil, err
		}
		return e.Verify(ctx, id, in)
	},
	"learn": func(ctx context.Context, e *workflow.Engine, id string, _ json.RawMessage) (*workflow.Result, error) {
		return e.Learn(ctx, id)
	},
	"cancel": func(ctx context.Context, e *workflow.Engine, id string, raw json.RawMessage) (*workflow.Result, error) {
		var in workflow.CancelInput
		if err := decodeParams(raw, &in); err != nil {
			return nil, err
		}
		return e.Cancel(ctx, id, in)
	},
}

// OperationNames lists the session operations in a stable order.
func OperationNames() []string {
	names := make([]string, 0, len(operations))
	for n := range operations {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// decodeParams unmarshals raw into dst. Missing or null params leave dst
// at its zero value.
func decodeParams(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return badParam("invalid params: %v", err)
	}
	return nil
}
