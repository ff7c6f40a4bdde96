package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PlanStep is one ordered step of a plan or plan template.
type PlanStep struct {
	Order           int    `json:"order"`
	Action          string `json:"action"`
	Tool            string `json:"tool,omitempty"`
	ExpectedOutcome string `json:"expected_outcome,omitempty"`
}

type ClarificationTurn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type TaskMeta struct {
	Priority           string              `json:"priority,omitempty"`
	EstimatedHours     float64             `json:"estimated_hours,omitempty"`
	AcceptanceCriteria []string            `json:"acceptance_criteria,omitempty"`
	Clarifications     []ClarificationTurn `json:"clarifications,omitempty"`
	SeedTemplate       []PlanStep          `json:"seed_template,omitempty"`
	SessionID          string              `json:"session_id,omitempty"`
}

type PlanMeta struct {
	Steps        []PlanStep `json:"steps"`
	Revision     int        `json:"revision"`
	Rationale    string     `json:"rationale,omitempty"`
	RequiresGate bool       `json:"requires_gate"`
}

type GateMeta struct {
	GateType  string     `json:"gate_type"`
	PlanID    string     `json:"plan_id"`
	Approver  string     `json:"approver,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// Step statuses inside a run.
const (
	StepPending   = "pending"
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

type StepAttempt struct {
	Tool       string    `json:"tool,omitempty"`
	Output     string    `json:"output,omitempty"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

type RunStep struct {
	Order       int           `json:"order"`
	Description string        `json:"description"`
	Status      string        `json:"status"`
	Attempts    []StepAttempt `json:"attempts,omitempty"`
}

type RunMeta struct {
	PlanID        string     `json:"plan_id"`
	Steps         []RunStep  `json:"steps"`
	PendingStep   int        `json:"pending_step,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	AbandonReason string     `json:"abandon_reason,omitempty"`
}

// Outcome statuses.
const (
	OutcomePassed      = "passed"
	OutcomeFailed      = "failed"
	OutcomeNeedsReview = "needs_review"
)

type Outcome struct {
	Criterion string `json:"criterion"`
	Status    string `json:"status"`
	Evidence  string `json:"evidence,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type VerificationMeta struct {
	Deliverables []string  `json:"deliverables"`
	Outcomes     []Outcome `json:"outcomes"`
	AllPassed    bool      `json:"all_passed"`
}

type PrecedentMeta struct {
	TaskPattern        string     `json:"task_pattern"`
	SuccessCount       int        `json:"success_count"`
	FailureCount       int        `json:"failure_count"`
	AvgCompletionHours float64    `json:"avg_completion_hours"`
	RequiredTools      []string   `json:"required_tools,omitempty"`
	PlanTemplate       []PlanStep `json:"plan_template,omitempty"`
}

// SuccessRatio is success/(success+failure), zero when nothing was recorded.
func (m PrecedentMeta) SuccessRatio() float64 {
	total := m.SuccessCount + m.FailureCount
	if total == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(total)
}

// EncodeMeta converts a typed metadata struct into a stored document.
func EncodeMeta(v any) (Metadata, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return m, nil
}

// DecodeMeta reads the typed metadata of n. Unknown keys are ignored.
func DecodeMeta[T any](n Node) (T, error) {
	var out T
	if len(n.Metadata) == 0 {
		return out, nil
	}
	b, err := json.Marshal(n.Metadata)
	if err != nil {
		return out, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode %s metadata: %w", n.Type, err)
	}
	return out, nil
}

// normalizeMetadata round-trips m through JSON so stored and in-memory
// values agree (numbers become float64, nested structs become maps).
func normalizeMetadata(m Metadata) (Metadata, error) {
	if m == nil {
		return Metadata{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := Metadata{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mergeMetadata(base, patch Metadata) Metadata {
	out := make(Metadata, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

const planStepSchema = `{
	"type": "object",
	"required": ["order", "action"],
	"properties": {
		"order": {"type": "integer", "minimum": 1},
		"action": {"type": "string", "minLength": 1},
		"tool": {"type": "string"},
		"expected_outcome": {"type": "string"}
	}
}`

// metadataSchemas constrain the engine-owned keys of each node type.
// Unknown keys are always allowed.
var metadataSchemas = map[NodeType]string{
	NodeTask: `{
		"type": "object",
		"additionalProperties": true,
		"properties": {
			"priority": {"enum": ["low", "medium", "high", "critical"]},
			"estimated_hours": {"type": "number", "minimum": 0},
			"acceptance_criteria": {"type": "array", "items": {"type": "string"}},
			"clarifications": {"type": "array", "items": {"type": "object"}},
			"seed_template": {"type": "array", "items": ` + planStepSchema + `}
		}
	}`,
	NodePlan: `{
		"type": "object",
		"additionalProperties": true,
		"properties": {
			"steps": {"type": "array", "minItems": 1, "items": ` + planStepSchema + `},
			"revision": {"type": "integer", "minimum": 1},
			"requires_gate": {"type": "boolean"}
		}
	}`,
	NodeGate: `{
		"type": "object",
		"additionalProperties": true,
		"properties": {
			"gate_type": {"type": "string"},
			"plan_id": {"type": "string"}
		}
	}`,
	NodeRun: `{
		"type": "object",
		"additionalProperties": true,
		"properties": {
			"steps": {"type": "array", "items": {
				"type": "object",
				"required": ["order", "status"],
				"properties": {
					"order": {"type": "integer", "minimum": 1},
					"status": {"enum": ["pending", "succeeded", "failed", "skipped"]}
				}
			}}
		}
	}`,
	NodeVerification: `{
		"type": "object",
		"additionalProperties": true,
		"properties": {
			"deliverables": {"type": "array", "items": {"type": "string"}},
			"outcomes": {"type": "array", "items": {
				"type": "object",
				"required": ["criterion", "status"],
				"properties": {
					"criterion": {"type": "string", "minLength": 1},
					"status": {"enum": ["passed", "failed", "needs_review"]},
					"evidence": {"type": "string"}
				}
			}}
		}
	}`,
	NodePrecedent: `{
		"type": "object",
		"additionalProperties": true,
		"properties": {
			"task_pattern": {"type": "string"},
			"success_count": {"type": "integer", "minimum": 0},
			"failure_count": {"type": "integer", "minimum": 0},
			"avg_completion_hours": {"type": "number", "minimum": 0},
			"required_tools": {"type": "array", "items": {"type": "string"}},
			"plan_template": {"type": "array", "items": ` + planStepSchema + `}
		}
	}`,
}

var (
	compileOnce     sync.Once
	compiledSchemas map[NodeType]*jsonschema.Schema
	compileErr      error
)

func compileSchemas() (map[NodeType]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchemas = make(map[NodeType]*jsonschema.Schema, len(metadataSchemas))
		for typ, src := range metadataSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				compileErr = fmt.Errorf("parse %s metadata schema: %w", typ, err)
				return
			}
			name := string(typ) + ".json"
			c := jsonschema.NewCompiler()
			if err := c.AddResource(name, doc); err != nil {
				compileErr = fmt.Errorf("add %s metadata schema: %w", typ, err)
				return
			}
			schema, err := c.Compile(name)
			if err != nil {
				compileErr = fmt.Errorf("compile %s metadata schema: %w", typ, err)
				return
			}
			compiledSchemas[typ] = schema
		}
	})
	return compiledSchemas, compileErr
}

// ValidateMetadata checks the known keys of m against the schema for typ.
// Types without a schema accept any document.
func ValidateMetadata(typ NodeType, m Metadata) error {
	schemas, err := compileSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[typ]
	if !ok {
		return nil
	}
	if m == nil {
		m = Metadata{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
