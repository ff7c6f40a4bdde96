package bus

// Graph store topics. Published once per committed mutation.
const (
	TopicNodeCreated = "graph.node.created"
	TopicNodeUpdated = "graph.node.updated"
	TopicNodeDeleted = "graph.node.deleted"
	TopicEdgeCreated = "graph.edge.created"
	TopicEdgeUpdated = "graph.edge.updated"
	TopicEdgeDeleted = "graph.edge.deleted"

	TopicConsistencyViolation = "graph.consistency_violation"
)

// Workflow topics.
const (
	TopicSessionCreated   = "workflow.session.created"
	TopicSessionAdvanced  = "workflow.session.advanced"
	TopicSessionCancelled = "workflow.session.cancelled"
	TopicSessionExpired   = "workflow.session.expired"
	TopicGateRequested    = "workflow.gate.requested"
	TopicGateResolved     = "workflow.gate.resolved"
	TopicRunStepFailed    = "workflow.run.step_failed"
)

// EntityChanged is the payload of every graph.* mutation topic.
type EntityChanged struct {
	EntityKind string `json:"entity_kind"` // "node" or "edge"
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"` // node type or edge type
	Operation  string `json:"operation"`
	Version    int    `json:"version"`
	ChangedBy  string `json:"changed_by"`
	TraceID    string `json:"trace_id,omitempty"`
}

// SessionAdvanced is published after a workflow transition commits.
type SessionAdvanced struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Operation string `json:"operation"`
}

// GateEvent is published when a gate is created or resolved.
type GateEvent struct {
	SessionID string `json:"session_id"`
	GateID    string `json:"gate_id"`
	PlanID    string `json:"plan_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Approver  string `json:"approver,omitempty"`
}

// StepFailed is published when a run step fails and the run needs review.
type StepFailed struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	StepOrder int    `json:"step_order"`
	Output    string `json:"output,omitempty"`
}
