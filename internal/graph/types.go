package graph

import (
	"encoding/json"
	"time"

	"github.com/basket/taskgraph/internal/shared"
)

// SystemActor may change entities without giving a reason.
const SystemActor = shared.SystemActor

// DefaultSchemaLayer is used when a node or edge is created without one.
const DefaultSchemaLayer = "core"

// DefaultSource is the provenance source assumed for records entered by hand.
const DefaultSource = "ui"

type NodeType string

const (
	NodeTask         NodeType = "task"
	NodePlan         NodeType = "plan"
	NodeGate         NodeType = "gate"
	NodeRun          NodeType = "run"
	NodePrecedent    NodeType = "precedent"
	NodeVerification NodeType = "verification"
	NodeUser         NodeType = "user"
	NodeRequirement  NodeType = "requirement"
	NodeTest         NodeType = "test"
	NodeComponent    NodeType = "component"
	NodeIssue        NodeType = "issue"
	NodePart         NodeType = "part"
	NodeECN          NodeType = "ecn"
	NodeNote         NodeType = "note"
)

var validNodeTypes = map[NodeType]bool{
	NodeTask: true, NodePlan: true, NodeGate: true, NodeRun: true,
	NodePrecedent: true, NodeVerification: true, NodeUser: true,
	NodeRequirement: true, NodeTest: true, NodeComponent: true,
	NodeIssue: true, NodePart: true, NodeECN: true, NodeNote: true,
}

// defaultStatus is the status a node starts in when the caller gives none.
var defaultStatus = map[NodeType]string{
	NodeTask:         "draft",
	NodePlan:         "proposed",
	NodeGate:         "pending_approval",
	NodeRun:          "running",
	NodeVerification: "recorded",
}

// Valid reports whether t is in the closed node type set.
func (t NodeType) Valid() bool { return validNodeTypes[t] }

type EdgeType string

const (
	EdgeTracesTo         EdgeType = "traces_to"
	EdgeDependsOn        EdgeType = "depends_on"
	EdgeProduces         EdgeType = "produces"
	EdgeBlocks           EdgeType = "blocks"
	EdgeAssignedTo       EdgeType = "assigned_to"
	EdgeRequiresApproval EdgeType = "requires_approval"
	EdgeInforms          EdgeType = "informs"
	EdgeVerifies         EdgeType = "verifies"
	EdgeImplements       EdgeType = "implements"
	EdgeTests            EdgeType = "tests"
)

var validEdgeTypes = map[EdgeType]bool{
	EdgeTracesTo: true, EdgeDependsOn: true, EdgeProduces: true,
	EdgeBlocks: true, EdgeAssignedTo: true, EdgeRequiresApproval: true,
	EdgeInforms: true, EdgeVerifies: true, EdgeImplements: true, EdgeTests: true,
}

func (t EdgeType) Valid() bool { return validEdgeTypes[t] }

// Directionality of an edge. Older data carried a separate bidirectional
// flag; it is derived from this value now.
type Directionality string

const (
	Directed      Directionality = "directed"
	Bidirectional Directionality = "bidirectional"
)

func (d Directionality) Valid() bool { return d == Directed || d == Bidirectional }

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// EntityKind distinguishes the two history ledgers.
type EntityKind string

const (
	KindNode EntityKind = "node"
	KindEdge EntityKind = "edge"
)

// View is the read-side variant of a stored entity.
type View string

const (
	ViewActive  View = "active"
	ViewDeleted View = "deleted"
)

// Visibility selects which views a listing returns.
type Visibility int

const (
	ActiveOnly Visibility = iota
	IncludeDeleted
	DeletedOnly
)

// Direction selects edges relative to a node.
type Direction string

const (
	Outgoing Direction = "out"
	Incoming Direction = "in"
	Both     Direction = "both"
)

func (d Direction) Valid() bool { return d == Outgoing || d == Incoming || d == Both }

// Metadata is a free-form JSON document. Per-type known keys are validated;
// anything else passes through.
type Metadata map[string]any

// Provenance describes where a record came from and how far to trust it.
type Provenance struct {
	Source     string     `json:"source"`
	SourceRef  string     `json:"source_ref,omitempty"`
	AsOf       *time.Time `json:"as_of,omitempty"`
	Confidence float64    `json:"confidence"`
}

type Node struct {
	ID          string     `json:"id"`
	Type        NodeType   `json:"type"`
	SchemaLayer string     `json:"schema_layer"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Metadata    Metadata   `json:"metadata"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	Version     int        `json:"version"`
	Provenance
}

// View reports whether the node is active or soft-deleted.
func (n Node) View() View {
	if n.DeletedAt != nil {
		return ViewDeleted
	}
	return ViewActive
}

type Edge struct {
	ID             string         `json:"id"`
	EdgeType       EdgeType       `json:"edge_type"`
	SourceNodeID   string         `json:"source_node_id"`
	TargetNodeID   string         `json:"target_node_id"`
	SchemaLayer    string         `json:"schema_layer"`
	Weight         float64        `json:"weight"`
	WeightMetadata Metadata       `json:"weight_metadata"`
	Directionality Directionality `json:"directionality"`
	Metadata       Metadata       `json:"metadata"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	Version        int            `json:"version"`
	Provenance
}

func (e Edge) View() View {
	if e.DeletedAt != nil {
		return ViewDeleted
	}
	return ViewActive
}

// Bidirectional is derived from Directionality.
func (e Edge) Bidirectional() bool { return e.Directionality == Bidirectional }

// Other returns the endpoint of e that is not nodeID.
func (e Edge) Other(nodeID string) string {
	if e.SourceNodeID == nodeID {
		return e.TargetNodeID
	}
	return e.SourceNodeID
}

// NewNode is the input to CreateNode. Zero values take defaults: a fresh
// uuid, the core schema layer, the per-type initial status, source "ui" and
// confidence 1.0.
type NewNode struct {
	ID          string
	Type        NodeType
	SchemaLayer string
	Title       string
	Description string
	Status      string
	Metadata    Metadata
	CreatedBy   string
	Reason      string
	Source      string
	SourceRef   string
	AsOf        *time.Time
	Confidence  *float64
}

// NodePatch lists the mutable node fields. Nil fields are left alone.
// Metadata replaces the whole document; MergeMetadata sets individual keys
// and deletes keys mapped to nil.
type NodePatch struct {
	Title         *string
	Description   *string
	Status        *string
	Metadata      Metadata
	MergeMetadata Metadata
	Source        *string
	SourceRef     *string
	AsOf          *time.Time
	Confidence    *float64
}

func (p NodePatch) empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Metadata == nil && p.MergeMetadata == nil && p.Source == nil &&
		p.SourceRef == nil && p.AsOf == nil && p.Confidence == nil
}

type NewEdge struct {
	ID             string
	EdgeType       EdgeType
	SourceNodeID   string
	TargetNodeID   string
	SchemaLayer    string
	Weight         *float64
	WeightMetadata Metadata
	Directionality Directionality
	Metadata       Metadata
	CreatedBy      string
	Reason         string
	Source         string
	SourceRef      string
	AsOf           *time.Time
	Confidence     *float64
}

// EdgePatch lists the mutable edge fields. Endpoints and type are fixed.
type EdgePatch struct {
	Weight         *float64
	WeightMetadata Metadata
	Metadata       Metadata
	Source         *string
	SourceRef      *string
	AsOf           *time.Time
	Confidence     *float64
}

func (p EdgePatch) empty() bool {
	return p.Weight == nil && p.WeightMetadata == nil && p.Metadata == nil &&
		p.Source == nil && p.SourceRef == nil && p.AsOf == nil && p.Confidence == nil
}

// EdgeFilter narrows ListEdges. A zero MinWeight disables the weight filter.
type EdgeFilter struct {
	Direction      Direction
	EdgeType       EdgeType
	MinWeight      float64
	IncludeDeleted bool
}

// NodeQuery is a paginated listing request.
type NodeQuery struct {
	Type        NodeType
	Status      string
	SchemaLayer string
	Visibility  Visibility
	Limit       int
	Offset      int
}

// HistoryRecord is one immutable ledger row. Version is the entity version
// after the change; BeforeState is null for creates.
type HistoryRecord struct {
	ID           int64           `json:"id"`
	EntityKind   EntityKind      `json:"entity_kind"`
	EntityID     string          `json:"entity_id"`
	Version      int             `json:"version"`
	Operation    Operation       `json:"operation"`
	ChangedBy    string          `json:"changed_by"`
	ChangedAt    time.Time       `json:"changed_at"`
	ChangeReason string          `json:"change_reason"`
	BeforeState  json.RawMessage `json:"before_state"`
	AfterState   json.RawMessage `json:"after_state"`
}

// AfterNode decodes AfterState of a node ledger record.
func (r HistoryRecord) AfterNode() (Node, error) {
	var n Node
	err := json.Unmarshal(r.AfterState, &n)
	return n, err
}

// BeforeNode decodes BeforeState; nil for creates.
func (r HistoryRecord) BeforeNode() (*Node, error) {
	if len(r.BeforeState) == 0 || string(r.BeforeState) == "null" {
		return nil, nil
	}
	var n Node
	if err := json.Unmarshal(r.BeforeState, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// AfterEdge decodes AfterState of an edge ledger record.
func (r HistoryRecord) AfterEdge() (Edge, error) {
	var e Edge
	err := json.Unmarshal(r.AfterState, &e)
	return e, err
}
