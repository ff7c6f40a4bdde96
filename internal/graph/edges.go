package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskgraph/internal/bus"
	"github.com/google/uuid"
)

const edgeColumns = `id, edge_type, source_node_id, target_node_id, schema_layer,
	weight, weight_metadata, directionality, metadata,
	created_by, created_at, updated_at, deleted_at, version,
	source, source_ref, as_of, confidence`

func scanEdge(sc rowScanner) (Edge, error) {
	var (
		e                    Edge
		typ, dir             string
		weightMeta, meta     string
		createdAt, updatedAt string
		deletedAt, asOf      sql.NullString
	)
	if err := sc.Scan(&e.ID, &typ, &e.SourceNodeID, &e.TargetNodeID, &e.SchemaLayer,
		&e.Weight, &weightMeta, &dir, &meta,
		&e.CreatedBy, &createdAt, &updatedAt, &deletedAt, &e.Version,
		&e.Source, &e.SourceRef, &asOf, &e.Confidence); err != nil {
		return Edge{}, err
	}
	e.EdgeType = EdgeType(typ)
	e.Directionality = Directionality(dir)
	e.WeightMetadata = Metadata{}
	if err := json.Unmarshal([]byte(weightMeta), &e.WeightMetadata); err != nil {
		return Edge{}, fmt.Errorf("decode edge %s weight metadata: %w", e.ID, err)
	}
	e.Metadata = Metadata{}
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return Edge{}, fmt.Errorf("decode edge %s metadata: %w", e.ID, err)
	}
	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return Edge{}, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Edge{}, err
	}
	if e.DeletedAt, err = parseNullableTime(deletedAt); err != nil {
		return Edge{}, err
	}
	if e.AsOf, err = parseNullableTime(asOf); err != nil {
		return Edge{}, err
	}
	return e, nil
}

func loadEdge(ctx context.Context, q querier, id string) (Edge, error) {
	row := q.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM edges WHERE id = ?;`, id)
	return scanEdge(row)
}

func getEdge(ctx context.Context, q querier, id string, includeDeleted bool) (Edge, error) {
	e, err := loadEdge(ctx, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Edge{}, notFoundError("get edge", id, KindEdge)
	}
	if err != nil {
		return Edge{}, fmt.Errorf("get edge: %w", err)
	}
	if e.DeletedAt != nil && !includeDeleted {
		return Edge{}, notFoundError("get edge", id, KindEdge)
	}
	return e, nil
}

func edgeEvent(e Edge, op Operation, by string) bus.EntityChanged {
	return bus.EntityChanged{
		EntityKind: string(KindEdge),
		EntityID:   e.ID,
		EntityType: string(e.EdgeType),
		Operation:  string(op),
		Version:    e.Version,
		ChangedBy:  by,
	}
}

// CreateEdge links two active nodes.
func (g *Group) CreateEdge(ctx context.Context, in NewEdge) (Edge, error) {
	const op = "create edge"
	if !in.EdgeType.Valid() {
		return Edge{}, validationError(op, in.ID, "unknown edge type %q", in.EdgeType)
	}
	if in.SourceNodeID == "" || in.TargetNodeID == "" {
		return Edge{}, validationError(op, in.ID, "source and target are required")
	}
	if in.SourceNodeID == in.TargetNodeID {
		return Edge{}, validationError(op, in.ID, "self-loops are not allowed")
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return Edge{}, validationError(op, in.ID, "created_by is required")
	}
	e := Edge{
		ID:             in.ID,
		EdgeType:       in.EdgeType,
		SourceNodeID:   in.SourceNodeID,
		TargetNodeID:   in.TargetNodeID,
		SchemaLayer:    in.SchemaLayer,
		Weight:         1.0,
		Directionality: in.Directionality,
		CreatedBy:      in.CreatedBy,
		Version:        1,
		Provenance: Provenance{
			Source:     in.Source,
			SourceRef:  in.SourceRef,
			AsOf:       utcPtr(in.AsOf),
			Confidence: 1.0,
		},
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SchemaLayer == "" {
		e.SchemaLayer = DefaultSchemaLayer
	}
	if e.Directionality == "" {
		e.Directionality = Directed
	}
	if !e.Directionality.Valid() {
		return Edge{}, validationError(op, e.ID, "unknown directionality %q", e.Directionality)
	}
	if in.Weight != nil {
		e.Weight = *in.Weight
	}
	if e.Weight < 0 {
		return Edge{}, validationError(op, e.ID, "weight %v is negative", e.Weight)
	}
	if e.Source == "" {
		e.Source = DefaultSource
	}
	if in.Confidence != nil {
		e.Confidence = *in.Confidence
	}
	if err := checkConfidence(op, e.ID, e.Confidence); err != nil {
		return Edge{}, err
	}
	var err error
	if e.WeightMetadata, err = normalizeMetadata(in.WeightMetadata); err != nil {
		return Edge{}, validationError(op, e.ID, "weight metadata is not a JSON document: %v", err)
	}
	if e.Metadata, err = normalizeMetadata(in.Metadata); err != nil {
		return Edge{}, validationError(op, e.ID, "metadata is not a JSON document: %v", err)
	}

	for _, end := range []struct{ id, role string }{{e.SourceNodeID, "source"}, {e.TargetNodeID, "target"}} {
		if _, err := g.GetNode(ctx, end.id, false); err != nil {
			if IsNotFound(err) {
				return Edge{}, danglingError(op, end.id, end.role)
			}
			return Edge{}, err
		}
	}
	if _, err := loadEdge(ctx, g.tx, e.ID); err == nil {
		return Edge{}, validationError(op, e.ID, "edge already exists")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Edge{}, fmt.Errorf("create edge: %w", err)
	}

	now := g.s.now()
	e.CreatedAt, e.UpdatedAt = now, now
	weightMeta, _ := json.Marshal(e.WeightMetadata)
	meta, _ := json.Marshal(e.Metadata)
	if _, err := g.tx.ExecContext(ctx, `
		INSERT INTO edges (`+edgeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 1, ?, ?, ?, ?);
	`, e.ID, string(e.EdgeType), e.SourceNodeID, e.TargetNodeID, e.SchemaLayer,
		e.Weight, string(weightMeta), string(e.Directionality), string(meta),
		e.CreatedBy, formatTime(now), formatTime(now),
		e.Source, e.SourceRef, nullableTime(e.AsOf), e.Confidence); err != nil {
		return Edge{}, fmt.Errorf("insert edge: %w", err)
	}
	if err := g.appendHistory(ctx, KindEdge, e.ID, string(e.EdgeType), e.Source, 1, OpCreate, e.CreatedBy, in.Reason, nil, e, now); err != nil {
		return Edge{}, err
	}
	g.publish(bus.TopicEdgeCreated, edgeEvent(e, OpCreate, e.CreatedBy))
	return e, nil
}

func (g *Group) GetEdge(ctx context.Context, id string, includeDeleted bool) (Edge, error) {
	return getEdge(ctx, g.tx, id, includeDeleted)
}

func (g *Group) writeEdge(ctx context.Context, op string, prev, next Edge) error {
	weightMeta, err := json.Marshal(next.WeightMetadata)
	if err != nil {
		return fmt.Errorf("encode weight metadata: %w", err)
	}
	meta, err := json.Marshal(next.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := g.tx.ExecContext(ctx, `
		UPDATE edges SET weight = ?, weight_metadata = ?, metadata = ?,
			updated_at = ?, deleted_at = ?, version = ?,
			source = ?, source_ref = ?, as_of = ?, confidence = ?
		WHERE id = ? AND version = ?;
	`, next.Weight, string(weightMeta), string(meta),
		formatTime(next.UpdatedAt), nullableTime(next.DeletedAt), next.Version,
		next.Source, next.SourceRef, nullableTime(next.AsOf), next.Confidence,
		prev.ID, prev.Version)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		actual := prev.Version
		if cur, err := loadEdge(ctx, g.tx, prev.ID); err == nil {
			actual = cur.Version
		}
		g.s.inst.RecordConflict(ctx, string(KindEdge))
		return conflictError(op, prev.ID, prev.Version, actual)
	}
	return nil
}

// UpdateEdge patches weight, metadata and provenance. Endpoints, type and
// directionality never change.
func (g *Group) UpdateEdge(ctx context.Context, id string, expectedVersion int, patch EdgePatch, changedBy, reason string) (Edge, error) {
	const op = "update edge"
	if patch.empty() {
		return Edge{}, validationError(op, id, "patch changes nothing")
	}
	cur, err := g.GetEdge(ctx, id, false)
	if err != nil {
		return Edge{}, err
	}
	if err := g.checkMutable(ctx, op, KindEdge, id, cur.Version, expectedVersion, changedBy, reason); err != nil {
		return Edge{}, err
	}
	next := cur
	if patch.Weight != nil {
		if *patch.Weight < 0 {
			return Edge{}, validationError(op, id, "weight %v is negative", *patch.Weight)
		}
		next.Weight = *patch.Weight
	}
	if patch.WeightMetadata != nil {
		if next.WeightMetadata, err = normalizeMetadata(patch.WeightMetadata); err != nil {
			return Edge{}, validationError(op, id, "weight metadata is not a JSON document: %v", err)
		}
	}
	if patch.Metadata != nil {
		if next.Metadata, err = normalizeMetadata(patch.Metadata); err != nil {
			return Edge{}, validationError(op, id, "metadata is not a JSON document: %v", err)
		}
	}
	if patch.Source != nil {
		next.Source = *patch.Source
	}
	if patch.SourceRef != nil {
		next.SourceRef = *patch.SourceRef
	}
	if patch.AsOf != nil {
		next.AsOf = utcPtr(patch.AsOf)
	}
	if patch.Confidence != nil {
		if err := checkConfidence(op, id, *patch.Confidence); err != nil {
			return Edge{}, err
		}
		next.Confidence = *patch.Confidence
	}

	now := g.s.now()
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if err := g.writeEdge(ctx, op, cur, next); err != nil {
		return Edge{}, err
	}
	if err := g.appendHistory(ctx, KindEdge, id, string(next.EdgeType), next.Source, next.Version, OpUpdate, changedBy, reason, cur, next, now); err != nil {
		return Edge{}, err
	}
	g.publish(bus.TopicEdgeUpdated, edgeEvent(next, OpUpdate, changedBy))
	return next, nil
}

func (g *Group) SoftDeleteEdge(ctx context.Context, id string, expectedVersion int, changedBy, reason string) (Edge, error) {
	const op = "delete edge"
	cur, err := g.GetEdge(ctx, id, false)
	if err != nil {
		return Edge{}, err
	}
	if err := g.checkMutable(ctx, op, KindEdge, id, cur.Version, expectedVersion, changedBy, reason); err != nil {
		return Edge{}, err
	}
	now := g.s.now()
	next := cur
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	next.DeletedAt = &now
	if err := g.writeEdge(ctx, op, cur, next); err != nil {
		return Edge{}, err
	}
	if err := g.appendHistory(ctx, KindEdge, id, string(next.EdgeType), next.Source, next.Version, OpDelete, changedBy, reason, cur, next, now); err != nil {
		return Edge{}, err
	}
	g.publish(bus.TopicEdgeDeleted, edgeEvent(next, OpDelete, changedBy))
	return next, nil
}

// ListEdges returns the one-hop edges of nodeID.
func (g *Group) ListEdges(ctx context.Context, nodeID string, f EdgeFilter) ([]Edge, error) {
	if _, err := g.GetNode(ctx, nodeID, true); err != nil {
		return nil, err
	}
	return g.listEdges(ctx, nodeID, f)
}

func (g *Group) listEdges(ctx context.Context, nodeID string, f EdgeFilter) ([]Edge, error) {
	return listEdges(ctx, g.tx, nodeID, f)
}

func listEdges(ctx context.Context, q querier, nodeID string, f EdgeFilter) ([]Edge, error) {
	if f.Direction == "" {
		f.Direction = Both
	}
	if !f.Direction.Valid() {
		return nil, validationError("list edges", nodeID, "unknown direction %q", f.Direction)
	}
	if f.EdgeType != "" && !f.EdgeType.Valid() {
		return nil, validationError("list edges", nodeID, "unknown edge type %q", f.EdgeType)
	}

	var (
		where []string
		args  []any
	)
	// A bidirectional edge is reachable from either endpoint.
	switch f.Direction {
	case Outgoing:
		where = append(where, `(source_node_id = ? OR (directionality = 'bidirectional' AND target_node_id = ?))`)
	case Incoming:
		where = append(where, `(target_node_id = ? OR (directionality = 'bidirectional' AND source_node_id = ?))`)
	case Both:
		where = append(where, `(source_node_id = ? OR target_node_id = ?)`)
	}
	args = append(args, nodeID, nodeID)
	if f.EdgeType != "" {
		where = append(where, "edge_type = ?")
		args = append(args, string(f.EdgeType))
	}
	if f.MinWeight > 0 {
		where = append(where, "weight >= ?")
		args = append(args, f.MinWeight)
	}
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}

	rows, err := q.QueryContext(ctx, `SELECT `+edgeColumns+` FROM edges WHERE `+strings.Join(where, " AND ")+`
		ORDER BY weight DESC, created_at ASC, rowid ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateEdge(ctx context.Context, in NewEdge) (Edge, error) {
	start := time.Now()
	var out Edge
	err := s.WriteGroup(ctx, func(g *Group) error {
		var err error
		out, err = g.CreateEdge(ctx, in)
		return err
	})
	s.observe(ctx, "create_edge", start, err)
	return out, err
}

func (s *Store) UpdateEdge(ctx context.Context, id string, expectedVersion int, patch EdgePatch, changedBy, reason string) (Edge, error) {
	start := time.Now()
	var out Edge
	err := s.WriteGroup(ctx, func(g *Group) error {
		var err error
		out, err = g.UpdateEdge(ctx, id, expectedVersion, patch, changedBy, reason)
		return err
	})
	s.observe(ctx, "update_edge", start, err)
	return out, err
}

func (s *Store) SoftDeleteEdge(ctx context.Context, id string, expectedVersion int, changedBy, reason string) (Edge, error) {
	start := time.Now()
	var out Edge
	err := s.WriteGroup(ctx, func(g *Group) error {
		var err error
		out, err = g.SoftDeleteEdge(ctx, id, expectedVersion, changedBy, reason)
		return err
	})
	s.observe(ctx, "delete_edge", start, err)
	return out, err
}

func (s *Store) GetEdge(ctx context.Context, id string, includeDeleted bool) (Edge, error) {
	return getEdge(ctx, s.db, id, includeDeleted)
}

// ListEdges returns the one-hop edges of nodeID ordered by weight
// descending, then creation order. NotFound when the node never existed.
func (s *Store) ListEdges(ctx context.Context, nodeID string, f EdgeFilter) ([]Edge, error) {
	start := time.Now()
	if _, err := getNode(ctx, s.db, nodeID, true); err != nil {
		return nil, err
	}
	out, err := listEdges(ctx, s.db, nodeID, f)
	s.observe(ctx, "list_edges", start, err)
	return out, err
}
