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

const nodeColumns = `id, type, schema_layer, title, description, status, metadata,
	created_by, created_at, updated_at, deleted_at, version,
	source, source_ref, as_of, confidence`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(sc rowScanner) (Node, error) {
	var (
		n                    Node
		typ, meta            string
		createdAt, updatedAt string
		deletedAt, asOf      sql.NullString
	)
	if err := sc.Scan(&n.ID, &typ, &n.SchemaLayer, &n.Title, &n.Description, &n.Status, &meta,
		&n.CreatedBy, &createdAt, &updatedAt, &deletedAt, &n.Version,
		&n.Source, &n.SourceRef, &asOf, &n.Confidence); err != nil {
		return Node{}, err
	}
	n.Type = NodeType(typ)
	n.Metadata = Metadata{}
	if err := json.Unmarshal([]byte(meta), &n.Metadata); err != nil {
		return Node{}, fmt.Errorf("decode node %s metadata: %w", n.ID, err)
	}
	var err error
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return Node{}, err
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Node{}, err
	}
	if n.DeletedAt, err = parseNullableTime(deletedAt); err != nil {
		return Node{}, err
	}
	if n.AsOf, err = parseNullableTime(asOf); err != nil {
		return Node{}, err
	}
	return n, nil
}

// loadNode returns the node regardless of deletion, or sql.ErrNoRows.
func loadNode(ctx context.Context, q querier, id string) (Node, error) {
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?;`, id)
	return scanNode(row)
}

func ledgerVersion(ctx context.Context, q querier, kind EntityKind, id string) (int, error) {
	var v int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM `+historyTable(kind)+` WHERE entity_id = ?;`, id).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read %s ledger version: %w", kind, err)
	}
	return v, nil
}

func historyTable(kind EntityKind) string {
	if kind == KindEdge {
		return "edge_history"
	}
	return "node_history"
}

func (g *Group) appendHistory(ctx context.Context, kind EntityKind, id, entityType, source string, version int,
	op Operation, changedBy, reason string, before, after any, at time.Time) error {
	var beforeJSON any
	if before != nil {
		b, err := json.Marshal(before)
		if err != nil {
			return fmt.Errorf("encode before state: %w", err)
		}
		beforeJSON = string(b)
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("encode after state: %w", err)
	}
	_, err = g.tx.ExecContext(ctx, `
		INSERT INTO `+historyTable(kind)+` (entity_id, entity_type, source, version, operation,
			changed_by, changed_at, change_reason, before_state, after_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, id, entityType, source, version, string(op), changedBy, formatTime(at), reason, beforeJSON, string(afterJSON))
	if err != nil {
		return fmt.Errorf("append %s history: %w", kind, err)
	}
	return nil
}

// checkMutable is shared by every update and delete: the caller must name
// themselves, give a reason unless they are the system, and hold the
// current version. The ledger must agree with the snapshot.
func (g *Group) checkMutable(ctx context.Context, op string, kind EntityKind, id string,
	current, expected int, changedBy, reason string) error {
	if strings.TrimSpace(changedBy) == "" {
		return validationError(op, id, "changed_by is required")
	}
	if strings.TrimSpace(reason) == "" && changedBy != SystemActor {
		return validationError(op, id, "change reason is required")
	}
	if current != expected {
		g.s.inst.RecordConflict(ctx, string(kind))
		return conflictError(op, id, expected, current)
	}
	lv, err := ledgerVersion(ctx, g.tx, kind, id)
	if err != nil {
		return err
	}
	if lv != current {
		return consistencyError(op, id, current, lv, fmt.Sprintf("ledger is at version %d but %s is at version %d", lv, kind, current))
	}
	return nil
}

func checkConfidence(op, id string, c float64) error {
	if c < 0 || c > 1 {
		return validationError(op, id, "confidence %v outside [0, 1]", c)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CreateNode inserts a node at version 1 with one create record.
func (g *Group) CreateNode(ctx context.Context, in NewNode) (Node, error) {
	const op = "create node"
	if !in.Type.Valid() {
		return Node{}, validationError(op, in.ID, "unknown node type %q", in.Type)
	}
	if strings.TrimSpace(in.Title) == "" {
		return Node{}, validationError(op, in.ID, "title is required")
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return Node{}, validationError(op, in.ID, "created_by is required")
	}
	n := Node{
		ID:          in.ID,
		Type:        in.Type,
		SchemaLayer: in.SchemaLayer,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Status:      in.Status,
		CreatedBy:   in.CreatedBy,
		Version:     1,
		Provenance: Provenance{
			Source:     in.Source,
			SourceRef:  in.SourceRef,
			AsOf:       utcPtr(in.AsOf),
			Confidence: 1.0,
		},
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.SchemaLayer == "" {
		n.SchemaLayer = DefaultSchemaLayer
	}
	if n.Status == "" {
		n.Status = defaultStatus[n.Type]
		if n.Status == "" {
			n.Status = "active"
		}
	}
	if n.Source == "" {
		n.Source = DefaultSource
	}
	if in.Confidence != nil {
		n.Confidence = *in.Confidence
	}
	if err := checkConfidence(op, n.ID, n.Confidence); err != nil {
		return Node{}, err
	}
	meta, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return Node{}, validationError(op, n.ID, "metadata is not a JSON document: %v", err)
	}
	if err := ValidateMetadata(n.Type, meta); err != nil {
		return Node{}, validationError(op, n.ID, "metadata: %v", err)
	}
	n.Metadata = meta

	if _, err := loadNode(ctx, g.tx, n.ID); err == nil {
		return Node{}, validationError(op, n.ID, "node already exists")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Node{}, fmt.Errorf("create node: %w", err)
	}

	now := g.s.now()
	n.CreatedAt, n.UpdatedAt = now, now
	metaJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return Node{}, fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := g.tx.ExecContext(ctx, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 1, ?, ?, ?, ?);
	`, n.ID, string(n.Type), n.SchemaLayer, n.Title, n.Description, n.Status, string(metaJSON),
		n.CreatedBy, formatTime(now), formatTime(now),
		n.Source, n.SourceRef, nullableTime(n.AsOf), n.Confidence); err != nil {
		return Node{}, fmt.Errorf("insert node: %w", err)
	}
	if err := g.appendHistory(ctx, KindNode, n.ID, string(n.Type), n.Source, 1, OpCreate, n.CreatedBy, in.Reason, nil, n, now); err != nil {
		return Node{}, err
	}
	g.publish(bus.TopicNodeCreated, nodeEvent(n, OpCreate, n.CreatedBy))
	return n, nil
}

func nodeEvent(n Node, op Operation, by string) bus.EntityChanged {
	return bus.EntityChanged{
		EntityKind: string(KindNode),
		EntityID:   n.ID,
		EntityType: string(n.Type),
		Operation:  string(op),
		Version:    n.Version,
		ChangedBy:  by,
	}
}

// GetNode reads one node. Deleted nodes are NotFound unless includeDeleted.
func (g *Group) GetNode(ctx context.Context, id string, includeDeleted bool) (Node, error) {
	return getNode(ctx, g.tx, id, includeDeleted)
}

func getNode(ctx context.Context, q querier, id string, includeDeleted bool) (Node, error) {
	n, err := loadNode(ctx, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, notFoundError("get node", id, KindNode)
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node: %w", err)
	}
	if n.DeletedAt != nil && !includeDeleted {
		return Node{}, notFoundError("get node", id, KindNode)
	}
	return n, nil
}

func applyNodePatch(op string, cur Node, p NodePatch) (Node, error) {
	next := cur
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return Node{}, validationError(op, cur.ID, "title is required")
		}
		next.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.Status != nil {
		if strings.TrimSpace(*p.Status) == "" {
			return Node{}, validationError(op, cur.ID, "status must not be empty")
		}
		next.Status = *p.Status
	}
	meta := cur.Metadata
	if p.Metadata != nil {
		meta = p.Metadata
	}
	if p.MergeMetadata != nil {
		meta = mergeMetadata(meta, p.MergeMetadata)
	}
	norm, err := normalizeMetadata(meta)
	if err != nil {
		return Node{}, validationError(op, cur.ID, "metadata is not a JSON document: %v", err)
	}
	if err := ValidateMetadata(cur.Type, norm); err != nil {
		return Node{}, validationError(op, cur.ID, "metadata: %v", err)
	}
	next.Metadata = norm
	if p.Source != nil {
		next.Source = *p.Source
	}
	if p.SourceRef != nil {
		next.SourceRef = *p.SourceRef
	}
	if p.AsOf != nil {
		next.AsOf = utcPtr(p.AsOf)
	}
	if p.Confidence != nil {
		if err := checkConfidence(op, cur.ID, *p.Confidence); err != nil {
			return Node{}, err
		}
		next.Confidence = *p.Confidence
	}
	return next, nil
}

// writeNode stores next over a row currently at prev.Version.
func (g *Group) writeNode(ctx context.Context, op string, prev, next Node) error {
	metaJSON, err := json.Marshal(next.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := g.tx.ExecContext(ctx, `
		UPDATE nodes SET title = ?, description = ?, status = ?, metadata = ?,
			updated_at = ?, deleted_at = ?, version = ?,
			source = ?, source_ref = ?, as_of = ?, confidence = ?
		WHERE id = ? AND version = ?;
	`, next.Title, next.Description, next.Status, string(metaJSON),
		formatTime(next.UpdatedAt), nullableTime(next.DeletedAt), next.Version,
		next.Source, next.SourceRef, nullableTime(next.AsOf), next.Confidence,
		prev.ID, prev.Version)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		actual := prev.Version
		if cur, err := loadNode(ctx, g.tx, prev.ID); err == nil {
			actual = cur.Version
		}
		g.s.inst.RecordConflict(ctx, string(KindNode))
		return conflictError(op, prev.ID, prev.Version, actual)
	}
	return nil
}

// UpdateNode applies patch when expectedVersion is current.
func (g *Group) UpdateNode(ctx context.Context, id string, expectedVersion int, patch NodePatch, changedBy, reason string) (Node, error) {
	const op = "update node"
	if patch.empty() {
		return Node{}, validationError(op, id, "patch changes nothing")
	}
	cur, err := g.GetNode(ctx, id, false)
	if err != nil {
		return Node{}, err
	}
	if err := g.checkMutable(ctx, op, KindNode, id, cur.Version, expectedVersion, changedBy, reason); err != nil {
		return Node{}, err
	}
	next, err := applyNodePatch(op, cur, patch)
	if err != nil {
		return Node{}, err
	}
	now := g.s.now()
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if err := g.writeNode(ctx, op, cur, next); err != nil {
		return Node{}, err
	}
	if err := g.appendHistory(ctx, KindNode, id, string(next.Type), next.Source, next.Version, OpUpdate, changedBy, reason, cur, next, now); err != nil {
		return Node{}, err
	}
	g.publish(bus.TopicNodeUpdated, nodeEvent(next, OpUpdate, changedBy))
	return next, nil
}

// SoftDeleteNode marks the node deleted and soft-deletes every active edge
// touching it, each with its own ledger record.
func (g *Group) SoftDeleteNode(ctx context.Context, id string, expectedVersion int, changedBy, reason string) (Node, error) {
	const op = "delete node"
	cur, err := g.GetNode(ctx, id, false)
	if err != nil {
		return Node{}, err
	}
	if err := g.checkMutable(ctx, op, KindNode, id, cur.Version, expectedVersion, changedBy, reason); err != nil {
		return Node{}, err
	}

	incident, err := g.listEdges(ctx, id, EdgeFilter{Direction: Both})
	if err != nil {
		return Node{}, err
	}
	for _, e := range incident {
		if _, err := g.SoftDeleteEdge(ctx, e.ID, e.Version, changedBy, reason); err != nil {
			return Node{}, fmt.Errorf("cascade to edge %s: %w", e.ID, err)
		}
	}

	now := g.s.now()
	next := cur
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	next.DeletedAt = &now
	if err := g.writeNode(ctx, op, cur, next); err != nil {
		return Node{}, err
	}
	if err := g.appendHistory(ctx, KindNode, id, string(next.Type), next.Source, next.Version, OpDelete, changedBy, reason, cur, next, now); err != nil {
		return Node{}, err
	}
	g.publish(bus.TopicNodeDeleted, nodeEvent(next, OpDelete, changedBy))
	return next, nil
}

func (s *Store) CreateNode(ctx context.Context, in NewNode) (Node, error) {
	start := time.Now()
	var out Node
	err := s.WriteGroup(ctx, func(g *Group) error {
		var err error
		out, err = g.CreateNode(ctx, in)
		return err
	})
	s.observe(ctx, "create_node", start, err)
	return out, err
}

func (s *Store) UpdateNode(ctx context.Context, id string, expectedVersion int, patch NodePatch, changedBy, reason string) (Node, error) {
	start := time.Now()
	var out Node
	err := s.WriteGroup(ctx, func(g *Group) error {
		var err error
		out, err = g.UpdateNode(ctx, id, expectedVersion, patch, changedBy, reason)
		return err
	})
	s.observe(ctx, "update_node", start, err)
	return out, err
}

func (s *Store) SoftDeleteNode(ctx context.Context, id string, expectedVersion int, changedBy, reason string) (Node, error) {
	start := time.Now()
	var out Node
	err := s.WriteGroup(ctx, func(g *Group) error {
		var err error
		out, err = g.SoftDeleteNode(ctx, id, expectedVersion, changedBy, reason)
		return err
	})
	s.observe(ctx, "delete_node", start, err)
	return out, err
}

func (s *Store) GetNode(ctx context.Context, id string, includeDeleted bool) (Node, error) {
	return getNode(ctx, s.db, id, includeDeleted)
}

// PatchNode re-reads the node and applies patch, retrying version
// conflicts up to the configured number of times.
func (s *Store) PatchNode(ctx context.Context, id string, patch NodePatch, changedBy, reason string) (Node, error) {
	var lastErr error
	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		cur, err := s.GetNode(ctx, id, false)
		if err != nil {
			return Node{}, err
		}
		n, err := s.UpdateNode(ctx, id, cur.Version, patch, changedBy, reason)
		if err == nil {
			return n, nil
		}
		if !IsConflict(err) {
			return Node{}, err
		}
		lastErr = err
		s.logger.DebugContext(ctx, "retrying node patch after conflict", "node_id", id, "attempt", attempt+1)
	}
	return Node{}, lastErr
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit, def, hi int) int {
	if limit <= 0 {
		return def
	}
	if limit > hi {
		return hi
	}
	return limit
}

// ListNodes returns one page of nodes, newest first, and the total number
// of matches.
func (s *Store) ListNodes(ctx context.Context, q NodeQuery) ([]Node, int, error) {
	start := time.Now()
	out, total, err := listNodes(ctx, s.db, q)
	s.observe(ctx, "list_nodes", start, err)
	return out, total, err
}

// ListNodes reads a page inside the group's transaction, so the result
// cannot change before the group commits.
func (g *Group) ListNodes(ctx context.Context, q NodeQuery) ([]Node, int, error) {
	return listNodes(ctx, g.tx, q)
}

func listNodes(ctx context.Context, db querier, q NodeQuery) ([]Node, int, error) {
	var (
		where []string
		args  []any
	)
	switch q.Visibility {
	case ActiveOnly:
		where = append(where, "deleted_at IS NULL")
	case DeletedOnly:
		where = append(where, "deleted_at IS NOT NULL")
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if q.SchemaLayer != "" {
		where = append(where, "schema_layer = ?")
		args = append(args, q.SchemaLayer)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`+clause+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count nodes: %w", err)
	}

	limit := clampLimit(q.Limit, defaultListLimit, maxListLimit)
	offset := max(q.Offset, 0)
	rows, err := db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes`+clause+`
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?;`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}
