package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultPulseLimit = 50
	maxPulseLimit     = 200
)

// PulseQuery filters the activity feed. Empty filters match everything.
type PulseQuery struct {
	Since   *time.Time
	Types   []NodeType
	Sources []string
	Limit   int
}

// PulseItem is one node change in the activity feed.
type PulseItem struct {
	ID         int64     `json:"id"`
	EntityID   string    `json:"entity_id"`
	Type       NodeType  `json:"type"`
	Source     string    `json:"source"`
	Title      string    `json:"title"`
	ChangeType string    `json:"change_type"`
	Summary    string    `json:"summary"`
	Author     string    `json:"author"`
	Timestamp  time.Time `json:"timestamp"`
}

var changeTypes = map[Operation]string{
	OpCreate: "created",
	OpUpdate: "updated",
	OpDelete: "deleted",
}

// Pulse returns recent node changes across the graph, newest first.
func (s *Store) Pulse(ctx context.Context, q PulseQuery) ([]PulseItem, error) {
	start := time.Now()
	var (
		where []string
		args  []any
	)
	if q.Since != nil {
		where = append(where, "changed_at > ?")
		args = append(args, formatTime(*q.Since))
	}
	if len(q.Types) > 0 {
		where = append(where, "entity_type IN ("+placeholders(len(q.Types))+")")
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if len(q.Sources) > 0 {
		where = append(where, "source IN ("+placeholders(len(q.Sources))+")")
		for _, src := range q.Sources {
			args = append(args, src)
		}
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	limit := clampLimit(q.Limit, defaultPulseLimit, maxPulseLimit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+historyColumns+`, entity_type, source FROM node_history`+clause+`
		ORDER BY changed_at DESC, id DESC LIMIT ?;`, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("read pulse: %w", err)
	}
	defer rows.Close()

	var out []PulseItem
	for rows.Next() {
		var (
			item    PulseItem
			r       HistoryRecord
			op      string
			at      string
			before  *string
			after   string
			nodeTyp string
		)
		if err := rows.Scan(&r.ID, &r.EntityID, &r.Version, &op, &r.ChangedBy, &at, &r.ChangeReason, &before, &after, &nodeTyp, &item.Source); err != nil {
			return nil, fmt.Errorf("scan pulse: %w", err)
		}
		ts, err := parseTime(at)
		if err != nil {
			return nil, err
		}
		var afterNode Node
		if err := json.Unmarshal([]byte(after), &afterNode); err != nil {
			return nil, fmt.Errorf("decode pulse state: %w", err)
		}
		var beforeNode *Node
		if before != nil {
			beforeNode = &Node{}
			if err := json.Unmarshal([]byte(*before), beforeNode); err != nil {
				return nil, fmt.Errorf("decode pulse state: %w", err)
			}
		}
		item.ID = r.ID
		item.EntityID = r.EntityID
		item.Type = NodeType(nodeTyp)
		item.Title = afterNode.Title
		item.ChangeType = changeTypes[Operation(op)]
		item.Summary = summarizeChange(Operation(op), beforeNode, afterNode, r.ChangeReason)
		item.Author = r.ChangedBy
		item.Timestamp = ts
		out = append(out, item)
	}
	err = rows.Err()
	s.observe(ctx, "pulse", start, err)
	return out, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func summarizeChange(op Operation, before *Node, after Node, reason string) string {
	var summary string
	switch {
	case op == OpCreate:
		summary = fmt.Sprintf("%s %q created", after.Type, after.Title)
	case op == OpDelete:
		summary = fmt.Sprintf("%s %q deleted", after.Type, after.Title)
	case before == nil:
		summary = fmt.Sprintf("%s %q updated", after.Type, after.Title)
	default:
		var parts []string
		if before.Status != after.Status {
			parts = append(parts, fmt.Sprintf("status %s -> %s", before.Status, after.Status))
		}
		if before.Title != after.Title {
			parts = append(parts, "title changed")
		}
		if before.Description != after.Description {
			parts = append(parts, "description changed")
		}
		b, _ := json.Marshal(before.Metadata)
		a, _ := json.Marshal(after.Metadata)
		if string(a) != string(b) {
			parts = append(parts, "metadata changed")
		}
		if len(parts) == 0 {
			parts = append(parts, "provenance changed")
		}
		summary = strings.Join(parts, ", ")
	}
	if reason != "" {
		summary += ": " + reason
	}
	return summary
}
