package graph

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskgraph/internal/shared"
)

const historyColumns = `id, entity_id, version, operation, changed_by, changed_at, change_reason, before_state, after_state`

func scanHistory(sc rowScanner, kind EntityKind) (HistoryRecord, error) {
	var (
		r         HistoryRecord
		op        string
		changedAt string
		before    sql.NullString
		after     string
	)
	if err := sc.Scan(&r.ID, &r.EntityID, &r.Version, &op, &r.ChangedBy, &changedAt, &r.ChangeReason, &before, &after); err != nil {
		return HistoryRecord{}, err
	}
	r.EntityKind = kind
	r.Operation = Operation(op)
	t, err := parseTime(changedAt)
	if err != nil {
		return HistoryRecord{}, err
	}
	r.ChangedAt = t
	if before.Valid {
		r.BeforeState = json.RawMessage(before.String)
	}
	r.AfterState = json.RawMessage(after)
	return r, nil
}

func (s *Store) ledger(ctx context.Context, kind EntityKind, id string) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+historyColumns+` FROM `+historyTable(kind)+`
		WHERE entity_id = ? ORDER BY version ASC;`, id)
	if err != nil {
		return nil, fmt.Errorf("read %s history: %w", kind, err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		r, err := scanHistory(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("scan %s history: %w", kind, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// entityExists reports whether a row for id is present in the snapshot
// table of kind, deleted or not.
func (s *Store) entityExists(ctx context.Context, kind EntityKind, id string) (bool, error) {
	table := "nodes"
	if kind == KindEdge {
		table = "edges"
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?;`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check %s exists: %w", kind, err)
	}
	return n > 0, nil
}

func (s *Store) emptyLedger(ctx context.Context, op string, kind EntityKind, id string) error {
	ok, err := s.entityExists(ctx, kind, id)
	if err != nil {
		return err
	}
	if ok {
		verr := consistencyError(op, id, 1, 0, fmt.Sprintf("%s exists but has no history", kind))
		s.reportViolation(ctx, verr)
		return verr
	}
	return notFoundError(op, id, kind)
}

// NodeHistory returns the ledger of a node ordered by version.
func (s *Store) NodeHistory(ctx context.Context, id string) ([]HistoryRecord, error) {
	recs, err := s.ledger(ctx, KindNode, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, s.emptyLedger(ctx, "node history", KindNode, id)
	}
	return recs, nil
}

// EdgeHistory returns the ledger of an edge ordered by version.
func (s *Store) EdgeHistory(ctx context.Context, id string) ([]HistoryRecord, error) {
	recs, err := s.ledger(ctx, KindEdge, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, s.emptyLedger(ctx, "edge history", KindEdge, id)
	}
	return recs, nil
}

// GetHistory looks id up in the node ledger and then the edge ledger.
func (s *Store) GetHistory(ctx context.Context, id string) ([]HistoryRecord, error) {
	start := time.Now()
	recs, err := s.ledger(ctx, KindNode, id)
	if err == nil && len(recs) == 0 {
		recs, err = s.ledger(ctx, KindEdge, id)
	}
	if err == nil && len(recs) == 0 {
		err = s.missingHistory(ctx, id)
	}
	s.observe(ctx, "get_history", start, err)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) missingHistory(ctx context.Context, id string) error {
	for _, kind := range []EntityKind{KindNode, KindEdge} {
		ok, err := s.entityExists(ctx, kind, id)
		if err != nil {
			return err
		}
		if ok {
			return s.emptyLedger(ctx, "get history", kind, id)
		}
	}
	return &Error{Kind: shared.KindNotFound, Op: "get history", EntityID: id, Reason: "no node or edge with this id"}
}

// canonicalJSON re-encodes raw so that key order and number formatting do
// not affect equality.
func canonicalJSON(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func sameState(a, b []byte) (bool, error) {
	ca, err := canonicalJSON(a)
	if err != nil {
		return false, err
	}
	cb, err := canonicalJSON(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// verifyLedger checks that recs form an unbroken chain ending at snapshot.
func verifyLedger(op, id string, recs []HistoryRecord, snapshot any, snapshotVersion int) error {
	for i, r := range recs {
		want := i + 1
		if r.Version != want {
			return consistencyError(op, id, want, r.Version, fmt.Sprintf("ledger version gap at position %d", want))
		}
		if i == 0 {
			if r.Operation != OpCreate || (len(r.BeforeState) > 0 && string(r.BeforeState) != "null") {
				return consistencyError(op, id, 1, r.Version, "ledger does not start with a create")
			}
			continue
		}
		same, err := sameState(r.BeforeState, recs[i-1].AfterState)
		if err != nil {
			return fmt.Errorf("%s: decode ledger state: %w", op, err)
		}
		if !same {
			return consistencyError(op, id, want, r.Version, fmt.Sprintf("before state of version %d does not match after state of version %d", want, want-1))
		}
	}
	last := recs[len(recs)-1]
	if snapshotVersion != last.Version {
		return consistencyError(op, id, last.Version, snapshotVersion, "stored version differs from ledger")
	}
	stored, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("%s: encode snapshot: %w", op, err)
	}
	same, err := sameState(stored, last.AfterState)
	if err != nil {
		return fmt.Errorf("%s: decode ledger state: %w", op, err)
	}
	if !same {
		return consistencyError(op, id, last.Version, snapshotVersion, "replayed state differs from stored snapshot")
	}
	return nil
}

// ReplayNode rebuilds a node from its ledger and checks the result against
// the stored snapshot.
func (s *Store) ReplayNode(ctx context.Context, id string) (Node, error) {
	const op = "replay node"
	stored, err := getNode(ctx, s.db, id, true)
	if err != nil {
		return Node{}, err
	}
	recs, err := s.ledger(ctx, KindNode, id)
	if err != nil {
		return Node{}, err
	}
	if len(recs) == 0 {
		return Node{}, s.emptyLedger(ctx, op, KindNode, id)
	}
	if err := verifyLedger(op, id, recs, stored, stored.Version); err != nil {
		s.reportViolation(ctx, err)
		return Node{}, err
	}
	return recs[len(recs)-1].AfterNode()
}

func (s *Store) ReplayEdge(ctx context.Context, id string) (Edge, error) {
	const op = "replay edge"
	stored, err := getEdge(ctx, s.db, id, true)
	if err != nil {
		return Edge{}, err
	}
	recs, err := s.ledger(ctx, KindEdge, id)
	if err != nil {
		return Edge{}, err
	}
	if len(recs) == 0 {
		return Edge{}, s.emptyLedger(ctx, op, KindEdge, id)
	}
	if err := verifyLedger(op, id, recs, stored, stored.Version); err != nil {
		s.reportViolation(ctx, err)
		return Edge{}, err
	}
	return recs[len(recs)-1].AfterEdge()
}

// NodeAsOf returns the node as it was at t: the after state of the last
// ledger record changed at or before t. NotFound if it did not exist yet.
func (s *Store) NodeAsOf(ctx context.Context, id string, t time.Time) (Node, error) {
	var after string
	err := s.db.QueryRowContext(ctx, `
		SELECT after_state FROM node_history
		WHERE entity_id = ? AND changed_at <= ?
		ORDER BY version DESC LIMIT 1;
	`, id, formatTime(t)).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, notFoundError("node as of", id, KindNode)
	}
	if err != nil {
		return Node{}, fmt.Errorf("node as of: %w", err)
	}
	var n Node
	if err := json.Unmarshal([]byte(after), &n); err != nil {
		return Node{}, fmt.Errorf("decode node state: %w", err)
	}
	return n, nil
}
