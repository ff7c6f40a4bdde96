package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskgraph/internal/graph"
)

const sessionTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sessionSchema = `
CREATE TABLE IF NOT EXISTS workflow_sessions (
	id TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_sessions_stage_updated ON workflow_sessions(stage, updated_at);
`

// SQLSessionStore keeps sessions in the graph database, so a transition's
// session row commits in the same transaction as its graph writes.
type SQLSessionStore struct {
	db *sql.DB
}

// NewSQLSessionStore creates the workflow_sessions table in db if needed.
func NewSQLSessionStore(ctx context.Context, db *sql.DB) (*SQLSessionStore, error) {
	if _, err := db.ExecContext(ctx, sessionSchema); err != nil {
		return nil, fmt.Errorf("create workflow_sessions: %w", err)
	}
	return &SQLSessionStore{db: db}, nil
}

func formatSessionTime(t time.Time) string {
	return t.UTC().Format(sessionTimeLayout)
}

func decodeSession(state string) (*Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(state), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (st *SQLSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	var state string
	err := st.db.QueryRowContext(ctx, `SELECT state FROM workflow_sessions WHERE id = ?;`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(state)
}

// Save upserts s inside g's transaction. A nil group writes directly.
func (st *SQLSessionStore) Save(ctx context.Context, g *graph.Group, s *Session) error {
	state, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	const q = `
		INSERT INTO workflow_sessions (id, stage, task_id, agent_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage = excluded.stage,
			task_id = excluded.task_id,
			agent_id = excluded.agent_id,
			state = excluded.state,
			updated_at = excluded.updated_at;
	`
	args := []any{s.ID, string(s.Stage), s.TaskID, s.AgentID, string(state),
		formatSessionTime(s.CreatedAt), formatSessionTime(s.UpdatedAt)}
	if g != nil {
		_, err = g.Tx().ExecContext(ctx, q, args...)
	} else {
		_, err = st.db.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes the row inside g's transaction. A nil group deletes
// directly.
func (st *SQLSessionStore) Delete(ctx context.Context, g *graph.Group, id string) error {
	const q = `DELETE FROM workflow_sessions WHERE id = ?;`
	var (
		res sql.Result
		err error
	)
	if g != nil {
		res, err = g.Tx().ExecContext(ctx, q, id)
	} else {
		res, err = st.db.ExecContext(ctx, q, id)
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (st *SQLSessionStore) List(ctx context.Context) ([]*Session, error) {
	return st.query(ctx, `SELECT state FROM workflow_sessions ORDER BY created_at ASC, id ASC;`)
}

func (st *SQLSessionStore) Stale(ctx context.Context, before time.Time) ([]*Session, error) {
	return st.query(ctx, `
		SELECT state FROM workflow_sessions
		WHERE stage = ? AND updated_at < ?
		ORDER BY updated_at ASC;
	`, string(StageComplete), formatSessionTime(before))
}

func (st *SQLSessionStore) query(ctx context.Context, q string, args ...any) ([]*Session, error) {
	rows, err := st.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s, err := decodeSession(state)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
