package workflow

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/basket/taskgraph/internal/graph"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one transcript entry.
type Message struct {
	Role  string    `json:"role"`
	Stage Stage     `json:"stage"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// Candidate is a precedent offered at the precedents stage.
type Candidate struct {
	PrecedentID  string  `json:"precedent_id"`
	Title        string  `json:"title"`
	Pattern      string  `json:"pattern"`
	Score        float64 `json:"score"`
	SuccessRatio float64 `json:"success_ratio"`
}

// Session is the state of one task's trip through the stage machine. Node
// references stay empty until the owning stage creates them.
type Session struct {
	ID             string      `json:"id"`
	Stage          Stage       `json:"stage"`
	TaskID         string      `json:"task_id,omitempty"`
	PlanID         string      `json:"plan_id,omitempty"`
	GateID         string      `json:"gate_id,omitempty"`
	RunID          string      `json:"run_id,omitempty"`
	PrecedentID    string      `json:"precedent_id,omitempty"`
	VerificationID string      `json:"verification_id,omitempty"`
	AgentID        string      `json:"agent_id,omitempty"`
	CreatedBy      string      `json:"created_by"`
	ClarifyCount   int         `json:"clarify_count"`
	PlanRevision   int         `json:"plan_revision"`
	Messages       []Message   `json:"messages"`
	Candidates     []Candidate `json:"candidates,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = slices.Clone(s.Messages)
	c.Candidates = slices.Clone(s.Candidates)
	return &c
}

func (s *Session) addMessage(role, text string, at time.Time) {
	s.Messages = append(s.Messages, Message{Role: role, Stage: s.Stage, Text: text, At: at})
}

// clarifications pairs every user message of the clarify stage with the
// assistant question that preceded it.
func (s *Session) clarifications() []graph.ClarificationTurn {
	var out []graph.ClarificationTurn
	question := ""
	for _, m := range s.Messages {
		if m.Stage != StageClarify {
			continue
		}
		switch m.Role {
		case RoleAssistant:
			question = m.Text
		case RoleUser:
			out = append(out, graph.ClarificationTurn{Question: question, Answer: m.Text})
			question = ""
		}
	}
	return out
}

// SessionStore persists sessions. Save is called inside the write group of
// the transition that produced the new state, so a session is never ahead
// of, or behind, the graph.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, g *graph.Group, s *Session) error
	Delete(ctx context.Context, g *graph.Group, id string) error
	List(ctx context.Context) ([]*Session, error)
	// Stale returns terminal sessions last updated before the cutoff.
	Stale(ctx context.Context, before time.Time) ([]*Session, error)
}

// MemorySessionStore keeps sessions in process. Saves made inside a write
// group become visible only once the group commits.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemorySessionStore) Save(_ context.Context, g *graph.Group, s *Session) error {
	snapshot := s.Clone()
	put := func() {
		m.mu.Lock()
		m.sessions[snapshot.ID] = snapshot
		m.mu.Unlock()
	}
	if g == nil {
		put()
		return nil
	}
	g.OnCommit(put)
	return nil
}

// Delete removes the session, or schedules the removal for when g commits.
func (m *MemorySessionStore) Delete(_ context.Context, g *graph.Group, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	if g == nil {
		delete(m.sessions, id)
		return nil
	}
	g.OnCommit(func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemorySessionStore) List(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemorySessionStore) Stale(_ context.Context, before time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Stage.Terminal() && s.UpdatedAt.Before(before) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}
