package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskgraph/internal/audit"
	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/otel"
	"github.com/basket/taskgraph/internal/precedent"
	"github.com/basket/taskgraph/internal/shared"
)

// DefaultMaxClarifyRounds is how many clarify calls a session may make.
const DefaultMaxClarifyRounds = 4

type Config struct {
	Store      *graph.Store
	Sessions   SessionStore     // defaults to an in-memory store
	Precedents *precedent.Index // defaults to an index over Store
	Generator  Generator
	Bus        *bus.Bus
	Logger     *slog.Logger

	Instruments *otel.Instruments

	MaxClarifyRounds int
	GeneratorTimeout time.Duration
	Now              func() time.Time
}

// Engine runs workflow sessions. It is safe for concurrent use; calls on
// the same session are serialized.
type Engine struct {
	store      *graph.Store
	sessions   SessionStore
	precedents *precedent.Index
	gen        Generator
	bus        *bus.Bus
	logger     *slog.Logger
	inst       *otel.Instruments
	tracer     trace.Tracer
	locks      *sessionLocks

	maxClarify       int
	generatorTimeout time.Duration
	now              func() time.Time
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("workflow: store is required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("workflow: generator is required")
	}
	e := &Engine{
		store:            cfg.Store,
		sessions:         cfg.Sessions,
		precedents:       cfg.Precedents,
		gen:              cfg.Generator,
		bus:              cfg.Bus,
		logger:           cfg.Logger,
		inst:             cfg.Instruments,
		tracer:           cfg.Instruments.TracerOrNoop(),
		locks:            newSessionLocks(),
		maxClarify:       cfg.MaxClarifyRounds,
		generatorTimeout: cfg.GeneratorTimeout,
		now:              cfg.Now,
	}
	if e.sessions == nil {
		e.sessions = NewMemorySessionStore()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "workflow")
	if e.precedents == nil {
		e.precedents = precedent.New(cfg.Store, precedent.Options{Logger: e.logger})
	}
	if e.maxClarify <= 0 {
		e.maxClarify = DefaultMaxClarifyRounds
	}
	if e.generatorTimeout <= 0 {
		e.generatorTimeout = DefaultGeneratorTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

func (e *Engine) clock() time.Time { return e.now().UTC() }

// Sessions exposes the engine's session store.
func (e *Engine) Sessions() SessionStore { return e.sessions }

// Result is returned by every transition: the session after the call plus
// the graph entities the call created or changed.
type Result struct {
	Session    *Session     `json:"session"`
	Nodes      []graph.Node `json:"nodes,omitempty"`
	Edges      []graph.Edge `json:"edges,omitempty"`
	Candidates []Candidate  `json:"candidates,omitempty"`
	Questions  []string     `json:"questions,omitempty"`
}

// txn is the working state of one transition. sess is a private copy; it
// replaces the stored session only if the write group commits.
type txn struct {
	e    *Engine
	op   string
	sess *Session
	from Stage
	res  *Result
}

func (t *txn) expect(stages ...Stage) error {
	if slices.Contains(stages, t.sess.Stage) {
		return nil
	}
	if t.sess.Stage.Terminal() {
		return invalidTransition("session is complete; only reads and cancel are allowed")
	}
	return invalidTransition("%s is not allowed at stage %s", t.op, t.sess.Stage)
}

func (t *txn) advance(to Stage) error {
	if !CanTransition(t.sess.Stage, to) {
		return invalidTransition("cannot move from %s to %s", t.sess.Stage, to)
	}
	t.sess.Stage = to
	return nil
}

func (t *txn) actor() string {
	if t.sess.CreatedBy == "" {
		return shared.SystemActor
	}
	return t.sess.CreatedBy
}

func (t *txn) node(n graph.Node) graph.Node {
	t.res.Nodes = append(t.res.Nodes, n)
	return n
}

func (t *txn) edge(e graph.Edge) graph.Edge {
	t.res.Edges = append(t.res.Edges, e)
	return e
}

// patch applies p to the current version of node id.
func (t *txn) patch(ctx context.Context, g *graph.Group, id string, p graph.NodePatch, reason string) (graph.Node, error) {
	cur, err := g.GetNode(ctx, id, false)
	if err != nil {
		return graph.Node{}, err
	}
	n, err := g.UpdateNode(ctx, id, cur.Version, p, t.actor(), reason)
	if err != nil {
		return graph.Node{}, err
	}
	return t.node(n), nil
}

func (t *txn) setStatus(ctx context.Context, g *graph.Group, id, status, reason string) (graph.Node, error) {
	return t.patch(ctx, g, id, graph.NodePatch{Status: &status}, reason)
}

func (t *txn) link(ctx context.Context, g *graph.Group, typ graph.EdgeType, from, to string) (graph.Edge, error) {
	e, err := g.CreateEdge(ctx, graph.NewEdge{
		EdgeType:     typ,
		SourceNodeID: from,
		TargetNodeID: to,
		CreatedBy:    t.actor(),
		Source:       "workflow",
		SourceRef:    t.sess.ID,
	})
	if err != nil {
		return graph.Edge{}, err
	}
	return t.edge(e), nil
}

// commit runs fn and saves the session in one write group.
func (t *txn) commit(ctx context.Context, fn func(g *graph.Group) error) error {
	return t.e.store.WriteGroup(ctx, func(g *graph.Group) error {
		if fn != nil {
			if err := fn(g); err != nil {
				return err
			}
		}
		t.sess.UpdatedAt = g.Now()
		if err := t.e.sessions.Save(ctx, g, t.sess); err != nil {
			return err
		}
		if t.sess.Stage != t.from {
			ev := bus.SessionAdvanced{
				SessionID: t.sess.ID,
				TaskID:    t.sess.TaskID,
				From:      string(t.from),
				To:        string(t.sess.Stage),
				Operation: t.op,
			}
			g.OnCommit(func() { t.e.bus.Publish(bus.TopicSessionAdvanced, ev) })
		}
		return nil
	})
}

// transition serializes on the session, loads a private copy, runs fn and
// reports the outcome. fn does any generator calls first and then exactly
// one commit.
func (e *Engine) transition(ctx context.Context, id, op string, fn func(ctx context.Context, t *txn) error) (*Result, error) {
	ctx = shared.WithSessionID(ctx, id)
	ctx, span := otel.StartSpan(ctx, e.tracer, "workflow."+op,
		otel.AttrSessionID.String(id), otel.AttrOperation.String(op))
	defer span.End()
	start := time.Now()

	unlock, err := e.locks.lock(ctx, id)
	if err != nil {
		return nil, annotate(op, id, "", err)
	}
	defer unlock()

	sess, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, annotate(op, id, "", err)
	}
	t := &txn{e: e, op: op, sess: sess, from: sess.Stage, res: &Result{}}
	err = fn(ctx, t)
	e.inst.RecordTransition(ctx, op, string(t.from), time.Since(start), err)
	if err != nil {
		err = annotate(op, id, t.from, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.WarnContext(ctx, "transition rejected",
			"session_id", id, "op", op, "stage", t.from, "kind", shared.KindOf(err), "error", err)
		return nil, err
	}
	span.SetAttributes(otel.AttrStage.String(string(t.sess.Stage)))
	if t.sess.Stage != t.from {
		e.logger.InfoContext(ctx, "session advanced", "session_id", id, "op", op, "from", t.from, "to", t.sess.Stage)
	}
	t.res.Session = t.sess
	return t.res, nil
}

type SessionInput struct {
	AgentID   string `json:"agent_id"`
	CreatedBy string `json:"created_by"`
}

// CreateSession opens a session at the start stage. CreatedBy defaults to
// the actor on ctx.
func (e *Engine) CreateSession(ctx context.Context, in SessionInput) (*Result, error) {
	const op = "create_session"
	s := &Session{
		ID:        uuid.NewString(),
		Stage:     StageStart,
		AgentID:   in.AgentID,
		CreatedBy: in.CreatedBy,
	}
	if s.CreatedBy == "" {
		s.CreatedBy = shared.Actor(ctx)
	}
	err := e.store.WriteGroup(ctx, func(g *graph.Group) error {
		now := g.Now()
		s.CreatedAt, s.UpdatedAt = now, now
		return e.sessions.Save(ctx, g, s)
	})
	if err != nil {
		return nil, annotate(op, s.ID, "", err)
	}
	e.inst.SessionDelta(ctx, 1)
	e.bus.Publish(bus.TopicSessionCreated, bus.SessionAdvanced{SessionID: s.ID, To: string(StageStart), Operation: op})
	e.logger.InfoContext(ctx, "session created", "session_id", s.ID, "created_by", s.CreatedBy)
	return &Result{Session: s.Clone()}, nil
}

// Get returns the full session state.
func (e *Engine) Get(ctx context.Context, id string) (*Result, error) {
	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, annotate("get", id, "", err)
	}
	return &Result{Session: s, Candidates: s.Candidates}, nil
}

func (e *Engine) List(ctx context.Context) ([]*Session, error) {
	out, err := e.sessions.List(ctx)
	if err != nil {
		return nil, annotate("list", "", "", err)
	}
	return out, nil
}

type CancelInput struct {
	// Detach marks the session's open graph work as cancelled: the task
	// becomes cancelled, a pending gate withdrawn and a live run abandoned.
	Detach bool   `json:"detach"`
	Reason string `json:"reason"`
}

// Cancel tears the session down. Graph entities are never deleted.
func (e *Engine) Cancel(ctx context.Context, id string, in CancelInput) (*Result, error) {
	const op = "cancel"
	ctx = shared.WithSessionID(ctx, id)
	unlock, err := e.locks.lock(ctx, id)
	if err != nil {
		return nil, annotate(op, id, "", err)
	}
	defer unlock()

	sess, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, annotate(op, id, "", err)
	}
	reason := in.Reason
	if reason == "" {
		reason = "session cancelled"
	}
	t := &txn{e: e, op: op, sess: sess, from: sess.Stage, res: &Result{}}
	err = e.store.WriteGroup(ctx, func(g *graph.Group) error {
		if in.Detach && !sess.Stage.Terminal() {
			if err := t.detach(ctx, g, reason); err != nil {
				return err
			}
		}
		return e.sessions.Delete(ctx, g, id)
	})
	if err != nil {
		return nil, annotate(op, id, sess.Stage, err)
	}
	e.inst.SessionDelta(ctx, -1)
	e.bus.Publish(bus.TopicSessionCancelled, bus.SessionAdvanced{
		SessionID: id, TaskID: sess.TaskID, From: string(sess.Stage), Operation: op,
	})
	audit.Record(ctx, "allow", "workflow.session.cancel", reason, id)
	e.logger.InfoContext(ctx, "session cancelled", "session_id", id, "stage", sess.Stage, "detach", in.Detach)
	t.res.Session = sess
	return t.res, nil
}

func (t *txn) detach(ctx context.Context, g *graph.Group, reason string) error {
	s := t.sess
	if s.TaskID != "" {
		task, err := g.GetNode(ctx, s.TaskID, false)
		if err == nil && task.Status != TaskDone && task.Status != TaskCancelled {
			if _, err := t.setStatus(ctx, g, s.TaskID, TaskCancelled, reason); err != nil {
				return fmt.Errorf("cancel task: %w", err)
			}
		}
	}
	if s.GateID != "" {
		gate, err := g.GetNode(ctx, s.GateID, false)
		if err == nil && gate.Status == GatePending {
			if _, err := t.setStatus(ctx, g, s.GateID, GateWithdrawn, reason); err != nil {
				return fmt.Errorf("withdraw gate: %w", err)
			}
		}
	}
	if s.RunID != "" {
		run, err := g.GetNode(ctx, s.RunID, false)
		if err == nil && (run.Status == RunRunning || run.Status == RunNeedsReview) {
			if _, err := t.setStatus(ctx, g, s.RunID, RunAbandoned, reason); err != nil {
				return fmt.Errorf("abandon run: %w", err)
			}
		}
	}
	return nil
}

// Expire deletes terminal sessions last updated before cutoff and returns
// how many were removed.
func (e *Engine) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := e.sessions.Stale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}
	removed := 0
	for _, s := range stale {
		unlock, err := e.locks.lock(ctx, s.ID)
		if err != nil {
			return removed, err
		}
		err = e.sessions.Delete(ctx, nil, s.ID)
		unlock()
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("expire session %s: %w", s.ID, err)
		}
		removed++
		e.inst.SessionDelta(ctx, -1)
		e.bus.Publish(bus.TopicSessionExpired, bus.SessionAdvanced{SessionID: s.ID, TaskID: s.TaskID, From: string(s.Stage), Operation: "expire"})
	}
	return removed, nil
}
