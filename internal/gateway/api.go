package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/precedent"
	"github.com/basket/taskgraph/internal/shared"
	"github.com/basket/taskgraph/internal/workflow"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badParam("%s must be an integer", name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, badParam("%s must be a boolean", name)
	}
	return b, nil
}

func page(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit", defaultPageSize); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	if limit <= 0 || limit > maxPageSize {
		return 0, 0, badParam("limit must be within 1..%d", maxPageSize)
	}
	if offset < 0 {
		return 0, 0, badParam("offset must not be negative")
	}
	return limit, offset, nil
}

// --- graph queries ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	nq := graph.NodeQuery{
		Type:        graph.NodeType(q.Get("type")),
		Status:      q.Get("status"),
		SchemaLayer: q.Get("layer"),
		Limit:       limit,
		Offset:      offset,
	}
	if nq.Type != "" && !nq.Type.Valid() {
		s.writeError(w, r, badParam("unknown node type %q", nq.Type))
		return
	}
	switch q.Get("include_deleted") {
	case "", "false":
	case "true":
		nq.Visibility = graph.IncludeDeleted
	case "only":
		nq.Visibility = graph.DeletedOnly
	default:
		s.writeError(w, r, badParam("include_deleted must be true, false or only"))
		return
	}
	nodes, total, err := s.cfg.Store.ListNodes(r.Context(), nq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "total": total, "limit": limit, "offset": offset})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	includeDeleted, err := queryBool(r, "include_deleted")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.cfg.Store.GetNode(r.Context(), r.PathValue("id"), includeDeleted)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleNodeEdges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := graph.EdgeFilter{
		Direction: graph.Direction(q.Get("direction")),
		EdgeType:  graph.EdgeType(q.Get("type")),
	}
	if f.Direction == "" {
		f.Direction = graph.Both
	}
	if !f.Direction.Valid() {
		s.writeError(w, r, badParam("direction must be in, out or both"))
		return
	}
	if f.EdgeType != "" && !f.EdgeType.Valid() {
		s.writeError(w, r, badParam("unknown edge type %q", f.EdgeType))
		return
	}
	if v := q.Get("min_weight"); v != "" {
		mw, err := strconv.ParseFloat(v, 64)
		if err != nil || mw < 0 {
			s.writeError(w, r, badParam("min_weight must be a non-negative number"))
			return
		}
		f.MinWeight = mw
	}
	var err error
	if f.IncludeDeleted, err = queryBool(r, "include_deleted"); err != nil {
		s.writeError(w, r, err)
		return
	}
	edges, err := s.cfg.Store.ListEdges(r.Context(), r.PathValue("id"), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	depth, err := queryInt(r, "depth", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Store.Impact(r.Context(), r.PathValue("id"), depth)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleReplayNode rebuilds a node from its ledger, or its state at ?as_of.
func (s *Server) handleReplayNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		n   graph.Node
		err error
	)
	if v := r.URL.Query().Get("as_of"); v != "" {
		at, perr := time.Parse(time.RFC3339Nano, v)
		if perr != nil {
			s.writeError(w, r, badParam("as_of must be an RFC 3339 timestamp"))
			return
		}
		n, err = s.cfg.Store.NodeAsOf(r.Context(), id, at)
	} else {
		n, err = s.cfg.Store.ReplayNode(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleGetEdge(w http.ResponseWriter, r *http.Request) {
	includeDeleted, err := queryBool(r, "include_deleted")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.cfg.Store.GetEdge(r.Context(), r.PathValue("id"), includeDeleted)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.cfg.Store.GetHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": recs})
}

func (s *Server) handlePulse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pq := graph.PulseQuery{Limit: limit, Sources: q["source"]}
	for _, t := range q["type"] {
		nt := graph.NodeType(t)
		if !nt.Valid() {
			s.writeError(w, r, badParam("unknown node type %q", t))
			return
		}
		pq.Types = append(pq.Types, nt)
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.writeError(w, r, badParam("since must be an RFC 3339 timestamp"))
			return
		}
		pq.Since = &since
	}
	items, err := s.cfg.Store.Pulse(r.Context(), pq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handlePrecedents(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("q")
	if text == "" {
		s.writeError(w, r, badParam("q is required"))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	matches, err := s.cfg.Precedents.FindPrecedents(r.Context(), text, limit).Collect()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []precedent.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"precedents": matches})
}

// --- sessions ---

func readBody(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, badParam("read body: %v", err)
	}
	return b, nil
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in workflow.SessionInput
	if err := decodeParams(raw, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Engine.CreateSession(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.cfg.Engine.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*workflow.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	detach, err := queryBool(r, "detach")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Engine.Cancel(r.Context(), r.PathValue("id"), workflow.CancelInput{
		Detach: detach,
		Reason: r.URL.Query().Get("reason"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionOperation(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("operation")
	op, ok := operations[name]
	if !ok {
		writeErrorMessage(w, http.StatusNotFound, string(shared.KindNotFound), "unknown session operation "+strconv.Quote(name))
		return
	}
	raw, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := op(r.Context(), s.cfg.Engine, r.PathValue("id"), raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
