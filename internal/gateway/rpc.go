package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/precedent"
	"github.com/basket/taskgraph/internal/shared"
	"github.com/basket/taskgraph/internal/workflow"
)

const (
	protocolName    = "taskgraph"
	protocolVersion = "1.0"
)

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool

	subMu     sync.Mutex
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    *apiError `json:"data,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnected", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		resp := s.handleRPC(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Debug("ws: write response", "method", req.Method, "error", err)
			return
		}
	}
}

// isMutatingMethod reports whether method changes state and so needs the
// system.hello handshake first.
func isMutatingMethod(method string) bool {
	return method == "session.create" ||
		(strings.HasPrefix(method, "session.") && operations[strings.TrimPrefix(method, "session.")] != nil)
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"}}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"}}
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	start := time.Now()
	result, err := s.dispatch(ctx, c, req)
	s.inst.RecordRequest(ctx, "rpc "+req.Method, rpcStatus(err), time.Since(start))
	if !hasID {
		return nil
	}
	resp := &rpcResponse{JSONRPC: "2.0", ID: id}
	if err != nil {
		resp.Error = s.toRPCError(ctx, req.Method, err)
	} else {
		resp.Result = result
	}
	return resp
}

var errMethodNotFound = errors.New("method not found")

func rpcStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errMethodNotFound):
		return http.StatusNotFound
	default:
		return statusFor(shared.KindOf(err))
	}
}

func (s *Server) toRPCError(ctx context.Context, method string, err error) *rpcError {
	if errors.Is(err, errMethodNotFound) {
		return &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found: " + method}
	}
	body := toAPIError(err)
	if body.Kind == string(shared.KindInternal) {
		s.logger.ErrorContext(ctx, "rpc failed", "method", method, "error", err)
	}
	code := ErrCodeApp
	var pe *paramError
	if errors.As(err, &pe) {
		code = ErrCodeInvalidParams
	}
	return &rpcError{Code: code, Message: body.Message, Data: &body}
}

func (s *Server) dispatch(ctx context.Context, c *client, req rpcRequest) (any, error) {
	if name, ok := strings.CutPrefix(req.Method, "session."); ok {
		if op := operations[name]; op != nil {
			var p struct {
				SessionID string `json:"session_id"`
			}
			if err := decodeParams(req.Params, &p); err != nil {
				return nil, err
			}
			if p.SessionID == "" {
				return nil, badParam("session_id is required")
			}
			return op(ctx, s.cfg.Engine, p.SessionID, req.Params)
		}
	}

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		return map[string]any{
			"protocol":           protocolName,
			"version":            protocolVersion,
			"config_fingerprint": s.cfg.ConfigFingerprint,
			"operations":         OperationNames(),
		}, nil
	case "system.status":
		st, err := s.cfg.Store.Stats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"stats": st, "ws_clients": s.clientCount()}, nil

	case "session.create":
		var in workflow.SessionInput
		if err := decodeParams(req.Params, &in); err != nil {
			return nil, err
		}
		return s.cfg.Engine.CreateSession(ctx, in)
	case "session.get":
		var p struct {
			SessionID string `json:"session_id"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.cfg.Engine.Get(ctx, p.SessionID)
	case "session.list":
		sessions, err := s.cfg.Engine.List(ctx)
		if err != nil {
			return nil, err
		}
		if sessions == nil {
			sessions = []*workflow.Session{}
		}
		return map[string]any{"sessions": sessions}, nil

	case "graph.node.get":
		var p struct {
			ID             string `json:"id"`
			IncludeDeleted bool   `json:"include_deleted"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.cfg.Store.GetNode(ctx, p.ID, p.IncludeDeleted)
	case "graph.nodes.list":
		var p struct {
			Type           graph.NodeType `json:"type"`
			Status         string         `json:"status"`
			Layer          string         `json:"layer"`
			IncludeDeleted bool           `json:"include_deleted"`
			Limit          int            `json:"limit"`
			Offset         int            `json:"offset"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		q := graph.NodeQuery{Type: p.Type, Status: p.Status, SchemaLayer: p.Layer, Limit: p.Limit, Offset: p.Offset}
		if p.IncludeDeleted {
			q.Visibility = graph.IncludeDeleted
		}
		nodes, total, err := s.cfg.Store.ListNodes(ctx, q)
		if err != nil {
			return nil, err
		}
		return map[string]any{"nodes": nodes, "total": total}, nil
	case "graph.edges.list":
		var p struct {
			NodeID         string          `json:"node_id"`
			Direction      graph.Direction `json:"direction"`
			Type           graph.EdgeType  `json:"type"`
			MinWeight      float64         `json:"min_weight"`
			IncludeDeleted bool            `json:"include_deleted"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.Direction == "" {
			p.Direction = graph.Both
		}
		edges, err := s.cfg.Store.ListEdges(ctx, p.NodeID, graph.EdgeFilter{
			Direction: p.Direction, EdgeType: p.Type, MinWeight: p.MinWeight, IncludeDeleted: p.IncludeDeleted,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"edges": edges}, nil
	case "graph.edge.get":
		var p struct {
			ID             string `json:"id"`
			IncludeDeleted bool   `json:"include_deleted"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.cfg.Store.GetEdge(ctx, p.ID, p.IncludeDeleted)
	case "graph.history":
		var p struct {
			ID string `json:"id"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		recs, err := s.cfg.Store.GetHistory(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"history": recs}, nil
	case "graph.replay":
		var p struct {
			ID   string     `json:"id"`
			AsOf *time.Time `json:"as_of"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.AsOf != nil {
			return s.cfg.Store.NodeAsOf(ctx, p.ID, *p.AsOf)
		}
		return s.cfg.Store.ReplayNode(ctx, p.ID)
	case "graph.impact":
		var p struct {
			ID    string `json:"id"`
			Depth int    `json:"depth"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.cfg.Store.Impact(ctx, p.ID, p.Depth)
	case "graph.pulse":
		var p struct {
			Since   *time.Time       `json:"since"`
			Types   []graph.NodeType `json:"types"`
			Sources []string         `json:"sources"`
			Limit   int              `json:"limit"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		items, err := s.cfg.Store.Pulse(ctx, graph.PulseQuery{Since: p.Since, Types: p.Types, Sources: p.Sources, Limit: p.Limit})
		if err != nil {
			return nil, err
		}
		return map[string]any{"items": items}, nil
	case "precedents.find":
		var p struct {
			Text  string `json:"text"`
			Limit int    `json:"limit"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.Text == "" {
			return nil, badParam("text is required")
		}
		matches, err := s.cfg.Precedents.FindPrecedents(ctx, p.Text, p.Limit).Collect()
		if err != nil {
			return nil, err
		}
		if matches == nil {
			matches = []precedent.Match{}
		}
		return map[string]any{"precedents": matches}, nil

	case "events.subscribe":
		var p struct {
			Prefixes  []string `json:"prefixes"`
			SessionID string   `json:"session_id"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		filter, err := newEventFilter(p.Prefixes, p.SessionID)
		if err != nil {
			return nil, err
		}
		if s.cfg.Bus == nil {
			return nil, badParam("event bus not configured")
		}
		s.subscribeClient(c, filter)
		return map[string]any{"subscribed": true, "prefixes": filter.prefixes}, nil
	case "events.unsubscribe":
		s.unsubscribeClient(c)
		return map[string]any{"subscribed": false}, nil
	}
	return nil, errMethodNotFound
}

// subscribeClient replaces any existing subscription on c and forwards
// matching events as "event" notifications until the client goes away.
func (s *Server) subscribeClient(c *client, filter eventFilter) {
	s.unsubscribeClient(c)

	sub := s.cfg.Bus.Subscribe("")
	ctx, cancel := context.WithCancel(context.Background())
	c.subMu.Lock()
	c.busSub = sub
	c.busCancel = cancel
	c.subMu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if !filter.match(ev) {
					continue
				}
				wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
				err := c.write(wctx, rpcResponse{JSONRPC: "2.0", Method: "event", Params: ev})
				wcancel()
				if err != nil {
					s.logger.Debug("ws: forward event", "topic", ev.Topic, "error", err)
					return
				}
			}
		}
	}()
}

func (s *Server) unsubscribeClient(c *client) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busCancel != nil {
		c.busCancel()
		c.busCancel = nil
	}
	if c.busSub != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
		c.busSub = nil
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.unsubscribeClient(c)
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}
