package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/config"
	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/otel"
	"github.com/basket/taskgraph/internal/precedent"
	"github.com/basket/taskgraph/internal/shared"
	"github.com/basket/taskgraph/internal/workflow"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ActorHeader names the caller recorded as created_by / changed_by.
	ActorHeader   = "X-Taskgraph-Actor"
	TraceIDHeader = "X-Trace-Id"

	defaultActor   = "api"
	maxRequestBody = 1 << 20
)

type Config struct {
	Store       *graph.Store
	Engine      *workflow.Engine
	Precedents  *precedent.Index
	Bus         *bus.Bus
	Logger      *slog.Logger
	Instruments *otel.Instruments

	// AuthToken, when non-empty, is required as a Bearer token.
	AuthToken string

	// AllowOrigins lists browser origins accepted for CORS and WebSocket
	// upgrades. Empty means same-origin only.
	AllowOrigins []string

	RateLimit config.RateLimitConfig

	// ConfigFingerprint is reported by /healthz and system.hello.
	ConfigFingerprint string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	inst    *otel.Instruments
	tracer  trace.Tracer
	auth    *AuthMiddleware
	limiter *RateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		inst:    cfg.Instruments,
		auth:    NewAuthMiddleware(cfg.AuthToken),
		clients: map[*client]struct{}{},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "gateway")
	s.tracer = s.inst.TracerOrNoop()
	if s.cfg.Precedents == nil && s.cfg.Store != nil {
		s.cfg.Precedents = precedent.New(s.cfg.Store, precedent.Options{Logger: s.logger})
	}
	s.limiter = NewRateLimiter(cfg.RateLimit, s.inst)
	return s
}

// Limiter exposes the rate limiter so limits can be reloaded live.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// Auth exposes the auth middleware so the token can be rotated live.
func (s *Server) Auth() *AuthMiddleware { return s.auth }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/events", s.handleEventStream)

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/nodes", s.handleListNodes)
	mux.HandleFunc("GET /api/nodes/{id}", s.handleGetNode)
	mux.HandleFunc("GET /api/nodes/{id}/edges", s.handleNodeEdges)
	mux.HandleFunc("GET /api/nodes/{id}/impact", s.handleImpact)
	mux.HandleFunc("GET /api/nodes/{id}/replay", s.handleReplayNode)
	mux.HandleFunc("GET /api/edges/{id}", s.handleGetEdge)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistory)
	mux.HandleFunc("GET /api/pulse", s.handlePulse)
	mux.HandleFunc("GET /api/precedents", s.handlePrecedents)

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCancelSession)
	mux.HandleFunc("POST /api/sessions/{id}/{operation}", s.handleSessionOperation)

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = s.auth.Wrap(h)
	h = RequestSizeLimitMiddleware(maxRequestBody)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.instrument(h)
}

// instrument wraps every request in a server span, stamps trace id and
// actor on the context and records request metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := strings.TrimSpace(r.Header.Get(TraceIDHeader))
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			actor = defaultActor
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx = shared.WithActor(ctx, actor)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		sw.Header().Set(TraceIDHeader, traceID)
		r = r.WithContext(ctx)
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetName(route)
		span.SetAttributes(otel.AttrRoute.String(route), otel.AttrHTTPStatus.Int(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
		s.inst.RecordRequest(ctx, route, sw.status, time.Since(start))
		s.logger.DebugContext(ctx, "request", "method", r.Method, "route", route, "status", sw.status, "trace_id", traceID)
	})
}

// statusWriter records the response status. It passes through Flush for
// event streams and Hijack for WebSocket upgrades.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := true
	schema := 0
	if s.cfg.Store != nil {
		v, _, err := s.cfg.Store.SchemaVersion(ctx)
		if err != nil {
			dbOK = false
		}
		schema = v
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"schema_version":     schema,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"ws_clients":         s.clientCount(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
