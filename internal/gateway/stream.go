package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/shared"
)

// streamPrefixes are the bus topic families clients may watch.
var streamPrefixes = []string{"graph.", "workflow."}

func allowedPrefix(p string) bool {
	for _, root := range streamPrefixes {
		if strings.HasPrefix(p, root) || p == strings.TrimSuffix(root, ".") {
			return true
		}
	}
	return false
}

// sessionOf returns the session an event belongs to, if any.
func sessionOf(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.SessionAdvanced:
		return p.SessionID
	case bus.GateEvent:
		return p.SessionID
	case bus.StepFailed:
		return p.SessionID
	}
	return ""
}

// eventFilter matches events against a set of topic prefixes and an
// optional session.
type eventFilter struct {
	prefixes  []string
	sessionID string
}

func newEventFilter(prefixes []string, sessionID string) (eventFilter, error) {
	if len(prefixes) == 0 {
		prefixes = streamPrefixes
	}
	for _, p := range prefixes {
		if !allowedPrefix(p) {
			return eventFilter{}, badParam("topic %q is not subscribable; use a graph. or workflow. prefix", p)
		}
	}
	return eventFilter{prefixes: prefixes, sessionID: sessionID}, nil
}

func (f eventFilter) match(ev bus.Event) bool {
	if f.sessionID != "" && sessionOf(ev) != f.sessionID {
		return false
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(ev.Topic, p) {
			return true
		}
	}
	return false
}

// handleEventStream serves GET /api/events as Server-Sent Events. Repeat
// ?topic= to watch several prefixes; ?session_id= narrows workflow events
// to one session.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, string(shared.KindTransientUpstream), "event bus not configured")
		return
	}
	q := r.URL.Query()
	filter, err := newEventFilter(q["topic"], q.Get("session_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorMessage(w, http.StatusInternalServerError, string(shared.KindInternal), "streaming not supported")
		return
	}

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	// Comment line so clients see the stream open before the first event.
	fmt.Fprint(w, ": ok\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !filter.match(ev) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("sse: marshal event", "topic", ev.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
				s.logger.Debug("sse: write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
