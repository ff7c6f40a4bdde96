package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/taskgraph/internal/assist"
	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/gateway"
	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/workflow"
)

type testEnv struct {
	srv   *httptest.Server
	store *graph.Store
	bus   *bus.Bus
	gw    *gateway.Server
}

func newEnv(t *testing.T, mutate ...func(*gateway.Config)) *testEnv {
	t.Helper()
	b := bus.New()
	store, err := graph.Open(context.Background(), graph.Config{Path: filepath.Join(t.TempDir(), "graph.db"), Bus: b})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	engine, err := workflow.New(workflow.Config{Store: store, Generator: assist.New(), Bus: b})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	cfg := gateway.Config{Store: store, Engine: engine, Bus: b, ConfigFingerprint: "cfg-test"}
	for _, m := range mutate {
		m(&cfg)
	}
	gw := gateway.New(cfg)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, bus: b, gw: gw}
}

// do sends a JSON request and decodes the JSON response into out when out
// is non-nil. It returns the status code.
func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type sessionView struct {
	Session struct {
		ID     string `json:"id"`
		Stage  string `json:"stage"`
		TaskID string `json:"task_id"`
		RunID  string `json:"run_id"`
	} `json:"session"`
	Questions []string `json:"questions"`
}

type errorView struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
		Stage   string `json:"stage"`
	} `json:"error"`
}
