package graph_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/graph"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T) *graph.Store {
	t.Helper()
	s, _ := openTestStoreWith(t, graph.Config{})
	return s
}

func openTestStoreWith(t *testing.T, cfg graph.Config) (*graph.Store, string) {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "graph.db")
	s, err := graph.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, cfg.Path
}

func mustNode(t *testing.T, s *graph.Store, typ graph.NodeType, title string) graph.Node {
	t.Helper()
	n, err := s.CreateNode(context.Background(), graph.NewNode{Type: typ, Title: title, CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("create %s node: %v", typ, err)
	}
	return n
}

func mustEdge(t *testing.T, s *graph.Store, typ graph.EdgeType, from, to string) graph.Edge {
	t.Helper()
	e, err := s.CreateEdge(context.Background(), graph.NewEdge{EdgeType: typ, SourceNodeID: from, TargetNodeID: to, CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("create %s edge: %v", typ, err)
	}
	return e
}

func ptr[T any](v T) *T { return &v }

func TestOpen_RecordsSchemaLedger(t *testing.T) {
	s := openTestStore(t)
	version, checksum, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected schema version 1, got %d", version)
	}
	if checksum != "tg-v1-2026-10-01-graph-ledger" {
		t.Fatalf("unexpected checksum %q", checksum)
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	s, path := openTestStoreWith(t, graph.Config{})
	n := mustNode(t, s, graph.NodeTask, "persist me")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := graph.Open(context.Background(), graph.Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetNode(context.Background(), n.ID, false)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Title != "persist me" || got.Version != 1 {
		t.Fatalf("unexpected node after reopen: %+v", got)
	}
}

func TestOpen_RejectsChecksumMismatch(t *testing.T) {
	s, path := openTestStoreWith(t, graph.Config{})
	if _, err := s.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper ledger: %v", err)
	}
	_ = s.Close()

	if _, err := graph.Open(context.Background(), graph.Config{Path: path}); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestSchema_HistoryIsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	n := mustNode(t, s, graph.NodeNote, "ledger")

	if _, err := s.DB().Exec(`UPDATE node_history SET change_reason = 'x' WHERE entity_id = ?;`, n.ID); err == nil {
		t.Fatal("expected update of node_history to fail")
	}
	if _, err := s.DB().Exec(`DELETE FROM node_history WHERE entity_id = ?;`, n.ID); err == nil {
		t.Fatal("expected delete from node_history to fail")
	}
	if _, err := s.DB().Exec(`DELETE FROM nodes WHERE id = ?;`, n.ID); err == nil {
		t.Fatal("expected hard delete of node to fail")
	}
}

func TestWriteGroup_CommitsAllWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var task, plan graph.Node
	err := s.WriteGroup(ctx, func(g *graph.Group) error {
		var err error
		if task, err = g.CreateNode(ctx, graph.NewNode{Type: graph.NodeTask, Title: "t", CreatedBy: "alice"}); err != nil {
			return err
		}
		if plan, err = g.CreateNode(ctx, graph.NewNode{Type: graph.NodePlan, Title: "p", CreatedBy: "alice"}); err != nil {
			return err
		}
		_, err = g.CreateEdge(ctx, graph.NewEdge{EdgeType: graph.EdgeTracesTo, SourceNodeID: plan.ID, TargetNodeID: task.ID, CreatedBy: "alice"})
		return err
	})
	if err != nil {
		t.Fatalf("write group: %v", err)
	}
	edges, err := s.ListEdges(ctx, plan.ID, graph.EdgeFilter{Direction: graph.Outgoing})
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 || edges[0].TargetNodeID != task.ID {
		t.Fatalf("expected one traces_to edge to task, got %+v", edges)
	}
}

func TestWriteGroup_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := bus.New()
	s2, _ := openTestStoreWith(t, graph.Config{Bus: b})
	sub := b.Subscribe("graph.")
	defer b.Unsubscribe(sub)

	for _, store := range []*graph.Store{s, s2} {
		var created graph.Node
		boom := errors.New("boom")
		err := store.WriteGroup(ctx, func(g *graph.Group) error {
			var err error
			created, err = g.CreateNode(ctx, graph.NewNode{Type: graph.NodeTask, Title: "doomed", CreatedBy: "alice"})
			if err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := store.GetNode(ctx, created.ID, true); !graph.IsNotFound(err) {
			t.Fatalf("expected rolled back node to be absent, got %v", err)
		}
		if _, err := store.GetHistory(ctx, created.ID); !graph.IsNotFound(err) {
			t.Fatalf("expected no history for rolled back node, got %v", err)
		}
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("expected no events after rollback, got %s", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWriteGroup_RollsBackOnPanic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var id string
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = s.WriteGroup(ctx, func(g *graph.Group) error {
			n, err := g.CreateNode(ctx, graph.NewNode{Type: graph.NodeTask, Title: "panic", CreatedBy: "alice"})
			if err != nil {
				return err
			}
			id = n.ID
			panic("mid-group failure")
		})
	}()

	if _, err := s.GetNode(ctx, id, true); !graph.IsNotFound(err) {
		t.Fatalf("expected node to be rolled back, got %v", err)
	}
	// The single connection must be usable again.
	mustNode(t, s, graph.NodeTask, "after panic")
}

func TestWriteGroup_CanceledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.WriteGroup(ctx, func(g *graph.Group) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWriteGroup_PublishesAfterCommit(t *testing.T) {
	b := bus.New()
	s, _ := openTestStoreWith(t, graph.Config{Bus: b})
	sub := b.Subscribe("graph.node.")
	defer b.Unsubscribe(sub)

	n := mustNode(t, s, graph.NodeTask, "announce")

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicNodeCreated {
			t.Fatalf("unexpected topic %s", ev.Topic)
		}
		p, ok := ev.Payload.(bus.EntityChanged)
		if !ok || p.EntityID != n.ID || p.Version != 1 || p.Operation != "create" {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for node.created")
	}
}

func TestWriteGroup_OnCommitRunsOnlyAfterCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ran := 0
	_ = s.WriteGroup(ctx, func(g *graph.Group) error {
		g.OnCommit(func() { ran++ })
		return errors.New("abort")
	})
	if ran != 0 {
		t.Fatalf("commit hook ran after rollback")
	}
	if err := s.WriteGroup(ctx, func(g *graph.Group) error {
		g.OnCommit(func() { ran++ })
		return nil
	}); err != nil {
		t.Fatalf("write group: %v", err)
	}
	if ran != 1 {
		t.Fatalf("expected hook to run once, ran %d", ran)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := mustNode(t, s, graph.NodeTask, "a")
	b := mustNode(t, s, graph.NodePlan, "b")
	mustEdge(t, s, graph.EdgeTracesTo, b.ID, a.ID)
	if _, err := s.SoftDeleteNode(ctx, a.ID, 1, "alice", "obsolete"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.ActiveNodes != 1 || st.DeletedNodes != 1 {
		t.Fatalf("unexpected node counts: %+v", st)
	}
	if st.ActiveEdges != 0 || st.DeletedEdges != 1 {
		t.Fatalf("expected the edge to be cascade-deleted: %+v", st)
	}
	if st.NodeHistory != 3 || st.EdgeHistory != 2 {
		t.Fatalf("unexpected history counts: %+v", st)
	}
}
