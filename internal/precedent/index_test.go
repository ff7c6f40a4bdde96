package precedent_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/precedent"
)

type fakeLister struct {
	nodes []graph.Node
	err   error
	calls int
}

func (f *fakeLister) ListNodes(_ context.Context, q graph.NodeQuery) ([]graph.Node, int, error) {
	f.calls++
	if f.err != nil {
		return nil, 0, f.err
	}
	if q.Offset >= len(f.nodes) {
		return nil, len(f.nodes), nil
	}
	end := min(q.Offset+q.Limit, len(f.nodes))
	return f.nodes[q.Offset:end], len(f.nodes), nil
}

func precedentNode(t *testing.T, id, pattern string, success, failure int, updated time.Time) graph.Node {
	t.Helper()
	meta, err := graph.EncodeMeta(graph.PrecedentMeta{TaskPattern: precedent.Normalize(pattern), SuccessCount: success, FailureCount: failure})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return graph.Node{ID: id, Type: graph.NodePrecedent, Title: pattern, Metadata: meta, UpdatedAt: updated}
}

func TestNormalize(t *testing.T) {
	got := precedent.Normalize("Migrate the Postgres schema, and migrate THE postgres-replica!")
	want := "migrate postgres replica schema"
	if got != want {
		t.Fatalf("Normalize = %q, want %q", got, want)
	}
	if precedent.Normalize("the and of") != "" {
		t.Fatal("stopword-only input must normalise to empty")
	}
}

func TestSimilarity(t *testing.T) {
	a := precedent.Normalize("rotate oauth signing keys")
	if s := precedent.Similarity(a, a); s < 0.999 {
		t.Fatalf("identical patterns should score 1, got %v", s)
	}
	near := precedent.Similarity(a, precedent.Normalize("rotate oauth keys"))
	far := precedent.Similarity(a, precedent.Normalize("kubernetes ingress certificate"))
	if near <= far {
		t.Fatalf("expected overlap to score higher: near=%v far=%v", near, far)
	}
	if near <= 0 || near >= 1 {
		t.Fatalf("partial overlap must be strictly between 0 and 1, got %v", near)
	}
}

func TestCursor_IsLazyAndSingleUse(t *testing.T) {
	now := time.Now()
	store := &fakeLister{nodes: []graph.Node{
		precedentNode(t, "p1", "rotate oauth signing keys", 1, 0, now),
	}}
	ix := precedent.New(store, precedent.Options{})

	cur := ix.FindPrecedents(context.Background(), "rotate the oauth keys", 0)
	if store.calls != 0 {
		t.Fatal("store must not be queried before iteration")
	}

	count := 0
	for n, score := range cur.All() {
		count++
		if n.ID != "p1" || score <= 0 {
			t.Fatalf("unexpected match %s %v", n.ID, score)
		}
	}
	if count != 1 || store.calls != 1 {
		t.Fatalf("expected one match from one query, got %d matches and %d queries", count, store.calls)
	}

	for range cur.All() {
		t.Fatal("a second iteration must yield nothing")
	}
	if store.calls != 1 {
		t.Fatal("a second iteration must not query the store")
	}
}

func TestCursor_RanksAndBreaksTies(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeLister{nodes: []graph.Node{
		precedentNode(t, "weak-match", "rotate certificates", 9, 0, base),
		precedentNode(t, "tie-low-ratio", "rotate oauth signing keys", 1, 3, base.Add(time.Hour)),
		precedentNode(t, "tie-high-ratio-old", "rotate oauth signing keys", 3, 1, base),
		precedentNode(t, "tie-high-ratio-new", "rotate oauth signing keys", 3, 1, base.Add(2*time.Hour)),
		precedentNode(t, "unrelated", "kubernetes ingress", 5, 0, base),
	}}
	ix := precedent.New(store, precedent.Options{})

	got, err := ix.FindPrecedents(context.Background(), "Rotate OAuth signing keys", 10).Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	wantOrder := []string{"tie-high-ratio-new", "tie-high-ratio-old", "tie-low-ratio", "weak-match"}
	if len(got) != len(wantOrder) {
		ids := make([]string, len(got))
		for i, m := range got {
			ids[i] = m.Node.ID
		}
		t.Fatalf("expected %v, got %v", wantOrder, ids)
	}
	for i, id := range wantOrder {
		if got[i].Node.ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].Node.ID)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatal("scores must be non-increasing")
		}
	}
}

func TestCursor_RespectsLimit(t *testing.T) {
	now := time.Now()
	var nodes []graph.Node
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		nodes = append(nodes, precedentNode(t, id, "deploy payment webhook", 1, 0, now))
	}
	ix := precedent.New(&fakeLister{nodes: nodes}, precedent.Options{})

	got, err := ix.FindPrecedents(context.Background(), "deploy payment webhook", 0).Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(got) != precedent.DefaultLimit {
		t.Fatalf("expected default limit %d, got %d", precedent.DefaultLimit, len(got))
	}
	got, _ = ix.FindPrecedents(context.Background(), "deploy payment webhook", 2).Collect()
	if len(got) != 2 {
		t.Fatalf("expected 2, got %d", len(got))
	}
}

func TestCursor_EmptyAndFailingStores(t *testing.T) {
	ix := precedent.New(&fakeLister{}, precedent.Options{})
	got, err := ix.FindPrecedents(context.Background(), "anything at all", 5).Collect()
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %d (%v)", len(got), err)
	}

	boom := errors.New("disk on fire")
	cur := precedent.New(&fakeLister{err: boom}, precedent.Options{}).FindPrecedents(context.Background(), "rotate keys", 5)
	for range cur.All() {
		t.Fatal("failing store must yield nothing")
	}
	if !errors.Is(cur.Err(), boom) {
		t.Fatalf("expected store error from Err, got %v", cur.Err())
	}
}

func TestIndex_AgainstGraphStore(t *testing.T) {
	ctx := context.Background()
	s, err := graph.Open(ctx, graph.Config{Path: filepath.Join(t.TempDir(), "graph.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	meta, _ := graph.EncodeMeta(graph.PrecedentMeta{TaskPattern: precedent.Normalize("upgrade postgres major version"), SuccessCount: 2})
	p, err := s.CreateNode(ctx, graph.NewNode{Type: graph.NodePrecedent, Title: "postgres upgrade", CreatedBy: "system", Metadata: meta})
	if err != nil {
		t.Fatalf("create precedent: %v", err)
	}
	if _, err := s.CreateNode(ctx, graph.NewNode{Type: graph.NodeTask, Title: "upgrade postgres", CreatedBy: "alice"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := precedent.New(s, precedent.Options{}).FindPrecedents(ctx, "Upgrade Postgres to the next major version", 5).Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(got) != 1 || got[0].Node.ID != p.ID {
		t.Fatalf("expected only the precedent node, got %+v", got)
	}
}
