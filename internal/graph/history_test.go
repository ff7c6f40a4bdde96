package graph_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/shared"
)

func TestHistory_NMutationsYieldNPlusOneRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, mutations := range []int{0, 1, 7} {
		n := mustNode(t, s, graph.NodeTask, fmt.Sprintf("n=%d", mutations))
		for i := 0; i < mutations; i++ {
			var err error
			n, err = s.UpdateNode(ctx, n.ID, n.Version, graph.NodePatch{Description: ptr(fmt.Sprintf("rev %d", i))}, "alice", "revise")
			if err != nil {
				t.Fatalf("update %d: %v", i, err)
			}
		}
		if n.Version != mutations+1 {
			t.Fatalf("expected version %d, got %d", mutations+1, n.Version)
		}

		hist, err := s.GetHistory(ctx, n.ID)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(hist) != mutations+1 {
			t.Fatalf("expected %d records, got %d", mutations+1, len(hist))
		}
		for i, rec := range hist {
			if rec.Version != i+1 {
				t.Fatalf("record %d has version %d", i, rec.Version)
			}
			if i > 0 && string(rec.BeforeState) != string(hist[i-1].AfterState) {
				t.Fatalf("record %d before state does not chain to previous after state", i)
			}
		}

		replayed, err := s.ReplayNode(ctx, n.ID)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if replayed.Version != n.Version || replayed.Description != n.Description {
			t.Fatalf("replay mismatch: %+v vs %+v", replayed, n)
		}
	}
}

func TestReplayNode_IncludesDeletion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	n := mustNode(t, s, graph.NodeNote, "short lived")
	if _, err := s.SoftDeleteNode(ctx, n.ID, 1, "alice", "done"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	replayed, err := s.ReplayNode(ctx, n.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.DeletedAt == nil || replayed.Version != 2 {
		t.Fatalf("expected deleted snapshot at version 2, got %+v", replayed)
	}
}

func TestReplayEdge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := mustNode(t, s, graph.NodeTask, "a")
	b := mustNode(t, s, graph.NodeTask, "b")
	e := mustEdge(t, s, graph.EdgeBlocks, a.ID, b.ID)
	if _, err := s.UpdateEdge(ctx, e.ID, 1, graph.EdgePatch{Metadata: graph.Metadata{"note": "hard dependency"}}, "alice", "annotate"); err != nil {
		t.Fatalf("update: %v", err)
	}
	replayed, err := s.ReplayEdge(ctx, e.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Version != 2 || replayed.Metadata["note"] != "hard dependency" {
		t.Fatalf("unexpected replayed edge %+v", replayed)
	}
}

func TestReplayNode_DetectsTamperedSnapshot(t *testing.T) {
	b := bus.New()
	s, _ := openTestStoreWith(t, graph.Config{Bus: b})
	sub := b.Subscribe(bus.TopicConsistencyViolation)
	defer b.Unsubscribe(sub)
	ctx := context.Background()

	n := mustNode(t, s, graph.NodeTask, "honest")
	if _, err := s.DB().Exec(`UPDATE nodes SET title = 'forged' WHERE id = ?;`, n.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err := s.ReplayNode(ctx, n.ID)
	if !errors.Is(err, graph.ErrConsistencyViolation) {
		t.Fatalf("expected consistency violation, got %v", err)
	}
	if shared.KindOf(err) != shared.KindConsistencyViolation {
		t.Fatalf("unexpected kind %s", shared.KindOf(err))
	}
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicConsistencyViolation {
			t.Fatalf("unexpected topic %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a consistency violation event")
	}
}

func TestUpdateNode_RefusesWhenLedgerDisagrees(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	n := mustNode(t, s, graph.NodeTask, "drifted")
	// Snapshot claims version 3 while the ledger only has version 1.
	if _, err := s.DB().Exec(`UPDATE nodes SET version = 3 WHERE id = ?;`, n.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err := s.UpdateNode(ctx, n.ID, 3, graph.NodePatch{Status: ptr("planned")}, "alice", "try")
	var gerr *graph.Error
	if !errors.As(err, &gerr) || gerr.Kind != shared.KindConsistencyViolation {
		t.Fatalf("expected consistency violation, got %v", err)
	}
	if gerr.Expected != 3 || gerr.Actual != 1 {
		t.Fatalf("expected snapshot 3 vs ledger 1, got %d/%d", gerr.Expected, gerr.Actual)
	}
	hist, _ := s.GetHistory(ctx, n.ID)
	if len(hist) != 1 {
		t.Fatalf("no history may be written on violation, got %d records", len(hist))
	}
}

func TestGetHistory_Missing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetHistory(context.Background(), "ghost")
	if !graph.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetHistory_EntityWithoutLedger(t *testing.T) {
	s := openTestStore(t)
	now := "2026-03-01T09:00:00.000000000Z"
	if _, err := s.DB().Exec(`
		INSERT INTO nodes (id, type, title, status, created_by, created_at, updated_at, version)
		VALUES ('orphan', 'note', 'orphan', 'active', 'import', ?, ?, 1);
	`, now, now); err != nil {
		t.Fatalf("insert orphan: %v", err)
	}
	_, err := s.GetHistory(context.Background(), "orphan")
	if !errors.Is(err, graph.ErrConsistencyViolation) {
		t.Fatalf("expected consistency violation, got %v", err)
	}
}

func TestNodeAsOf(t *testing.T) {
	clock := newFakeClock()
	s, _ := openTestStoreWith(t, graph.Config{Now: clock.Now})
	ctx := context.Background()

	beforeCreate := clock.Now().Add(-time.Minute)
	n := mustNode(t, s, graph.NodeTask, "v1")
	afterCreate := clock.Now().Add(time.Second)

	clock.Advance(time.Hour)
	if _, err := s.UpdateNode(ctx, n.ID, 1, graph.NodePatch{Title: ptr("v2")}, "alice", "rename"); err != nil {
		t.Fatalf("update: %v", err)
	}
	afterUpdate := clock.Now().Add(time.Second)

	if _, err := s.NodeAsOf(ctx, n.ID, beforeCreate); !graph.IsNotFound(err) {
		t.Fatalf("expected not found before creation, got %v", err)
	}
	got, err := s.NodeAsOf(ctx, n.ID, afterCreate)
	if err != nil || got.Title != "v1" || got.Version != 1 {
		t.Fatalf("expected v1 snapshot, got %+v (%v)", got, err)
	}
	got, err = s.NodeAsOf(ctx, n.ID, afterUpdate)
	if err != nil || got.Title != "v2" || got.Version != 2 {
		t.Fatalf("expected v2 snapshot, got %+v (%v)", got, err)
	}
}
