package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/workflow"
)

func TestSweeper_ExpiresOnlyIdleCompleteSessions(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("workflow.session.expired")
	defer b.Unsubscribe(sub)
	h := newHarness(t, func(c *workflow.Config) { c.Bus = b })
	ctx := context.Background()

	done, _ := h.toExecute(t, "Add retry to ingest job")
	finish(t, h, done, graph.OutcomePassed)
	open := h.toClarify(t, "Rotate the signing keys")

	now := time.Now()
	sw, err := workflow.NewSweeper(workflow.SweeperConfig{
		Engine:    h.engine,
		Retention: time.Hour,
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	n, err := sw.Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("nothing is idle yet, removed %d (%v)", n, err)
	}

	now = now.Add(2 * time.Hour)
	n, err = sw.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired session, got %d (%v)", n, err)
	}
	if _, err := h.engine.Get(ctx, done); err == nil {
		t.Fatal("complete session should be gone")
	}
	if _, err := h.engine.Get(ctx, open); err != nil {
		t.Fatalf("open session must be kept: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		if p, ok := ev.Payload.(bus.SessionAdvanced); !ok || p.SessionID != done {
			t.Fatalf("unexpected expiry event %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an expiry event")
	}
}

func TestSweeper_Schedule(t *testing.T) {
	h := newHarness(t)
	if _, err := workflow.NewSweeper(workflow.SweeperConfig{Engine: h.engine, Schedule: "not a cron"}); err == nil {
		t.Fatal("expected a parse error")
	}
	sw, err := workflow.NewSweeper(workflow.SweeperConfig{Engine: h.engine})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	from := time.Date(2026, 10, 1, 10, 7, 0, 0, time.UTC)
	if next := sw.NextRun(from); !next.Equal(time.Date(2026, 10, 1, 10, 15, 0, 0, time.UTC)) {
		t.Fatalf("expected the next quarter hour, got %v", next)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sw.Start(ctx)
	sw.Start(ctx)
	cancel()
	sw.Stop()
}
