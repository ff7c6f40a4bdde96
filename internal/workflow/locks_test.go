package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/shared"
)

func TestSessionLocks_SerializeAndCleanUp(t *testing.T) {
	l := newSessionLocks()
	unlock, err := l.lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.lock(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second holder should wait until its context ends, got %v", err)
	}

	other, err := l.lock(context.Background(), "s2")
	if err != nil {
		t.Fatalf("distinct sessions must not block each other: %v", err)
	}
	other()

	unlock()
	unlock()
	if n := l.size(); n != 0 {
		t.Fatalf("expected no lock entries left, got %d", n)
	}
}

func TestError_FormatAndMatching(t *testing.T) {
	err := annotate("approve", "sess-1", StageApprove, validation("a reason is required"))
	want := "workflow approve at approve (session sess-1): a reason is required"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidTransition) {
		t.Fatal("sentinel matching is by kind")
	}

	wrapped := annotate("plan", "sess-1", StagePlan, fmt.Errorf("load task: %w", &graph.Error{Kind: shared.KindNotFound, Op: "get node", EntityID: "n1", Reason: "node does not exist or is deleted"}))
	if shared.KindOf(wrapped) != shared.KindNotFound || !errors.Is(wrapped, graph.ErrNotFound) {
		t.Fatalf("graph errors keep their kind and identity, got %v", wrapped)
	}
	if StageOf(wrapped) != StagePlan {
		t.Fatalf("expected stage plan, got %q", StageOf(wrapped))
	}
}

func TestSessionClarifications(t *testing.T) {
	s := &Session{Stage: StageClarify}
	now := time.Now()
	s.addMessage(RoleUser, "it drops batches", now)
	s.addMessage(RoleAssistant, "how often?", now)
	s.addMessage(RoleUser, "daily", now)
	s.Stage = StagePlan
	s.addMessage(RoleUser, "ignored", now)

	turns := s.clarifications()
	if len(turns) != 2 || turns[0].Question != "" || turns[1].Question != "how often?" || turns[1].Answer != "daily" {
		t.Fatalf("unexpected turns %+v", turns)
	}
}
