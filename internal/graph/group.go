package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskgraph/internal/audit"
	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/shared"
)

// Group is one all-or-nothing multi-entity write. It is only valid inside
// the function passed to WriteGroup. Store methods must not be called from
// inside a group: the store has a single connection and they would block on
// it. Use the Group's own methods instead.
type Group struct {
	s        *Store
	tx       *sql.Tx
	events   []bus.Event
	onCommit []func()
}

// Tx exposes the underlying transaction so other tables of the same
// database can be written atomically with the graph.
func (g *Group) Tx() *sql.Tx { return g.tx }

// OnCommit registers fn to run after a successful commit.
func (g *Group) OnCommit(fn func()) {
	g.onCommit = append(g.onCommit, fn)
}

// Now returns the store clock, so callers stamp records consistently with
// the ledger.
func (g *Group) Now() time.Time { return g.s.now() }

func (g *Group) publish(topic string, payload any) {
	g.events = append(g.events, bus.Event{Topic: topic, Payload: payload})
}

// WriteGroup runs fn in one transaction. Any error returned by fn, a panic
// or a cancelled ctx rolls every write back. Bus events produced by the
// group's writes are published only after commit.
func (s *Store) WriteGroup(ctx context.Context, fn func(g *Group) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var tx *sql.Tx
	err := retryOnBusy(ctx, s.busyRetries, func() error {
		var berr error
		tx, berr = s.db.BeginTx(ctx, nil)
		return berr
	})
	if err != nil {
		return fmt.Errorf("begin write group: %w", err)
	}

	g := &Group{s: s, tx: tx}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(g); err != nil {
		_ = tx.Rollback()
		s.reportViolation(ctx, err)
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write group: %w", err)
	}

	traceID := shared.TraceID(ctx)
	for _, ev := range g.events {
		if p, ok := ev.Payload.(bus.EntityChanged); ok {
			p.TraceID = traceID
			ev.Payload = p
		}
		s.bus.Publish(ev.Topic, ev.Payload)
	}
	for _, f := range g.onCommit {
		f()
	}
	return nil
}

// reportViolation publishes and audits ledger/snapshot disagreements. It
// runs outside any transaction.
func (s *Store) reportViolation(ctx context.Context, err error) {
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Kind != shared.KindConsistencyViolation {
		return
	}
	s.logger.ErrorContext(ctx, "history consistency violation",
		"op", gerr.Op, "entity_id", gerr.EntityID,
		"expected", gerr.Expected, "actual", gerr.Actual, "reason", gerr.Reason)
	s.bus.Publish(bus.TopicConsistencyViolation, bus.EntityChanged{
		EntityID:  gerr.EntityID,
		Operation: gerr.Op,
		Version:   gerr.Actual,
		TraceID:   shared.TraceID(ctx),
	})
	audit.Record(ctx, "violation", "graph.consistency", gerr.Reason, gerr.EntityID)
}
