package otel

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, record func(in *Instruments)) map[string]metricdata.Metrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, WithMetricReader(reader))
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	record(p.Instruments)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestInstruments_EmitTaskgraphMetrics(t *testing.T) {
	ctx := context.Background()
	got := collect(t, func(in *Instruments) {
		in.RecordStoreOp(ctx, "update_node", 3*time.Millisecond, nil)
		in.RecordConflict(ctx, "node")
		in.RecordConflict(ctx, "node")
		in.RecordTransition(ctx, "approve", "approve", time.Millisecond, errors.New("stale gate"))
		in.RecordGenerator(ctx, "clarification", 20*time.Millisecond, nil)
		in.SessionDelta(ctx, 2)
		in.SessionDelta(ctx, -1)
		in.RecordRequest(ctx, "GET /api/nodes/{id}", 404, time.Millisecond)
		in.RecordRateLimitReject(ctx)
	})

	names := make([]string, 0, len(got))
	for n := range got {
		names = append(names, n)
	}
	slices.Sort(names)
	want := []string{
		"taskgraph.gateway.request.duration",
		"taskgraph.generator.duration",
		"taskgraph.ratelimit.rejects",
		"taskgraph.store.conflicts",
		"taskgraph.store.op.duration",
		"taskgraph.workflow.sessions.active",
		"taskgraph.workflow.transition.duration",
		"taskgraph.workflow.transitions",
	}
	if !slices.Equal(names, want) {
		t.Fatalf("metric names = %v, want %v", names, want)
	}

	conflicts := got["taskgraph.store.conflicts"].Data.(metricdata.Sum[int64])
	if len(conflicts.DataPoints) != 1 || conflicts.DataPoints[0].Value != 2 {
		t.Fatalf("unexpected conflict points %+v", conflicts.DataPoints)
	}
	if v, _ := conflicts.DataPoints[0].Attributes.Value(AttrEntityKind); v.AsString() != "node" {
		t.Fatalf("conflicts should be keyed by entity kind, got %v", conflicts.DataPoints[0].Attributes)
	}

	active := got["taskgraph.workflow.sessions.active"].Data.(metricdata.Sum[int64])
	if active.IsMonotonic || active.DataPoints[0].Value != 1 {
		t.Fatalf("active sessions should be a non-monotonic 1, got %+v", active)
	}

	transitions := got["taskgraph.workflow.transitions"].Data.(metricdata.Sum[int64])
	wantAttrs := attribute.NewSet(AttrOperation.String("approve"), AttrStage.String("approve"), AttrOutcome.String("error"))
	if !transitions.DataPoints[0].Attributes.Equals(&wantAttrs) {
		t.Fatalf("unexpected transition attributes %v", transitions.DataPoints[0].Attributes)
	}

	reqs := got["taskgraph.gateway.request.duration"]
	if reqs.Unit != "s" || reqs.Data.(metricdata.Histogram[float64]).DataPoints[0].Count != 1 {
		t.Fatalf("unexpected request histogram %+v", reqs)
	}
}

func TestInstruments_NilSafe(t *testing.T) {
	var in *Instruments
	ctx := context.Background()
	in.RecordStoreOp(ctx, "create_node", time.Millisecond, nil)
	in.RecordConflict(ctx, "edge")
	in.RecordTransition(ctx, "plan", "plan", time.Millisecond, nil)
	in.RecordGenerator(ctx, "plan", time.Millisecond, nil)
	in.SessionDelta(ctx, 1)
	in.RecordRequest(ctx, "GET /healthz", 200, time.Millisecond)
	in.RecordRateLimitReject(ctx)
	if in.TracerOrNoop() == nil {
		t.Fatal("nil instruments should still yield a tracer")
	}
}

func TestNoopInstruments(t *testing.T) {
	in := NoopInstruments()
	if in.Tracer == nil || in.Metrics == nil {
		t.Fatal("expected noop tracer and metrics")
	}
	in.RecordStoreOp(context.Background(), "get_node", time.Millisecond, nil)
}
