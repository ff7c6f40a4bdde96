package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Metrics holds the metric instruments.
type Metrics struct {
	StoreOpDuration    metric.Float64Histogram
	StoreConflicts     metric.Int64Counter
	TransitionDuration metric.Float64Histogram
	Transitions        metric.Int64Counter
	GeneratorDuration  metric.Float64Histogram
	RequestDuration    metric.Float64Histogram
	RateLimitRejects   metric.Int64Counter
	ActiveSessions     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StoreOpDuration, err = meter.Float64Histogram("taskgraph.store.op.duration",
		metric.WithDescription("Graph store operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreConflicts, err = meter.Int64Counter("taskgraph.store.conflicts",
		metric.WithDescription("Optimistic version conflicts, including ones retried internally"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionDuration, err = meter.Float64Histogram("taskgraph.workflow.transition.duration",
		metric.WithDescription("Workflow transition duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("taskgraph.workflow.transitions",
		metric.WithDescription("Workflow transitions by operation and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.GeneratorDuration, err = meter.Float64Histogram("taskgraph.generator.duration",
		metric.WithDescription("Text-generation collaborator call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("taskgraph.gateway.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("taskgraph.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("taskgraph.workflow.sessions.active",
		metric.WithDescription("Workflow sessions currently held by the session store"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Instruments bundles what components need to emit telemetry. A nil
// *Instruments is valid and records nothing.
type Instruments struct {
	Tracer  trace.Tracer
	Metrics *Metrics
}

// NoopInstruments returns instruments backed by no-op providers.
func NoopInstruments() *Instruments {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return &Instruments{
		Tracer:  nooptrace.NewTracerProvider().Tracer(TracerName),
		Metrics: m,
	}
}

// TracerOrNoop returns the tracer, or a no-op tracer for nil instruments.
func (in *Instruments) TracerOrNoop() trace.Tracer {
	if in == nil || in.Tracer == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return in.Tracer
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return AttrOutcome.String("error")
	}
	return AttrOutcome.String("ok")
}

// RecordStoreOp records one graph store operation.
func (in *Instruments) RecordStoreOp(ctx context.Context, op string, d time.Duration, err error) {
	if in == nil || in.Metrics == nil {
		return
	}
	in.Metrics.StoreOpDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(AttrStoreOp.String(op), outcome(err)))
}

// RecordConflict counts one optimistic version conflict.
func (in *Instruments) RecordConflict(ctx context.Context, entityKind string) {
	if in == nil || in.Metrics == nil {
		return
	}
	in.Metrics.StoreConflicts.Add(ctx, 1, metric.WithAttributes(AttrEntityKind.String(entityKind)))
}

// RecordTransition records one workflow transition attempt.
func (in *Instruments) RecordTransition(ctx context.Context, op, stage string, d time.Duration, err error) {
	if in == nil || in.Metrics == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOperation.String(op), AttrStage.String(stage), outcome(err))
	in.Metrics.TransitionDuration.Record(ctx, d.Seconds(), attrs)
	in.Metrics.Transitions.Add(ctx, 1, attrs)
}

// RecordGenerator records one collaborator call.
func (in *Instruments) RecordGenerator(ctx context.Context, call string, d time.Duration, err error) {
	if in == nil || in.Metrics == nil {
		return
	}
	in.Metrics.GeneratorDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(AttrGeneratorCall.String(call), outcome(err)))
}

// SessionDelta adjusts the active session gauge.
func (in *Instruments) SessionDelta(ctx context.Context, delta int64) {
	if in == nil || in.Metrics == nil {
		return
	}
	in.Metrics.ActiveSessions.Add(ctx, delta)
}

// RecordRequest records one gateway request.
func (in *Instruments) RecordRequest(ctx context.Context, route string, status int, d time.Duration) {
	if in == nil || in.Metrics == nil {
		return
	}
	in.Metrics.RequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(AttrRoute.String(route), AttrHTTPStatus.Int(status)))
}

// RecordRateLimitReject counts one rejected request.
func (in *Instruments) RecordRateLimitReject(ctx context.Context) {
	if in == nil || in.Metrics == nil {
		return
	}
	in.Metrics.RateLimitRejects.Add(ctx, 1)
}
