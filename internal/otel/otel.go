// Package otel wires OpenTelemetry tracing and metrics for the graph store,
// the workflow engine and the gateway. When disabled every provider is a
// no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	TracerName = "taskgraph"
	MeterName  = "taskgraph"
	// Version is reported as a resource attribute.
	Version = "v0.3-dev"

	defaultEndpoint = "localhost:4318"
)

type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type spanExporterFunc func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error)

// spanExporters maps otel.exporter values to constructors. "none" keeps
// spans in process: they still carry trace ids into logs and audit.
var spanExporters = map[string]spanExporterFunc{
	"none": func(context.Context, Config) (sdktrace.SpanExporter, error) { return nil, nil },
	"stdout": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	"otlp-http": func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	},
}

// Exporters lists the accepted otel.exporter values.
func Exporters() []string {
	names := make([]string, 0, len(spanExporters))
	for n := range spanExporters {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Option adjusts Init. Tests use them to observe what the daemon emits.
type Option func(*options)

type options struct {
	spans   sdktrace.SpanExporter
	readers []sdkmetric.Reader
}

// WithSpanExporter sends spans to exp instead of the configured exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.spans = exp }
}

// WithMetricReader attaches a metric reader to the meter provider.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.readers = append(o.readers, r) }
}

// Provider owns the SDK providers and the instrument set built on them.
// Components receive Instruments; only the daemon touches the Provider.
type Provider struct {
	Instruments *Instruments

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init builds the tracer and meter providers and the taskgraph instruments.
// A disabled config yields no-op instruments and a Provider whose Shutdown
// does nothing.
func Init(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{Instruments: NoopInstruments()}, nil
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	exp := o.spans
	if exp == nil {
		newExp, ok := spanExporters[cfg.Exporter]
		if !ok {
			return nil, fmt.Errorf("unknown otel exporter %q (supported: %v)", cfg.Exporter, Exporters())
		}
		if exp, err = newExp(ctx, cfg); err != nil {
			return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
		}
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}
	if exp != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create metrics: %w", err), tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return &Provider{
		Instruments: &Instruments{Tracer: tp.Tracer(TracerName), Metrics: m},
		tp:          tp,
		mp:          mp,
	}, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "taskgraph"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		attribute.String("taskgraph.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// ForceFlush pushes buffered spans to the exporter.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}
