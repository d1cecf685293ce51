// Package observability traces cache operations with OpenTelemetry. Tracing
// is off unless Init is called with an enabled Config; until then every span
// comes from a no-op tracer.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporters accepted in Config.Exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterNone     = "none"
)

// Config holds tracing settings.
type Config struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"` // host:port of the OTLP/HTTP collector
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // 0.0 to 1.0
}

type state struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var (
	mu      sync.RWMutex
	current = off()
)

func off() state {
	return state{tracer: noop.NewTracerProvider().Tracer("pagecache")}
}

// Init installs the tracer provider described by cfg. A disabled cfg
// restores the no-op tracer.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		swap(off())
		return nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	swap(state{tp: tp, tracer: tp.Tracer(cfg.ServiceName), enabled: true})
	return nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "otlp", "":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		return exp, nil
	case ExporterNone:
		return discardExporter{}, nil
	}
	return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
}

func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 || rate < 0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

func swap(s state) {
	mu.Lock()
	current = s
	mu.Unlock()
}

func load() state {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Shutdown flushes buffered spans and stops the provider installed by Init.
func Shutdown(ctx context.Context) error {
	s := load()
	if s.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.tp.Shutdown(ctx)
}

// Tracer returns the active tracer.
func Tracer() trace.Tracer { return load().tracer }

// Enabled reports whether spans are being recorded and exported.
func Enabled() bool { return load().enabled }

// discardExporter records spans without shipping them anywhere.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }

func (discardExporter) Shutdown(context.Context) error { return nil }
