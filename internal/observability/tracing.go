package observability

import (
	"context"
	"fmt"

	id "mira/internal/utils/id"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures distributed tracing
type TracingConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	Exporter       string  `json:"exporter" yaml:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `json:"zipkin_endpoint" yaml:"zipkin_endpoint"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	ServiceVersion string  `json:"service_version" yaml:"service_version"`
}

// TracerProvider wraps OpenTelemetry tracer
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a new tracer provider
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		// Return noop tracer
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("mira"),
		}, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "mira"
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch config.Exporter {
	case "otlp":
		endpoint := config.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := config.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)

	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("mira"),
	}, nil
}

// Shutdown gracefully shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a new span, attaching run identifiers from the context
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ids := id.IDsFromContext(ctx)
	if ids.RunID != "" {
		attrs = append(attrs, attribute.String(AttrRunID, ids.RunID))
	}
	if ids.LogID != "" {
		attrs = append(attrs, attribute.String(AttrLogID, ids.LogID))
	}

	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common span names
const (
	SpanSubmitTask    = "mira.engine.submit"
	SpanExecuteRun    = "mira.run.execute"
	SpanHTTPServer    = "mira.http.request"
	SpanSSEConnection = "mira.sse.connection"
)

// Common attribute keys
const (
	AttrRunID     = "mira.run_id"
	AttrLogID     = "mira.log_id"
	AttrTaskKind  = "mira.task_kind"
	AttrSubjectID = "mira.subject_id"
	AttrSlotKey   = "mira.slot_key"
	AttrDecision  = "mira.decision"
)

// KindAttrs returns the standard attribute set identifying one owner.
func KindAttrs(kind, subjectID, slotKey string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTaskKind, kind),
		attribute.String(AttrSubjectID, subjectID),
		attribute.String(AttrSlotKey, slotKey),
	}
}
