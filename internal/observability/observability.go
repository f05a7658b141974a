package observability

import "context"

// Config bundles every observability subsystem's configuration.
type Config struct {
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// Observability aggregates the metrics collector and tracer provider so
// callers can wire both with one handle.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerProvider
}

// New builds the observability stack from config. Disabled subsystems come
// back as functional no-ops, so callers never need nil checks.
func New(cfg Config) (*Observability, error) {
	metrics, err := NewMetricsCollector(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracerProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	return &Observability{
		Metrics: metrics,
		Tracer:  tracer,
	}, nil
}

// Shutdown stops the metrics server and flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	var firstErr error
	if o.Metrics != nil {
		if err := o.Metrics.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if o.Tracer != nil {
		if err := o.Tracer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
