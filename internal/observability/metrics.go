package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the run engine
type MetricsCollector struct {
	meter metric.Meter

	// Admission metrics
	submissions  metric.Int64Counter
	runsActive   metric.Int64UpDownCounter
	waitingDepth metric.Int64UpDownCounter
	drops        metric.Int64Counter
	promotions   metric.Int64Counter

	// Run lifecycle metrics
	runDuration  metric.Float64Histogram
	terminalRuns metric.Int64Counter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	PrometheusPort int  `json:"prometheus_port" yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("mira")

	submissions, err := meter.Int64Counter(
		"mira.runs.submissions.total",
		metric.WithDescription("Total task submissions by kind and admission decision"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create submissions counter: %w", err)
	}

	runsActive, err := meter.Int64UpDownCounter(
		"mira.runs.active",
		metric.WithDescription("Number of currently active runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs_active gauge: %w", err)
	}

	waitingDepth, err := meter.Int64UpDownCounter(
		"mira.runs.waiting",
		metric.WithDescription("Number of runs parked in waiting queues"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create waiting_depth gauge: %w", err)
	}

	drops, err := meter.Int64Counter(
		"mira.runs.dropped.total",
		metric.WithDescription("Waiting entries dropped, by reason"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drops counter: %w", err)
	}

	promotions, err := meter.Int64Counter(
		"mira.runs.promotions.total",
		metric.WithDescription("Waiting runs promoted into a freed slot"),
		metric.WithUnit("{promotion}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create promotions counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		"mira.runs.duration",
		metric.WithDescription("Active-run duration from activation to terminal phase in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run_duration histogram: %w", err)
	}

	terminalRuns, err := meter.Int64Counter(
		"mira.runs.terminal.total",
		metric.WithDescription("Runs reaching a terminal phase, by phase"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create terminal_runs counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:        meter,
		submissions:  submissions,
		runsActive:   runsActive,
		waitingDepth: waitingDepth,
		drops:        drops,
		promotions:   promotions,
		runDuration:  runDuration,
		terminalRuns: terminalRuns,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordSubmission records one admission decision
func (m *MetricsCollector) RecordSubmission(ctx context.Context, kind string, decision string) {
	if m.submissions == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("decision", decision),
	))
}

// IncrementActiveRuns bumps the active-run gauge for kind
func (m *MetricsCollector) IncrementActiveRuns(ctx context.Context, kind string) {
	if m.runsActive == nil {
		return
	}
	m.runsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// DecrementActiveRuns lowers the active-run gauge for kind
func (m *MetricsCollector) DecrementActiveRuns(ctx context.Context, kind string) {
	if m.runsActive == nil {
		return
	}
	m.runsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", kind)))
}

// AddWaitingDepth adjusts the waiting-queue gauge for kind by delta
func (m *MetricsCollector) AddWaitingDepth(ctx context.Context, kind string, delta int64) {
	if m.waitingDepth == nil {
		return
	}
	m.waitingDepth.Add(ctx, delta, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDrop records a waiting entry leaving the queue without running
func (m *MetricsCollector) RecordDrop(ctx context.Context, kind string, reason string) {
	if m.drops == nil {
		return
	}
	m.drops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	))
}

// RecordPromotion records a waiting run promoted into a freed slot
func (m *MetricsCollector) RecordPromotion(ctx context.Context, kind string) {
	if m.promotions == nil {
		return
	}
	m.promotions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTerminalRun records a run reaching its terminal phase
func (m *MetricsCollector) RecordTerminalRun(ctx context.Context, kind string, phase string, duration time.Duration) {
	if m.terminalRuns != nil {
		m.terminalRuns.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("phase", phase),
		))
	}
	if m.runDuration != nil && duration > 0 {
		m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
	}
}
