package config

import (
	"mira/internal/agentrun"
	"mira/internal/observability"
)

const (
	DefaultListenAddr     = "127.0.0.1:8420"
	DefaultEnvironment    = "development"
	DefaultHistorySize    = 256
	DefaultPrometheusPort = 9464
)

// RuntimeConfig captures user-configurable settings shared across binaries.
type RuntimeConfig struct {
	ListenAddr  string `json:"listen_addr" yaml:"listen_addr"`
	Environment string `json:"environment" yaml:"environment"`
	Verbose     bool   `json:"verbose" yaml:"verbose"`

	// Admission limits, keyed by task kind name. Unknown kinds are ignored
	// when the engine policy is built.
	ConcurrencyLimits map[string]int `json:"concurrency_limits" yaml:"concurrency_limits"`
	WaitingLimits     map[string]int `json:"waiting_limits" yaml:"waiting_limits"`
	OverflowPolicy    string         `json:"overflow_policy" yaml:"overflow_policy"`
	HistorySize       int            `json:"history_size" yaml:"history_size"`

	Observability observability.Config `json:"observability" yaml:"observability"`
}

// EnginePolicy converts the raw string-keyed limits into the runtime policy
// consumed by the admission engine. Entries for unknown kinds are dropped.
func (c RuntimeConfig) EnginePolicy() agentrun.RuntimePolicy {
	policy := agentrun.RuntimePolicy{
		ConcurrencyLimits: make(map[agentrun.TaskKind]int),
		WaitingLimits:     make(map[agentrun.TaskKind]int),
		Overflow:          agentrun.OverflowPolicy(c.OverflowPolicy),
	}
	for name, limit := range c.ConcurrencyLimits {
		kind := agentrun.TaskKind(name)
		if kind.Known() {
			policy.ConcurrencyLimits[kind] = limit
		}
	}
	for name, limit := range c.WaitingLimits {
		kind := agentrun.TaskKind(name)
		if kind.Known() {
			policy.WaitingLimits[kind] = limit
		}
	}
	return policy
}

func defaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		ListenAddr:        DefaultListenAddr,
		Environment:       DefaultEnvironment,
		ConcurrencyLimits: map[string]int{},
		WaitingLimits:     map[string]int{},
		OverflowPolicy:    string(agentrun.OverflowReplaceOldest),
		HistorySize:       DefaultHistorySize,
		Observability: observability.Config{
			Metrics: observability.MetricsConfig{
				Enabled:        false,
				PrometheusPort: DefaultPrometheusPort,
			},
			Tracing: observability.TracingConfig{
				Enabled:     false,
				Exporter:    "otlp",
				SampleRate:  1.0,
				ServiceName: "mira",
			},
		},
	}
}

func normalizeRuntimeConfig(cfg *RuntimeConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Environment == "" {
		cfg.Environment = DefaultEnvironment
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	switch agentrun.OverflowPolicy(cfg.OverflowPolicy) {
	case agentrun.OverflowReplaceOldest, agentrun.OverflowRejectNew:
	default:
		cfg.OverflowPolicy = string(agentrun.OverflowReplaceOldest)
	}
	if cfg.Observability.Metrics.PrometheusPort <= 0 {
		cfg.Observability.Metrics.PrometheusPort = DefaultPrometheusPort
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "mira"
	}
	if cfg.Observability.Tracing.Exporter == "" {
		cfg.Observability.Tracing.Exporter = "otlp"
	}
	if cfg.Observability.Tracing.SampleRate <= 0 || cfg.Observability.Tracing.SampleRate > 1.0 {
		cfg.Observability.Tracing.SampleRate = 1.0
	}
}
