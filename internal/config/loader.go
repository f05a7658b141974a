package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mira/internal/agentrun"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// DefaultConfigFileName is the per-user configuration file resolved under the
// home directory when no explicit path is given.
const DefaultConfigFileName = ".mira-config.yaml"

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
	path     string
}

// Source returns the origin for the given configuration field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Path returns the configuration file the loader consulted, empty when none
// was found.
func (m Metadata) Path() string {
	return m.path
}

// Overrides conveys caller-specified values that should win over env/file sources.
type Overrides struct {
	ListenAddr     *string
	Environment    *string
	Verbose        *bool
	OverflowPolicy *string
	HistorySize    *int
	MetricsEnabled *bool
	PrometheusPort *int
	TracingEnabled *bool
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath forces the loader to read configuration from a specific file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir overrides how the loader resolves the user's home directory.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Load constructs the runtime configuration by merging defaults, file, env
// and overrides, in that order of precedence.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := defaultRuntimeConfig()

	if err := applyFile(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	normalizeRuntimeConfig(&cfg)
	return cfg, meta, nil
}

func resolveConfigPath(options loadOptions) (string, error) {
	if options.configPath != "" {
		return options.configPath, nil
	}
	home, err := options.homeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigFileName), nil
}

func applyFile(cfg *RuntimeConfig, meta *Metadata, options loadOptions) error {
	path, err := resolveConfigPath(options)
	if err != nil {
		return err
	}

	data, err := options.readFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var fromFile RuntimeConfig
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	meta.path = path

	if fromFile.ListenAddr != "" {
		cfg.ListenAddr = fromFile.ListenAddr
		meta.sources["listen_addr"] = SourceFile
	}
	if fromFile.Environment != "" {
		cfg.Environment = fromFile.Environment
		meta.sources["environment"] = SourceFile
	}
	if fromFile.Verbose {
		cfg.Verbose = true
		meta.sources["verbose"] = SourceFile
	}
	if fromFile.OverflowPolicy != "" {
		cfg.OverflowPolicy = fromFile.OverflowPolicy
		meta.sources["overflow_policy"] = SourceFile
	}
	if fromFile.HistorySize > 0 {
		cfg.HistorySize = fromFile.HistorySize
		meta.sources["history_size"] = SourceFile
	}
	for kind, limit := range fromFile.ConcurrencyLimits {
		cfg.ConcurrencyLimits[kind] = limit
		meta.sources["concurrency_limits."+kind] = SourceFile
	}
	for kind, limit := range fromFile.WaitingLimits {
		cfg.WaitingLimits[kind] = limit
		meta.sources["waiting_limits."+kind] = SourceFile
	}
	if fromFile.Observability.Metrics.Enabled {
		cfg.Observability.Metrics.Enabled = true
		meta.sources["observability.metrics.enabled"] = SourceFile
	}
	if fromFile.Observability.Metrics.PrometheusPort > 0 {
		cfg.Observability.Metrics.PrometheusPort = fromFile.Observability.Metrics.PrometheusPort
		meta.sources["observability.metrics.prometheus_port"] = SourceFile
	}
	if fromFile.Observability.Tracing.Enabled {
		cfg.Observability.Tracing.Enabled = true
		meta.sources["observability.tracing.enabled"] = SourceFile
	}
	if fromFile.Observability.Tracing.Exporter != "" {
		cfg.Observability.Tracing.Exporter = fromFile.Observability.Tracing.Exporter
		meta.sources["observability.tracing.exporter"] = SourceFile
	}
	if fromFile.Observability.Tracing.OTLPEndpoint != "" {
		cfg.Observability.Tracing.OTLPEndpoint = fromFile.Observability.Tracing.OTLPEndpoint
		meta.sources["observability.tracing.otlp_endpoint"] = SourceFile
	}
	if fromFile.Observability.Tracing.ZipkinEndpoint != "" {
		cfg.Observability.Tracing.ZipkinEndpoint = fromFile.Observability.Tracing.ZipkinEndpoint
		meta.sources["observability.tracing.zipkin_endpoint"] = SourceFile
	}
	if fromFile.Observability.Tracing.SampleRate > 0 {
		cfg.Observability.Tracing.SampleRate = fromFile.Observability.Tracing.SampleRate
		meta.sources["observability.tracing.sample_rate"] = SourceFile
	}
	if fromFile.Observability.Tracing.ServiceName != "" {
		cfg.Observability.Tracing.ServiceName = fromFile.Observability.Tracing.ServiceName
		meta.sources["observability.tracing.service_name"] = SourceFile
	}
	return nil
}

func applyEnv(cfg *RuntimeConfig, meta *Metadata, options loadOptions) error {
	lookup := options.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}

	setString := func(key, field string, target *string) {
		if value, ok := lookup(key); ok && value != "" {
			*target = value
			meta.sources[field] = SourceEnv
		}
	}
	setBool := func(key, field string, target *bool) error {
		value, ok := lookup(key)
		if !ok || value == "" {
			return nil
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %q", key, value)
		}
		*target = parsed
		meta.sources[field] = SourceEnv
		return nil
	}
	setInt := func(key, field string, target *int) error {
		value, ok := lookup(key)
		if !ok || value == "" {
			return nil
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer for %s: %q", key, value)
		}
		*target = parsed
		meta.sources[field] = SourceEnv
		return nil
	}

	setString("MIRA_LISTEN_ADDR", "listen_addr", &cfg.ListenAddr)
	setString("MIRA_ENVIRONMENT", "environment", &cfg.Environment)
	setString("MIRA_OVERFLOW_POLICY", "overflow_policy", &cfg.OverflowPolicy)
	setString("MIRA_TRACING_EXPORTER", "observability.tracing.exporter", &cfg.Observability.Tracing.Exporter)
	setString("MIRA_OTLP_ENDPOINT", "observability.tracing.otlp_endpoint", &cfg.Observability.Tracing.OTLPEndpoint)
	setString("MIRA_ZIPKIN_ENDPOINT", "observability.tracing.zipkin_endpoint", &cfg.Observability.Tracing.ZipkinEndpoint)

	if err := setBool("MIRA_VERBOSE", "verbose", &cfg.Verbose); err != nil {
		return err
	}
	if err := setBool("MIRA_METRICS_ENABLED", "observability.metrics.enabled", &cfg.Observability.Metrics.Enabled); err != nil {
		return err
	}
	if err := setBool("MIRA_TRACING_ENABLED", "observability.tracing.enabled", &cfg.Observability.Tracing.Enabled); err != nil {
		return err
	}
	if err := setInt("MIRA_HISTORY_SIZE", "history_size", &cfg.HistorySize); err != nil {
		return err
	}
	if err := setInt("MIRA_METRICS_PORT", "observability.metrics.prometheus_port", &cfg.Observability.Metrics.PrometheusPort); err != nil {
		return err
	}

	// Per-kind limits, e.g. MIRA_SUMMARY_CONCURRENCY and MIRA_SUMMARY_WAITING_LIMIT.
	for _, kind := range agentrun.Kinds() {
		upper := strings.ToUpper(string(kind))
		var limit int
		if err := setInt("MIRA_"+upper+"_CONCURRENCY", "concurrency_limits."+string(kind), &limit); err != nil {
			return err
		}
		if meta.sources["concurrency_limits."+string(kind)] == SourceEnv {
			cfg.ConcurrencyLimits[string(kind)] = limit
		}
		limit = 0
		if err := setInt("MIRA_"+upper+"_WAITING_LIMIT", "waiting_limits."+string(kind), &limit); err != nil {
			return err
		}
		if meta.sources["waiting_limits."+string(kind)] == SourceEnv {
			cfg.WaitingLimits[string(kind)] = limit
		}
	}
	return nil
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, overrides Overrides) {
	if overrides.ListenAddr != nil {
		cfg.ListenAddr = *overrides.ListenAddr
		meta.sources["listen_addr"] = SourceOverride
	}
	if overrides.Environment != nil {
		cfg.Environment = *overrides.Environment
		meta.sources["environment"] = SourceOverride
	}
	if overrides.Verbose != nil {
		cfg.Verbose = *overrides.Verbose
		meta.sources["verbose"] = SourceOverride
	}
	if overrides.OverflowPolicy != nil {
		cfg.OverflowPolicy = *overrides.OverflowPolicy
		meta.sources["overflow_policy"] = SourceOverride
	}
	if overrides.HistorySize != nil {
		cfg.HistorySize = *overrides.HistorySize
		meta.sources["history_size"] = SourceOverride
	}
	if overrides.MetricsEnabled != nil {
		cfg.Observability.Metrics.Enabled = *overrides.MetricsEnabled
		meta.sources["observability.metrics.enabled"] = SourceOverride
	}
	if overrides.PrometheusPort != nil {
		cfg.Observability.Metrics.PrometheusPort = *overrides.PrometheusPort
		meta.sources["observability.metrics.prometheus_port"] = SourceOverride
	}
	if overrides.TracingEnabled != nil {
		cfg.Observability.Tracing.Enabled = *overrides.TracingEnabled
		meta.sources["observability.tracing.enabled"] = SourceOverride
	}
}
