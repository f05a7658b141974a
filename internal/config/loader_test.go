package config

import (
	"os"
	"path/filepath"
	"testing"

	"mira/internal/agentrun"
)

type envMap map[string]string

func (e envMap) Lookup(key string) (string, bool) {
	val, ok := e[key]
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func noFile(string) ([]byte, error) { return nil, os.ErrNotExist }

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(
		WithEnv(envMap{}.Lookup),
		WithFileReader(noFile),
		WithHomeDir(func() (string, error) { return "/home/test", nil }),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("expected default listen addr %q, got %q", DefaultListenAddr, cfg.ListenAddr)
	}
	if cfg.Environment != "development" {
		t.Fatalf("expected default environment 'development', got %q", cfg.Environment)
	}
	if cfg.OverflowPolicy != string(agentrun.OverflowReplaceOldest) {
		t.Fatalf("expected replace_oldest default, got %q", cfg.OverflowPolicy)
	}
	if cfg.HistorySize != DefaultHistorySize {
		t.Fatalf("expected default history size %d, got %d", DefaultHistorySize, cfg.HistorySize)
	}
	if cfg.Observability.Metrics.Enabled {
		t.Fatal("expected metrics to be disabled by default")
	}
	if got := meta.Source("listen_addr"); got != SourceDefault {
		t.Fatalf("expected default source for listen_addr, got %s", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	fileData := []byte(`
listen_addr: "0.0.0.0:9000"
overflow_policy: "reject_new"
history_size: 32
concurrency_limits:
  summary: 2
  translation: 1
waiting_limits:
  summary: 4
observability:
  metrics:
    enabled: true
    prometheus_port: 9999
`)
	cfg, meta, err := Load(
		WithEnv(envMap{}.Lookup),
		WithConfigPath("/etc/mira/config.yaml"),
		WithFileReader(func(path string) ([]byte, error) {
			if path != "/etc/mira/config.yaml" {
				t.Fatalf("unexpected config path %q", path)
			}
			return fileData, nil
		}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("expected file listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.OverflowPolicy != string(agentrun.OverflowRejectNew) {
		t.Fatalf("expected reject_new from file, got %q", cfg.OverflowPolicy)
	}
	if cfg.ConcurrencyLimits["summary"] != 2 || cfg.ConcurrencyLimits["translation"] != 1 {
		t.Fatalf("unexpected concurrency limits: %v", cfg.ConcurrencyLimits)
	}
	if cfg.WaitingLimits["summary"] != 4 {
		t.Fatalf("unexpected waiting limits: %v", cfg.WaitingLimits)
	}
	if !cfg.Observability.Metrics.Enabled || cfg.Observability.Metrics.PrometheusPort != 9999 {
		t.Fatalf("unexpected metrics config: %+v", cfg.Observability.Metrics)
	}
	if got := meta.Source("overflow_policy"); got != SourceFile {
		t.Fatalf("expected file source for overflow_policy, got %s", got)
	}
	if meta.Path() != "/etc/mira/config.yaml" {
		t.Fatalf("expected metadata to record the config path, got %q", meta.Path())
	}
}

func TestEnvOverridesFile(t *testing.T) {
	fileData := []byte("listen_addr: \"0.0.0.0:9000\"\n")
	env := envMap{
		"MIRA_LISTEN_ADDR":         "127.0.0.1:7777",
		"MIRA_SUMMARY_CONCURRENCY": "3",
		"MIRA_METRICS_ENABLED":     "true",
	}
	cfg, meta, err := Load(
		WithEnv(env.Lookup),
		WithConfigPath("mira.yaml"),
		WithFileReader(func(string) ([]byte, error) { return fileData, nil }),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7777" {
		t.Fatalf("expected env listen addr to win, got %q", cfg.ListenAddr)
	}
	if cfg.ConcurrencyLimits["summary"] != 3 {
		t.Fatalf("expected env concurrency limit, got %v", cfg.ConcurrencyLimits)
	}
	if !cfg.Observability.Metrics.Enabled {
		t.Fatal("expected env to enable metrics")
	}
	if got := meta.Source("listen_addr"); got != SourceEnv {
		t.Fatalf("expected env source for listen_addr, got %s", got)
	}
}

func TestEnvRejectsMalformedValues(t *testing.T) {
	_, _, err := Load(
		WithEnv(envMap{"MIRA_HISTORY_SIZE": "lots"}.Lookup),
		WithFileReader(noFile),
		WithHomeDir(func() (string, error) { return "/home/test", nil }),
	)
	if err == nil {
		t.Fatal("expected error for malformed MIRA_HISTORY_SIZE")
	}
}

func TestOverridesWinOverEnv(t *testing.T) {
	addr := "10.0.0.1:1234"
	cfg, meta, err := Load(
		WithEnv(envMap{"MIRA_LISTEN_ADDR": "127.0.0.1:7777"}.Lookup),
		WithFileReader(noFile),
		WithHomeDir(func() (string, error) { return "/home/test", nil }),
		WithOverrides(Overrides{ListenAddr: &addr}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ListenAddr != addr {
		t.Fatalf("expected override to win, got %q", cfg.ListenAddr)
	}
	if got := meta.Source("listen_addr"); got != SourceOverride {
		t.Fatalf("expected override source, got %s", got)
	}
}

func TestNormalizeRepairsBadValues(t *testing.T) {
	cfg, _, err := Load(
		WithEnv(envMap{
			"MIRA_OVERFLOW_POLICY": "drop_everything",
			"MIRA_HISTORY_SIZE":    "-5",
		}.Lookup),
		WithFileReader(noFile),
		WithHomeDir(func() (string, error) { return "/home/test", nil }),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.OverflowPolicy != string(agentrun.OverflowReplaceOldest) {
		t.Fatalf("expected unknown overflow policy to fall back, got %q", cfg.OverflowPolicy)
	}
	if cfg.HistorySize != DefaultHistorySize {
		t.Fatalf("expected non-positive history size to fall back, got %d", cfg.HistorySize)
	}
}

func TestEnginePolicyDropsUnknownKinds(t *testing.T) {
	cfg := defaultRuntimeConfig()
	cfg.ConcurrencyLimits["summary"] = 2
	cfg.ConcurrencyLimits["mystery"] = 9
	cfg.WaitingLimits["translation"] = 5
	cfg.OverflowPolicy = string(agentrun.OverflowRejectNew)

	policy := cfg.EnginePolicy()
	if policy.ConcurrencyLimits[agentrun.KindSummary] != 2 {
		t.Fatalf("expected summary limit 2, got %d", policy.ConcurrencyLimits[agentrun.KindSummary])
	}
	if _, ok := policy.ConcurrencyLimits[agentrun.TaskKind("mystery")]; ok {
		t.Fatal("expected unknown kind to be dropped")
	}
	if policy.WaitingLimits[agentrun.KindTranslation] != 5 {
		t.Fatalf("expected translation waiting limit 5, got %d", policy.WaitingLimits[agentrun.KindTranslation])
	}
	if policy.OverflowPolicy() != agentrun.OverflowRejectNew {
		t.Fatalf("expected reject_new policy, got %s", policy.OverflowPolicy())
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mira.yaml")

	cfg := defaultRuntimeConfig()
	cfg.ListenAddr = "127.0.0.1:4242"
	cfg.ConcurrencyLimits["tagging"] = 2

	written, err := Save(cfg, path)
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if written != path {
		t.Fatalf("expected %q, got %q", path, written)
	}

	loaded, _, err := Load(
		WithEnv(envMap{}.Lookup),
		WithConfigPath(path),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded.ListenAddr != "127.0.0.1:4242" {
		t.Fatalf("expected saved listen addr, got %q", loaded.ListenAddr)
	}
	if loaded.ConcurrencyLimits["tagging"] != 2 {
		t.Fatalf("expected saved tagging limit, got %v", loaded.ConcurrencyLimits)
	}
}
