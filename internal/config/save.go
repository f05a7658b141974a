package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Save persists the configuration to disk and returns the path that was
// written. An empty path resolves to the per-user default file.
func Save(cfg RuntimeConfig, path string, opts ...Option) (string, error) {
	options := loadOptions{
		homeDir: os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	if path == "" {
		home, err := options.homeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, DefaultConfigFileName)
	}

	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("ensure config directory: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return "", fmt.Errorf("write config file: %w", err)
	}
	return path, nil
}
