package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLIConfig is the operator CLI's connection settings, stored at
// $XDG_CONFIG_HOME/hooktail/config.yaml (~/.config/hooktail/config.yaml).
type CLIConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api-key,omitempty"`
}

// CLIPath returns the CLI config file location.
func CLIPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "hooktail", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "hooktail", "config.yaml")
}

// LoadCLI reads the CLI config. A missing file yields defaults, not an error.
func LoadCLI() (*CLIConfig, error) {
	cfg := &CLIConfig{Addr: "http://127.0.0.1:8844"}
	data, err := os.ReadFile(CLIPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the CLI config to disk, creating directories as needed.
func (c *CLIConfig) Save() error {
	p := CLIPath()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
