// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hooktail"
)

// DefaultPath is where hooktaild looks for its config when neither the
// --config flag nor HOOKTAILD_CONFIG is set.
const DefaultPath = "/etc/hooktail/hooktaild.yaml"

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "HOOKTAILD_CONFIG"

// Source is the upstream document store to tail.
type Source struct {
	URI         string   `yaml:"uri"`
	Database    string   `yaml:"database"`
	Collections []string `yaml:"collections,omitempty"`
}

// Cursor selects where the resume cursor lives.
type Cursor struct {
	Mode    string `yaml:"mode"` // "file" or "database"
	Path    string `yaml:"path,omitempty"`
	Service string `yaml:"service,omitempty"`
}

// Delivery tunes the outbound HTTP dispatcher.
type Delivery struct {
	UserAgent        string               `yaml:"user-agent,omitempty"`
	Timeout          time.Duration        `yaml:"-"`
	MaxResponseBytes int64                `yaml:"max-response-bytes,omitempty"`
	Retry            hooktail.RetryPolicy `yaml:"retry,omitempty"`
}

func (d *Delivery) UnmarshalYAML(n *yaml.Node) error {
	type plain Delivery
	var raw struct {
		plain   `yaml:",inline"`
		Timeout string `yaml:"timeout,omitempty"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*d = Delivery(raw.plain)
	if raw.Timeout != "" {
		v, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid delivery timeout %q: %w", raw.Timeout, err)
		}
		d.Timeout = v
	}
	return nil
}

// Server is the control API listener.
type Server struct {
	Listen string `yaml:"listen"`
	APIKey string `yaml:"api-key,omitempty"`
}

// Config is the full daemon configuration.
type Config struct {
	Source    Source                    `yaml:"source"`
	StorePath string                    `yaml:"store-path"`
	Cursor    Cursor                    `yaml:"cursor"`
	Delivery  Delivery                  `yaml:"delivery"`
	RateLimit *hooktail.RateLimitPolicy `yaml:"global-rate-limit,omitempty"`
	Breaker   *hooktail.BreakerPolicy   `yaml:"breaker-defaults,omitempty"`
	Server    Server                    `yaml:"server"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StorePath: "/var/lib/hooktail/hooktail.db",
		Cursor: Cursor{
			Mode:    "database",
			Service: "hooktaild",
		},
		Delivery: Delivery{
			Timeout: 30 * time.Second,
		},
		Server: Server{
			Listen: "127.0.0.1:8844",
		},
	}
}

// Load reads the config at path, falling back to HOOKTAILD_CONFIG and then
// the default location. A missing default file yields the built-in config;
// an explicitly named file must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv(EnvConfigPath)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Source.URI == "" {
		return fmt.Errorf("config invalid: source.uri is required")
	}
	if c.Source.Database == "" {
		return fmt.Errorf("config invalid: source.database is required")
	}
	if c.StorePath == "" {
		return fmt.Errorf("config invalid: store-path is required")
	}
	switch c.Cursor.Mode {
	case "file":
		if c.Cursor.Path == "" {
			return fmt.Errorf("config invalid: cursor.path is required in file mode")
		}
	case "database", "":
	default:
		return fmt.Errorf("config invalid: unknown cursor.mode %q", c.Cursor.Mode)
	}
	if c.Cursor.Service == "" {
		c.Cursor.Service = "hooktaild"
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("config invalid: server.listen is required")
	}
	if c.Delivery.Timeout <= 0 {
		c.Delivery.Timeout = 30 * time.Second
	}
	if c.RateLimit != nil {
		if c.RateLimit.MaxRequests < 0 {
			return fmt.Errorf("config invalid: global-rate-limit.max-requests must not be negative")
		}
		switch c.RateLimit.Algorithm {
		case "", hooktail.RateSlidingWindow, hooktail.RateFixedWindow, hooktail.RateTokenBucket:
		default:
			return fmt.Errorf("config invalid: unknown rate limit algorithm %q", c.RateLimit.Algorithm)
		}
	}
	return nil
}
