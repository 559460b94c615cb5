// Package config loads and validates the gateway configuration
// described in spec.md §6. The core (registry, selector, dispatcher)
// only ever sees the validated *Config this package produces —
// loading and validation themselves are out of the core's scope
// (spec.md §1).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendConfig is one configured upstream.
type BackendConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
	Region string `yaml:"region"`
}

// Config is the top-level, already-validated configuration object.
type Config struct {
	Backends                []BackendConfig `yaml:"backends"`
	RetryAttempts            int             `yaml:"retryAttempts"`
	EnableCaching            bool            `yaml:"enableCaching"`
	CacheMaxAgeSeconds        int             `yaml:"cacheMaxAge"`
	HealthCheckIntervalMillis int             `yaml:"healthCheckInterval"`
	CircuitBreakerThreshold   int             `yaml:"circuitBreakerThreshold"`
	Environment               string          `yaml:"environment"`
}

// CacheMaxAge is CacheMaxAgeSeconds as a time.Duration.
func (c *Config) CacheMaxAge() time.Duration {
	return time.Duration(c.CacheMaxAgeSeconds) * time.Second
}

// HealthCheckInterval is HealthCheckIntervalMillis as a time.Duration.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMillis) * time.Millisecond
}

// IsDevelopment reports whether the /metrics endpoint (spec.md §6)
// should be exposed.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// applyDefaults fills in spec.md §6's documented defaults for any
// zero-valued field after YAML unmarshal.
func applyDefaults(c *Config) {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 2
	}
	if c.CacheMaxAgeSeconds == 0 {
		c.CacheMaxAgeSeconds = 300
	}
	if c.HealthCheckIntervalMillis == 0 {
		c.HealthCheckIntervalMillis = 30000
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// Load reads and parses a YAML config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML bytes into a validated Config. enableCaching
// defaults to true unless the document sets it explicitly to false:
// it is unmarshalled into a *bool so an absent key can be told apart
// from an explicit false and treated the same as "true".
func Parse(data []byte) (*Config, error) {
	var raw struct {
		Backends                  []BackendConfig `yaml:"backends"`
		RetryAttempts             int             `yaml:"retryAttempts"`
		EnableCaching             *bool           `yaml:"enableCaching"`
		CacheMaxAgeSeconds        int             `yaml:"cacheMaxAge"`
		HealthCheckIntervalMillis int             `yaml:"healthCheckInterval"`
		CircuitBreakerThreshold   int             `yaml:"circuitBreakerThreshold"`
		Environment               string          `yaml:"environment"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		Backends:                  raw.Backends,
		RetryAttempts:             raw.RetryAttempts,
		EnableCaching:             true,
		CacheMaxAgeSeconds:        raw.CacheMaxAgeSeconds,
		HealthCheckIntervalMillis: raw.HealthCheckIntervalMillis,
		CircuitBreakerThreshold:   raw.CircuitBreakerThreshold,
		Environment:               raw.Environment,
	}
	if raw.EnableCaching != nil {
		cfg.EnableCaching = *raw.EnableCaching
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("config must declare at least one backend")
	}

	seen := make(map[string]bool, len(cfg.Backends))
	for i, b := range cfg.Backends {
		if b.URL == "" {
			return fmt.Errorf("backend %d: url cannot be empty", i)
		}
		if seen[b.URL] {
			return fmt.Errorf("backend %d: duplicate url %q", i, b.URL)
		}
		seen[b.URL] = true
		if b.Weight < 1 {
			return fmt.Errorf("backend %d (%s): weight must be >= 1", i, b.URL)
		}
	}
	if cfg.RetryAttempts < 0 {
		return fmt.Errorf("retryAttempts cannot be negative")
	}
	if cfg.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("circuitBreakerThreshold must be >= 1")
	}
	return nil
}
