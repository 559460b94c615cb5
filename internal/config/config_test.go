package config

import (
	"testing"
)

func TestParseDefaults(t *testing.T) {
	data := []byte(`
backends:
  - url: "http://a"
    weight: 1
    region: "us-west"
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.RetryAttempts != 2 {
		t.Errorf("expected default retryAttempts=2, got %d", cfg.RetryAttempts)
	}
	if !cfg.EnableCaching {
		t.Errorf("expected default enableCaching=true")
	}
	if cfg.CacheMaxAgeSeconds != 300 {
		t.Errorf("expected default cacheMaxAge=300, got %d", cfg.CacheMaxAgeSeconds)
	}
	if cfg.HealthCheckIntervalMillis != 30000 {
		t.Errorf("expected default healthCheckInterval=30000, got %d", cfg.HealthCheckIntervalMillis)
	}
	if cfg.CircuitBreakerThreshold != 5 {
		t.Errorf("expected default circuitBreakerThreshold=5, got %d", cfg.CircuitBreakerThreshold)
	}
}

func TestParseExplicitCachingDisabled(t *testing.T) {
	data := []byte(`
backends:
  - url: "http://a"
    weight: 1
    region: "us-west"
enableCaching: false
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.EnableCaching {
		t.Errorf("expected enableCaching=false to be honored")
	}
}

func TestParseRejectsNoBackends(t *testing.T) {
	if _, err := Parse([]byte(`backends: []`)); err == nil {
		t.Fatalf("expected error for empty backend list")
	}
}

func TestParseRejectsDuplicateURL(t *testing.T) {
	data := []byte(`
backends:
  - url: "http://a"
    weight: 1
    region: "us-west"
  - url: "http://a"
    weight: 1
    region: "asia-east"
`)
	if _, err := Parse(data); err == nil {
		t.Fatalf("expected error for duplicate backend url")
	}
}

func TestParseRejectsZeroWeight(t *testing.T) {
	data := []byte(`
backends:
  - url: "http://a"
    weight: 0
    region: "us-west"
`)
	if _, err := Parse(data); err == nil {
		t.Fatalf("expected error for zero weight")
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{Environment: "Development"}
	if !cfg.IsDevelopment() {
		t.Fatalf("expected case-insensitive match")
	}
	cfg.Environment = "production"
	if cfg.IsDevelopment() {
		t.Fatalf("expected false for production")
	}
}
