package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	for name, cfg := range map[string]*Config{
		"default":     DefaultConfig(),
		"development": DevelopmentConfig(),
		"production":  ProductionConfig(),
	} {
		if err := cfg.Validate(); err != nil {
			t.Errorf("%s config is invalid: %v", name, err)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing service name", func(c *Config) { c.ServiceName = "" }, "service name is required"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, "invalid trace exporter"},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, "trace endpoint is required"},
		{"sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, "sampling rate"},
		{"buffer size", func(c *Config) { c.Events.BufferSize = 0 }, "buffer size"},
		{"batch size", func(c *Config) { c.Events.MaxBatchSize = 0 }, "batch size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.yaml")
	content := `
serviceVersion: "1.4.2"
logging:
  level: warn
  format: json
metrics:
  listenAddress: ":9464"
events:
  flushInterval: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ServiceName != "shipyard" {
		t.Errorf("ServiceName = %q, want default shipyard", cfg.ServiceName)
	}
	if cfg.ServiceVersion != "1.4.2" {
		t.Errorf("ServiceVersion = %q, want 1.4.2", cfg.ServiceVersion)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.ListenAddress != ":9464" || cfg.Metrics.Namespace != "shipyard" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Events.FlushInterval != 2*time.Second {
		t.Errorf("FlushInterval = %v, want 2s", cfg.Events.FlushInterval)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadConfig() of a missing file succeeded")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("logging:\n  level: shouting\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadConfig(invalid)
	if err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("LoadConfig() error = %v, want invalid log level", err)
	}
}
