// Package config loads the daemon's configuration: listen addresses,
// backend sizing, protocol dialect, and the optional domain-stack
// integrations (Redis, Postgres, S3, vsock). Override order is file,
// then environment, then command-line flags — the layered shape the
// rest of this lineage uses for its own configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	NBD     NBDConfig     `yaml:"nbd"`
	Control ControlConfig `yaml:"control"`
	Backend BackendConfig `yaml:"backend"`

	Observability ObservabilityConfig `yaml:"observability"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Redis         RedisConfig         `yaml:"redis"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	S3            S3Config            `yaml:"s3"`
	VSock         VSockConfig         `yaml:"vsock"`
}

// NBDConfig configures the NBD listener.
type NBDConfig struct {
	Addr    string `yaml:"addr"`    // default 0.0.0.0:10809
	Dialect string `yaml:"dialect"` // "oldstyle" or "newstyle", default "newstyle"
}

// ControlConfig configures the HTTP control plane.
type ControlConfig struct {
	Addr string `yaml:"addr"` // default 0.0.0.0:10880
}

// BackendConfig configures the in-memory disk image.
type BackendConfig struct {
	Megs int    `yaml:"megs"` // default 16, ignored if Load is set
	Load string `yaml:"load"` // path to an initial image; mutually exclusive with Megs in effect
}

// ObservabilityConfig configures OpenTelemetry tracing.
type ObservabilityConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	LogLevel    string  `yaml:"log_level"`
}

// MetricsConfig configures Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"` // default "nbd"
	Addr      string `yaml:"addr"`      // default 0.0.0.0:9090, served alongside the control plane
}

// RedisConfig configures the optional eventbus publisher.
type RedisConfig struct {
	Addr string `yaml:"addr"` // empty disables the event bus
}

// PostgresConfig configures the optional audit trail.
type PostgresConfig struct {
	DSN string `yaml:"dsn"` // empty disables audit
}

// S3Config configures the optional artifact archival sink.
type S3Config struct {
	Bucket string `yaml:"bucket"` // empty disables archival
	Prefix string `yaml:"prefix"`
}

// VSockConfig configures the optional AF_VSOCK transport.
type VSockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    uint32 `yaml:"port"` // default 10809
}

// Default returns the configuration used when no file is given and no
// environment overrides are set.
func Default() Config {
	return Config{
		NBD:     NBDConfig{Addr: "0.0.0.0:10809", Dialect: "newstyle"},
		Control: ControlConfig{Addr: "0.0.0.0:10880"},
		Backend: BackendConfig{Megs: 16},
		Observability: ObservabilityConfig{
			Exporter:    "stdout",
			ServiceName: "nbd-server",
			SampleRate:  1.0,
			LogLevel:    "info",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "nbd",
			Addr:      "0.0.0.0:9090",
		},
		VSock: VSockConfig{Port: 10809},
	}
}

// LoadFromFile reads and parses a YAML config file on top of Default().
func LoadFromFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment-variable overrides on top of cfg.
// Recognized variables: NBD_ADDR, NBD_DIALECT, CONTROL_ADDR,
// BACKEND_MEGS, BACKEND_LOAD, REDIS_ADDR, POSTGRES_DSN, S3_BUCKET,
// S3_PREFIX, VSOCK_ENABLED, VSOCK_PORT, OBSERVABILITY_ENABLED,
// OBSERVABILITY_ENDPOINT, LOG_LEVEL.
func LoadFromEnv(cfg Config) Config {
	if v := os.Getenv("NBD_ADDR"); v != "" {
		cfg.NBD.Addr = v
	}
	if v := os.Getenv("NBD_DIALECT"); v != "" {
		cfg.NBD.Dialect = v
	}
	if v := os.Getenv("CONTROL_ADDR"); v != "" {
		cfg.Control.Addr = v
	}
	if v := os.Getenv("BACKEND_MEGS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backend.Megs = n
		}
	}
	if v := os.Getenv("BACKEND_LOAD"); v != "" {
		cfg.Backend.Load = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}
	if v := os.Getenv("S3_PREFIX"); v != "" {
		cfg.S3.Prefix = v
	}
	if v := os.Getenv("VSOCK_ENABLED"); v != "" {
		cfg.VSock.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("VSOCK_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VSock.Port = uint32(n)
		}
	}
	if v := os.Getenv("OBSERVABILITY_ENABLED"); v != "" {
		cfg.Observability.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("OBSERVABILITY_ENDPOINT"); v != "" {
		cfg.Observability.Endpoint = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	return cfg
}
