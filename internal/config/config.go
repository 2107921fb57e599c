// Package config loads daemon and endpoint configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`      // Default: false
	Exporter    string  `yaml:"exporter"`     // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`     // localhost:4318
	ServiceName string  `yaml:"serviceName"`  // vhostd
	SampleRate  float64 `yaml:"sampleRate"`   // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`   // Default: true
	Namespace string `yaml:"namespace"` // vhostuser
	Addr      string `yaml:"addr"`      // :9191
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ReactorConfig holds FD reactor sizing.
type ReactorConfig struct {
	MaxFDs int `yaml:"maxFds"` // Default: 1024
}

// EndpointSpec describes one vhost-user endpoint manifest document.
//
// EndpointSpec mirrors the apiVersion/kind/metadata/spec shape used
// elsewhere in this codebase for declarative resources, so a single
// YAML file can hold several endpoint manifests separated by "---".
type EndpointSpec struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   EndpointMetadata `yaml:"metadata"`
	Spec       EndpointSpecBody `yaml:"spec"`
}

// EndpointMetadata holds the identifying fields of an EndpointSpec.
type EndpointMetadata struct {
	Name string `yaml:"name"`
}

// EndpointSpecBody holds the endpoint's transport behavior.
type EndpointSpecBody struct {
	Path                 string `yaml:"path"`
	Mode                 string `yaml:"mode"`       // server | client
	Reconnect            bool   `yaml:"reconnect"`
	Extbuf               bool   `yaml:"extbuf"`
	Linearbuf            bool   `yaml:"linearbuf"`
	AsyncCopy            bool   `yaml:"asyncCopy"`
	NetCompliantOffloads bool   `yaml:"netCompliantOffloads"`
}

// IsServer reports whether the endpoint listens rather than dials out.
func (s EndpointSpecBody) IsServer() bool {
	return strings.EqualFold(s.Mode, "server")
}

// Validate checks that the manifest carries the minimum required fields.
func (e EndpointSpec) Validate() error {
	if e.Metadata.Name == "" {
		return fmt.Errorf("endpoint manifest missing metadata.name")
	}
	if e.Spec.Path == "" {
		return fmt.Errorf("endpoint %q: spec.path is required", e.Metadata.Name)
	}
	switch strings.ToLower(e.Spec.Mode) {
	case "server", "client":
	default:
		return fmt.Errorf("endpoint %q: spec.mode must be \"server\" or \"client\", got %q", e.Metadata.Name, e.Spec.Mode)
	}
	return nil
}

// DaemonConfig is the central configuration struct for vhostd.
type DaemonConfig struct {
	Endpoints     []EndpointSpec `yaml:"-"` // not read from the config file; endpoints come from the manifest at ManifestPath
	ManifestPath  string         `yaml:"manifestPath"`
	Reactor       ReactorConfig  `yaml:"reactor"`
	Tracing       TracingConfig  `yaml:"tracing"`
	Metrics       MetricsConfig  `yaml:"metrics"`
	Logging       LoggingConfig  `yaml:"logging"`
}

// DefaultConfig returns a DaemonConfig with sensible defaults.
func DefaultConfig() *DaemonConfig {
	return &DaemonConfig{
		Reactor: ReactorConfig{
			MaxFDs: 1024,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "vhostd",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "vhostuser",
			Addr:      ":9191",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads the daemon configuration from a YAML file.
func LoadFromFile(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *DaemonConfig) {
	if v := os.Getenv("VHOSTD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VHOSTD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("VHOSTD_MANIFEST"); v != "" {
		cfg.ManifestPath = v
	}
	if v := os.Getenv("VHOSTD_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("VHOSTD_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("VHOSTD_METRICS_NAMESPACE"); v != "" {
		cfg.Metrics.Namespace = v
	}
	if v := os.Getenv("VHOSTD_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("VHOSTD_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("VHOSTD_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("VHOSTD_REACTOR_MAX_FDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reactor.MaxFDs = n
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
