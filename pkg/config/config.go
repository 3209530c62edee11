// Package config provides configuration structures and loading logic for trustconf.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultMaxBundleSize = 16 << 20

// Config holds the global configuration.
type Config struct {
	Trust     TrustSettings   `yaml:"trust"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TrustSettings configures the outbound TLS trust configuration.
type TrustSettings struct {
	Bundle             TrustBundle `yaml:"bundle"`
	InsecureSkipVerify bool        `yaml:"insecure_skip_verify"`
	SystemRoots        *bool       `yaml:"system_roots,omitempty"`
	MinVersion         string      `yaml:"min_version,omitempty"`
	MaxBundleSize      int         `yaml:"max_bundle_size,omitempty"`
	Watch              bool        `yaml:"watch"`
	Debug              DebugConfig `yaml:"debug"`
}

// UseSystemRoots reports whether platform roots back verification while no
// bundle is installed. Defaults to true.
func (t *TrustSettings) UseSystemRoots() bool {
	return t.SystemRoots == nil || *t.SystemRoots
}

// DebugConfig configures TLS diagnostics.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output,omitempty"` // stderr, stdout or a file path
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Trust: TrustSettings{
			MinVersion:    string(TLSVersion12),
			MaxBundleSize: defaultMaxBundleSize,
			Debug:         DebugConfig{Output: "stderr"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "trustconf",
		},
		Metrics: MetricsConfig{
			Address: ":9464",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("TRUSTCONF_CA_FILE"); val != "" {
		cfg.Trust.Bundle.Path = val
		cfg.Trust.Bundle.Inline = ""
	}
	if val := os.Getenv("TRUSTCONF_CA_SHA256"); val != "" {
		cfg.Trust.Bundle.SHA256 = val
	}
	if val := os.Getenv("TRUSTCONF_INSECURE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Trust.InsecureSkipVerify = b
		}
	}
	if val := os.Getenv("TRUSTCONF_DEBUG"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Trust.Debug.Enabled = b
		}
	}
	if val := os.Getenv("TRUSTCONF_DEBUG_OUTPUT"); val != "" {
		cfg.Trust.Debug.Output = val
	}

	if val := os.Getenv("TRUSTCONF_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("TRUSTCONF_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("TRUSTCONF_METRICS_ADDR"); val != "" {
		cfg.Metrics.Address = val
	}
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Trust.Validate(); err != nil {
		return fmt.Errorf("trust configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics configuration: %w", err)
	}

	return nil
}

// Validate performs validation of the trust settings
func (t *TrustSettings) Validate() error {
	if err := t.Bundle.Validate(); err != nil {
		return err
	}

	if _, err := ParseTLSVersion(t.MinVersion); err != nil {
		return NewConfigValidationError("trust.min_version", t.MinVersion, err.Error()).
			WithSuggestion("Use a valid TLS version: 1.2 or 1.3")
	}

	if t.MaxBundleSize < 0 {
		return NewConfigValidationError("trust.max_bundle_size", t.MaxBundleSize, "must not be negative")
	}
	if t.MaxBundleSize == 0 {
		t.MaxBundleSize = defaultMaxBundleSize
	}

	if t.Watch && strings.TrimSpace(t.Bundle.Path) == "" {
		return NewConfigMissingError("trust.bundle.path").
			WithSuggestion("Watching requires a bundle file; inline bundles cannot change")
	}

	if t.Debug.Enabled && strings.TrimSpace(t.Debug.Output) == "" {
		t.Debug.Output = "stderr"
	}

	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}

// Validate performs validation of the metrics endpoint
func (c *MetricsConfig) Validate() error {
	if c.Address == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return NewConfigValidationError("metrics.address", c.Address, err.Error()).
			WithSuggestion("Use host:port, for example :9464")
	}
	return nil
}
