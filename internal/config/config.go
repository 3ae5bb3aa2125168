// Package config merges provharness settings from flags, PROVHARNESS_*
// environment variables and an optional provharness.yaml.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/provharness/internal/observability"
)

// EnvPrefix prefixes every environment variable, e.g. PROVHARNESS_LOG_LEVEL.
const EnvPrefix = "PROVHARNESS"

type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Modules      ModulesConfig      `mapstructure:"modules"`
	Requirements RequirementsConfig `mapstructure:"requirements"`
	Listen       ListenConfig       `mapstructure:"listen"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	HTTP         HTTPConfig         `mapstructure:"http"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ModulesConfig struct {
	// Paths are searched for provider WebAssembly images.
	Paths []string `mapstructure:"paths"`
}

type RequirementsConfig struct {
	// Dir overrides the built-in requirement fixtures when set.
	Dir string `mapstructure:"dir"`
}

type ListenConfig struct {
	Workers     int           `mapstructure:"workers"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
}

type TracingConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	Protocol       string `mapstructure:"protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

type HTTPConfig struct {
	// Timeout bounds each real-mode transport call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers every key with its default. Keys without a default
// are invisible to environment lookups during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", observability.FormatAuto)

	v.SetDefault("modules.paths", []string{})
	v.SetDefault("requirements.dir", "")

	v.SetDefault("listen.workers", 1)
	v.SetDefault("listen.timeout", 30*time.Second)
	v.SetDefault("listen.metrics_addr", "")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.protocol", "http")
	v.SetDefault("tracing.service_name", "provharness")
	v.SetDefault("tracing.service_version", "dev")

	v.SetDefault("http.timeout", 30*time.Second)
}

// BindFlags declares the global persistent flags on cmd and binds them to v.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("config", "", "config file path (default ./provharness.yaml)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, pretty, auto)")
	f.StringSlice("modules", nil, "directories searched for provider .wasm images")
	f.String("requirements-dir", "", "directory of <provider>.requirements.json fixtures")
	f.Duration("http-timeout", 0, "timeout for real-mode transport calls")
	f.String("otlp-endpoint", "", "OTLP trace exporter endpoint (tracing disabled when empty)")
	f.String("otlp-protocol", "", "OTLP protocol (http, grpc)")

	_ = v.BindPFlag("log.level", f.Lookup("log-level"))
	_ = v.BindPFlag("log.format", f.Lookup("log-format"))
	_ = v.BindPFlag("modules.paths", f.Lookup("modules"))
	_ = v.BindPFlag("requirements.dir", f.Lookup("requirements-dir"))
	_ = v.BindPFlag("http.timeout", f.Lookup("http-timeout"))
	_ = v.BindPFlag("tracing.endpoint", f.Lookup("otlp-endpoint"))
	_ = v.BindPFlag("tracing.protocol", f.Lookup("otlp-protocol"))
}

// BindListenFlags binds the listen command's worker pool and metrics flags.
func BindListenFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.Int("workers", 0, "concurrent ingest workers (default 1)")
	f.Duration("timeout", 0, "per-request ingest timeout (default 30s)")
	f.String("metrics-addr", "", "serve /metrics and /health on this address")

	_ = v.BindPFlag("listen.workers", f.Lookup("workers"))
	_ = v.BindPFlag("listen.timeout", f.Lookup("timeout"))
	_ = v.BindPFlag("listen.metrics_addr", f.Lookup("metrics-addr"))
}

// Load reads config from flags, env, and file, returning the merged Config.
// A missing provharness.yaml is fine; a missing explicit configFile is not.
func Load(v *viper.Viper, configFile string) (Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("provharness")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no command can run with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case observability.FormatJSON, observability.FormatPretty, observability.FormatAuto:
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	switch c.Tracing.Protocol {
	case "", "http", "grpc":
	default:
		return fmt.Errorf("tracing.protocol: unknown protocol %q", c.Tracing.Protocol)
	}
	if c.Listen.Workers < 1 {
		return fmt.Errorf("listen.workers must be at least 1, got %d", c.Listen.Workers)
	}
	if c.Listen.Timeout <= 0 {
		return fmt.Errorf("listen.timeout must be positive, got %s", c.Listen.Timeout)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive, got %s", c.HTTP.Timeout)
	}
	return nil
}

// Observability returns the logging and tracing settings.
func (c Config) Observability() observability.Config {
	return observability.Config{
		LogLevel:       c.Log.Level,
		LogFormat:      c.Log.Format,
		OTLPEndpoint:   c.Tracing.Endpoint,
		OTLPProtocol:   c.Tracing.Protocol,
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: c.Tracing.ServiceVersion,
	}
}
