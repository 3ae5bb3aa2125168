package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into an empty directory so a stray provharness.yaml cannot
// leak into the test.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdir(t)
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
	assert.Empty(t, cfg.Modules.Paths)
	assert.Empty(t, cfg.Requirements.Dir)
	assert.Equal(t, 1, cfg.Listen.Workers)
	assert.Equal(t, 30*time.Second, cfg.Listen.Timeout)
	assert.Empty(t, cfg.Listen.MetricsAddr)
	assert.Empty(t, cfg.Tracing.Endpoint)
	assert.Equal(t, "http", cfg.Tracing.Protocol)
	assert.Equal(t, "provharness", cfg.Tracing.ServiceName)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
}

func TestLoadFromFile(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "provharness.yaml"), []byte(`
log:
  level: debug
  format: json
modules:
  paths: [./wasm, /opt/providers]
listen:
  workers: 4
  timeout: 5s
http:
  timeout: 2s
`), 0o644))

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"./wasm", "/opt/providers"}, cfg.Modules.Paths)
	assert.Equal(t, 4, cfg.Listen.Workers)
	assert.Equal(t, 5*time.Second, cfg.Listen.Timeout)
	assert.Equal(t, 2*time.Second, cfg.HTTP.Timeout)
}

func TestLoadExplicitFile(t *testing.T) {
	chdir(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tracing:\n  endpoint: localhost:4317\n  protocol: grpc\n"), 0o644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, "grpc", cfg.Tracing.Protocol)
}

func TestLoadExplicitFileMissing(t *testing.T) {
	chdir(t)
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadFromEnv(t *testing.T) {
	chdir(t)
	t.Setenv("PROVHARNESS_LOG_LEVEL", "warn")
	t.Setenv("PROVHARNESS_LISTEN_WORKERS", "3")
	t.Setenv("PROVHARNESS_LISTEN_METRICS_ADDR", ":9100")
	t.Setenv("PROVHARNESS_REQUIREMENTS_DIR", "/fixtures")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Listen.Workers)
	assert.Equal(t, ":9100", cfg.Listen.MetricsAddr)
	assert.Equal(t, "/fixtures", cfg.Requirements.Dir)
}

func TestFlagsOverrideEnv(t *testing.T) {
	chdir(t)
	t.Setenv("PROVHARNESS_LOG_FORMAT", "json")

	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd, v)
	sub := &cobra.Command{Use: "listen"}
	BindListenFlags(sub, v)
	cmd.AddCommand(sub)

	require.NoError(t, cmd.PersistentFlags().Parse([]string{"--log-format", "pretty", "--modules", "a,b"}))
	require.NoError(t, sub.Flags().Parse([]string{"--workers", "8", "--timeout", "1m"}))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "pretty", cfg.Log.Format)
	assert.Equal(t, []string{"a", "b"}, cfg.Modules.Paths)
	assert.Equal(t, 8, cfg.Listen.Workers)
	assert.Equal(t, time.Minute, cfg.Listen.Timeout)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Log:     LogConfig{Level: "info", Format: "auto"},
			Listen:  ListenConfig{Workers: 1, Timeout: time.Second},
			Tracing: TracingConfig{Protocol: "http"},
			HTTP:    HTTPConfig{Timeout: time.Second},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"protocol", func(c *Config) { c.Tracing.Protocol = "udp" }, "tracing.protocol"},
		{"workers", func(c *Config) { c.Listen.Workers = 0 }, "listen.workers"},
		{"listen timeout", func(c *Config) { c.Listen.Timeout = 0 }, "listen.timeout"},
		{"http timeout", func(c *Config) { c.HTTP.Timeout = -time.Second }, "http.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestObservability(t *testing.T) {
	c := Config{
		Log:     LogConfig{Level: "debug", Format: "json"},
		Tracing: TracingConfig{Endpoint: "collector:4318", Protocol: "http", ServiceName: "svc", ServiceVersion: "1.2.3"},
	}
	o := c.Observability()
	assert.Equal(t, "debug", o.LogLevel)
	assert.Equal(t, "json", o.LogFormat)
	assert.Equal(t, "collector:4318", o.OTLPEndpoint)
	assert.Equal(t, "svc", o.ServiceName)
	assert.Equal(t, "1.2.3", o.ServiceVersion)
}
