package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the CLI in-process and returns the exit code with
// everything written to stdout and stderr.
func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// writeFile writes content under dir and returns the path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const dummyValues = `{
  "config": {"api_base": "https://api.dummy.test"},
  "secrets": {"TOKEN": "abc"},
  "to": {"id": "room-1", "kind": "room"},
  "http": "mock"
}`

const webexValues = `{
  "config": {},
  "secrets": {"WEBEX_BOT_TOKEN": "tok"},
  "to": {"id": "room-1", "kind": "room"},
  "http": "mock"
}`

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "provharness", cmd.Use)
	assert.Contains(t, cmd.Long, "sandbox")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"requirements", "send", "ingress", "listen", "webhook", "test", "trace", "validate-fixtures"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "log-level", "log-format", "modules", "requirements-dir", "http-timeout"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "flag %s", name)
	}
}

func TestSendCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	sendCmd, _, err := cmd.Find([]string{"send"})
	require.NoError(t, err)

	encoderFlag := sendCmd.Flags().Lookup("encoder")
	require.NotNil(t, encoderFlag)
	assert.Equal(t, "host", encoderFlag.DefValue)

	require.NotNil(t, sendCmd.Flags().Lookup("to-kind"))
	require.NotNil(t, sendCmd.Flags().Lookup("card"))
}

func TestListenCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	listenCmd, _, err := cmd.Find([]string{"listen"})
	require.NoError(t, err)

	tests := map[string]string{
		"host":   "127.0.0.1",
		"port":   "8080",
		"path":   "/",
		"method": "POST",
	}
	for name, def := range tests {
		flag := listenCmd.Flags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, def, flag.DefValue, name)
	}
	require.NotNil(t, listenCmd.Flags().Lookup("workers"))
	require.NotNil(t, listenCmd.Flags().Lookup("metrics-addr"))
}

func TestTestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	testCmd, _, err := cmd.Find([]string{"test"})
	require.NoError(t, err)

	updateFlag := testCmd.Flags().Lookup("update")
	require.NotNil(t, updateFlag)
	assert.Equal(t, "false", updateFlag.DefValue)

	filterFlag := testCmd.Flags().Lookup("filter")
	require.NotNil(t, filterFlag)
}

func TestTraceCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	traceCmd, _, err := cmd.Find([]string{"trace"})
	require.NoError(t, err)

	dbFlag := traceCmd.Flags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "", dbFlag.DefValue)

	require.NotNil(t, traceCmd.Flags().Lookup("run"))
	require.NotNil(t, traceCmd.Flags().Lookup("last"))
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	code, _, stderr := runCLI(t, "--format", "invalid", "validate-fixtures", t.TempDir())
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "invalid format")
}

func TestInvalidConfigFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "provharness.yaml", "log:\n  level: loud\n")
	code, _, stderr := runCLI(t, "--config", path, "validate-fixtures", t.TempDir())
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "invalid configuration")
}
