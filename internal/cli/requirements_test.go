package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provharness/internal/values"
)

func TestRequirements_PrintsFixture(t *testing.T) {
	code, stdout, stderr := runCLI(t, "requirements", "--provider", "webex")
	require.Equal(t, ExitSuccess, code, stderr)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "webex", doc["provider"])
	assert.Contains(t, stdout, "WEBEX_BOT_TOKEN")
}

func TestRequirements_Example(t *testing.T) {
	code, stdout, stderr := runCLI(t, "requirements", "--provider", "dummy", "--example")
	require.Equal(t, ExitSuccess, code, stderr)

	bundle, err := values.Parse([]byte(stdout))
	require.NoError(t, err)
	assert.Equal(t, "abc", bundle.Secrets["TOKEN"])
	assert.Equal(t, "room-1", bundle.To["id"])
}

func TestRequirements_CustomDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "acme.requirements.json", `{
  "provider": "acme",
  "config": {"required": []},
  "secrets": {"required": [{"key": "ACME_KEY"}]},
  "to": {"shape": {"id": "channel"}}
}`)

	code, stdout, stderr := runCLI(t, "--requirements-dir", dir, "requirements", "--provider", "acme")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "ACME_KEY")

	code, _, stderr = runCLI(t, "--requirements-dir", dir, "requirements", "--provider", "acme", "--example")
	assert.Equal(t, ExitRequirements, code)
	assert.Contains(t, stderr, "no example values")
}

func TestRequirements_UnknownProvider(t *testing.T) {
	code, _, stderr := runCLI(t, "requirements", "--provider", "nope")
	assert.Equal(t, ExitRequirements, code)
	assert.Contains(t, stderr, "requirements missing for provider nope")
}
