package kit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/dto"
)

func TestCardSummary(t *testing.T) {
	var card any
	require.NoError(t, json.Unmarshal([]byte(`{"type":"AdaptiveCard","body":[{"text":" Hello "},{"type":"Image"},{"text":"world"}]}`), &card))
	s, ok := CardSummary(card)
	require.True(t, ok)
	assert.Equal(t, "Hello world", s)

	s, ok = CardSummary(map[string]any{"text": "top", "body": []any{map[string]any{"text": "ignored"}}})
	require.True(t, ok)
	assert.Equal(t, "top", s)

	_, ok = CardSummary(map[string]any{"body": []any{}})
	assert.False(t, ok)
	_, ok = CardSummary("not a card")
	assert.False(t, ok)
}

func TestFirstDestination(t *testing.T) {
	env := dto.ChannelMessageEnvelope{To: []dto.Destination{{ID: "  "}, {ID: " room-1 ", Kind: "room"}}}
	d, ok := FirstDestination(env)
	require.True(t, ok)
	assert.Equal(t, dto.Destination{ID: "room-1", Kind: "room"}, d)

	_, ok = FirstDestination(dto.ChannelMessageEnvelope{})
	assert.False(t, ok)
}

func TestConfigHelpers(t *testing.T) {
	cfg := map[string]any{"api": " https://x ", "n": 3.0, "blank": " "}
	assert.Equal(t, "https://x", ConfigString(cfg, "api", "def"))
	assert.Equal(t, "def", ConfigString(cfg, "blank", "def"))
	assert.Equal(t, "def", ConfigString(cfg, "n", "def"))
	assert.Equal(t, []string{"n must be a string"}, CheckStringKeys(cfg, "api", "n", "missing"))
}

func TestSecretString(t *testing.T) {
	host := capability.NewHost(capability.HostConfig{
		Secrets: capability.NewSecretStore(map[string][]byte{"TOKEN": []byte("abc"), "BIN": {0xff, 0xfe}}),
	})
	ctx := context.Background()

	s, err := SecretString(ctx, host, "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	_, err = SecretString(ctx, host, "NOPE")
	assert.EqualError(t, err, "missing secret: NOPE")

	_, err = SecretString(ctx, host, "BIN")
	assert.Error(t, err)
}

func TestUpstreamError(t *testing.T) {
	assert.Equal(t, "webex returned status 404", UpstreamError("webex", 404, nil))
	assert.Equal(t, `webex returned status 500 body={"e":1}`, UpstreamError("webex", 500, []byte(` {"e":1} `)))
}
