// Package values loads the per-run values bundle: provider configuration,
// secrets, destination fields and the transport mode.
package values

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/roach88/provharness/internal/canon"
	"github.com/roach88/provharness/internal/fixture"
)

// TransportMode selects whether outbound HTTP is mocked or performed.
type TransportMode string

const (
	TransportMock TransportMode = "mock"
	TransportReal TransportMode = "real"
)

// Bundle is an immutable values bundle. Mutating helpers return copies.
type Bundle struct {
	Config  map[string]any `json:"config"`
	Secrets map[string]any `json:"secrets"`
	To      map[string]any `json:"to"`
	HTTP    string         `json:"http,omitempty"`
	State   map[string]any `json:"state,omitempty"`
}

// Load reads and validates a values file.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read values %s: %w", path, err)
	}
	return parse(path, data)
}

// Parse decodes and validates a values document.
func Parse(data []byte) (*Bundle, error) {
	return parse("values.json", data)
}

func parse(name string, data []byte) (*Bundle, error) {
	if err := fixture.Validate(fixture.KindValues, name, data); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw struct {
		Config  map[string]any `json:"config"`
		Secrets map[string]any `json:"secrets"`
		To      map[string]any `json:"to"`
		HTTP    *string        `json:"http"`
		State   map[string]any `json:"state"`
	}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode values %s: %w", name, err)
	}

	b := &Bundle{
		Config:  orEmpty(raw.Config),
		Secrets: orEmpty(raw.Secrets),
		To:      orEmpty(raw.To),
		State:   orEmpty(raw.State),
	}
	if raw.HTTP != nil {
		b.HTTP = *raw.HTTP
	}
	return b, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// TransportMode returns the configured mode. Anything other than "real"
// (case-insensitive) is mock.
func (b *Bundle) TransportMode() TransportMode {
	if strings.EqualFold(strings.TrimSpace(b.HTTP), string(TransportReal)) {
		return TransportReal
	}
	return TransportMock
}

// SecretBytes materializes secrets: strings verbatim, anything else as
// canonical JSON text.
func (b *Bundle) SecretBytes() (map[string][]byte, error) {
	out := make(map[string][]byte, len(b.Secrets))
	for k, v := range b.Secrets {
		s, err := text(v)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", k, err)
		}
		out[k] = []byte(s)
	}
	return out, nil
}

// ToMetadata flattens destination fields to strings the same way secrets
// are materialized.
func (b *Bundle) ToMetadata() (map[string]string, error) {
	out := make(map[string]string, len(b.To))
	for k, v := range b.To {
		s, err := text(v)
		if err != nil {
			return nil, fmt.Errorf("to %s: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}

// ConfigString returns a config entry when it is a non-empty string.
func (b *Bundle) ConfigString(key string) (string, bool) {
	s, ok := b.Config[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// ConfigJSON returns the configuration as JSON.
func (b *Bundle) ConfigJSON() (json.RawMessage, error) {
	return canon.Marshal(b.Config)
}

// WithConfig returns a copy of b with key set in its configuration.
func (b *Bundle) WithConfig(key string, value any) *Bundle {
	c := *b
	c.Config = maps.Clone(b.Config)
	if c.Config == nil {
		c.Config = map[string]any{}
	}
	c.Config[key] = value
	return &c
}

// SignatureSecret returns the webhook signing secret for provider, looked
// up as <provider>_signature_secret then <provider>_webhook_signature_secret.
func (b *Bundle) SignatureSecret(provider string) (string, bool) {
	for _, key := range []string{provider + "_signature_secret", provider + "_webhook_signature_secret"} {
		if s, ok := b.ConfigString(key); ok {
			return s, true
		}
	}
	return "", false
}

// SecretKeys returns the secret names, sorted.
func (b *Bundle) SecretKeys() []string {
	return slices.Sorted(maps.Keys(b.Secrets))
}

func text(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := canon.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
