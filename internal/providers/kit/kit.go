// Package kit holds helpers shared by the reference provider modules.
package kit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/dto"
)

// JSON marshals v. Guest outputs are plain structs, so a failure here is a
// programming error and panics; the sandbox turns it into a fault.
func JSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal guest output: %v", err))
	}
	return data
}

// SecretString reads a UTF-8 secret through the secrets capability.
func SecretString(ctx context.Context, imports capability.Imports, key string) (string, error) {
	value, ok, err := capability.NewSecretsClient(imports).Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("secret store error: %v", err)
	}
	if !ok {
		return "", fmt.Errorf("missing secret: %s", key)
	}
	if !utf8.Valid(value) {
		return "", fmt.Errorf("secret %s not valid utf-8", key)
	}
	return string(value), nil
}

// Success reports whether status is 2xx.
func Success(status int) bool {
	return status >= 200 && status < 300
}

// ConfigString returns cfg[key] when it is a non-blank string, else def.
func ConfigString(cfg map[string]any, key, def string) string {
	if s, ok := cfg[key].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return def
}

// CheckStringKeys reports keys in cfg that are present but not strings.
func CheckStringKeys(cfg map[string]any, keys ...string) []string {
	var errs []string
	for _, key := range keys {
		if v, ok := cfg[key]; ok && v != nil {
			if _, isString := v.(string); !isString {
				errs = append(errs, fmt.Sprintf("%s must be a string", key))
			}
		}
	}
	return errs
}

// FirstDestination returns the envelope's first addressee with a non-blank id.
func FirstDestination(env dto.ChannelMessageEnvelope) (dto.Destination, bool) {
	for _, d := range env.To {
		if id := strings.TrimSpace(d.ID); id != "" {
			return dto.Destination{ID: id, Kind: strings.TrimSpace(d.Kind)}, true
		}
	}
	return dto.Destination{}, false
}

// CardSummary extracts display text from an adaptive card: its text field,
// or the non-blank text of its body blocks joined by spaces.
func CardSummary(card any) (string, bool) {
	obj, ok := card.(map[string]any)
	if !ok {
		return "", false
	}
	if s, ok := obj["text"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s), true
	}
	blocks, _ := obj["body"].([]any)
	var segments []string
	for _, b := range blocks {
		block, _ := b.(map[string]any)
		if s, ok := block["text"].(string); ok && strings.TrimSpace(s) != "" {
			segments = append(segments, strings.TrimSpace(s))
		}
	}
	if len(segments) == 0 {
		return "", false
	}
	return strings.Join(segments, " "), true
}

// UpstreamError formats a non-2xx upstream response.
func UpstreamError(backend string, status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Sprintf("%s returned status %d", backend, status)
	}
	return fmt.Sprintf("%s returned status %d body=%s", backend, status, trimmed)
}

// SendPayloadError is a failed send_payload result.
func SendPayloadError(retryable bool, format string, args ...any) []byte {
	return JSON(dto.SendPayloadResult{OK: false, Message: fmt.Sprintf(format, args...), Retryable: retryable})
}

// HTTPOutError is an ingest_http result carrying only a status and message.
func HTTPOutError(status int, message string) []byte {
	return JSON(dto.HTTPOut{
		Status:  status,
		Headers: []dto.Header{},
		Body:    []byte(message),
		Events:  []dto.ChannelMessageEnvelope{},
	})
}
