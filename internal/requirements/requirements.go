// Package requirements loads per-provider requirement fixtures and checks a
// values bundle against them before any module is invoked.
package requirements

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/provharness/internal/fixture"
	"github.com/roach88/provharness/internal/values"
)

// ErrNotFound is returned when no requirement fixture exists for a provider.
var ErrNotFound = errors.New("requirements not found")

// Spec declares the values a provider needs.
type Spec struct {
	Provider string          `json:"provider"`
	Config   Group           `json:"config"`
	Secrets  Group           `json:"secrets"`
	To       To              `json:"to"`
	Values   json.RawMessage `json:"values,omitempty"`
}

// Group is a list of required keys.
type Group struct {
	Required []Field `json:"required"`
}

// Field is one required key. Type and Example are documentation only.
type Field struct {
	Key     string          `json:"key"`
	Type    string          `json:"type,omitempty"`
	Example json.RawMessage `json:"example,omitempty"`
}

// To describes the destination fields a bundle must carry.
type To struct {
	Shape map[string]json.RawMessage `json:"shape"`
}

// FileName returns the fixture file name for provider.
func FileName(provider string) string {
	return provider + ".requirements.json"
}

// Load reads <provider>.requirements.json from fsys. It returns the parsed
// spec and the raw document.
func Load(fsys fs.FS, provider string) (*Spec, json.RawMessage, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" || strings.ContainsAny(provider, `/\`) {
		return nil, nil, fmt.Errorf("invalid provider name %q", provider)
	}

	name := FileName(provider)
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, nil, fmt.Errorf("read %s: %w", name, err)
	}

	spec, err := Parse(name, data)
	if err != nil {
		return nil, nil, err
	}
	return spec, json.RawMessage(data), nil
}

// Parse validates and decodes a requirement document.
func Parse(name string, data []byte) (*Spec, error) {
	if err := fixture.Validate(fixture.KindRequirements, name, data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	var spec Spec
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&spec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return &spec, nil
}

// ExampleValues decodes the sample bundle embedded in the spec, if any.
func (s *Spec) ExampleValues() (*values.Bundle, bool, error) {
	if len(s.Values) == 0 || string(s.Values) == "null" {
		return nil, false, nil
	}
	b, err := values.Parse(s.Values)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Report lists missing keys. An empty report means the bundle is valid.
type Report struct {
	Config  []string `json:"config"`
	Secrets []string `json:"secrets"`
	To      []string `json:"to"`
}

// Empty reports whether nothing is missing.
func (r Report) Empty() bool {
	return len(r.Config) == 0 && len(r.Secrets) == 0 && len(r.To) == 0
}

// Err returns a *ValidationError for a non-empty report, else nil.
func (r Report) Err() error {
	if r.Empty() {
		return nil
	}
	return &ValidationError{Missing: r}
}

// Validate returns the keys spec requires that b lacks. Config and secrets
// keep declaration order; destination keys are sorted.
func (s *Spec) Validate(b *values.Bundle) Report {
	r := Report{Config: []string{}, Secrets: []string{}, To: []string{}}
	for _, f := range s.Config.Required {
		if _, ok := b.Config[f.Key]; !ok {
			r.Config = append(r.Config, f.Key)
		}
	}
	for _, f := range s.Secrets.Required {
		if _, ok := b.Secrets[f.Key]; !ok {
			r.Secrets = append(r.Secrets, f.Key)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(s.To.Shape)) {
		if _, ok := b.To[key]; !ok {
			r.To = append(r.To, key)
		}
	}
	return r
}

// Check validates b and returns a *ValidationError naming the provider when
// anything is missing.
func (s *Spec) Check(b *values.Bundle) error {
	r := s.Validate(b)
	if r.Empty() {
		return nil
	}
	return &ValidationError{Provider: s.Provider, Missing: r}
}

// ValidationError reports missing required values.
type ValidationError struct {
	Provider string
	Missing  Report
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing.Config) > 0 {
		parts = append(parts, "config "+strings.Join(e.Missing.Config, ","))
	}
	if len(e.Missing.Secrets) > 0 {
		parts = append(parts, "secrets "+strings.Join(e.Missing.Secrets, ","))
	}
	if len(e.Missing.To) > 0 {
		parts = append(parts, "to "+strings.Join(e.Missing.To, ","))
	}
	if e.Provider == "" {
		return "missing required values: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("%s: missing required values: %s", e.Provider, strings.Join(parts, "; "))
}
