package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario drives one provider through a sequence of steps and checks the
// recorded calls.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Provider is the module locator and requirement fixture name.
	Provider string `yaml:"provider"`

	// Values is an inline values bundle. ValuesFile is a path to one,
	// relative to the scenario file. Exactly one may be set; neither means
	// an empty bundle.
	Values     map[string]any `yaml:"values,omitempty"`
	ValuesFile string         `yaml:"values_file,omitempty"`

	// Encoder selects the send pipeline encoder: "host" (default) or
	// "module".
	Encoder string `yaml:"encoder,omitempty"`

	// Steps run in order, each against a fresh module instance and mock.
	Steps []Step `yaml:"steps"`

	// Assertions validate the calls and outcomes of all steps.
	Assertions []Assertion `yaml:"assertions"`

	// dir is the directory the scenario was loaded from.
	dir string
}

// Step is one pipeline run. Exactly one of Send, Ingest and Webhook is set.
type Step struct {
	Send    *SendStep    `yaml:"send,omitempty"`
	Ingest  *IngestStep  `yaml:"ingest,omitempty"`
	Webhook *WebhookStep `yaml:"webhook,omitempty"`

	// Mock responses are queued, in order, before the step runs.
	Mock []MockResponse `yaml:"mock,omitempty"`

	// Expect checks the step outcome. Nil means the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Op returns the operation name of the step.
func (s Step) Op() string {
	switch {
	case s.Send != nil:
		return OpSend
	case s.Ingest != nil:
		return OpIngest
	case s.Webhook != nil:
		return OpWebhook
	}
	return ""
}

// Step operation names.
const (
	OpSend    = "send"
	OpIngest  = "ingest"
	OpWebhook = "webhook"
)

// SendStep runs the outbound pipeline.
type SendStep struct {
	Text string         `yaml:"text,omitempty"`
	Card map[string]any `yaml:"card,omitempty"`
	// To overrides the destination taken from the values bundle.
	To []Target `yaml:"to,omitempty"`
}

// Target is one destination.
type Target struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind,omitempty"`
}

// IngestStep hands one inbound request to the module, either from an
// http-in file or described inline.
type IngestStep struct {
	HTTPIn  string            `yaml:"http_in,omitempty"`
	Method  string            `yaml:"method,omitempty"`
	Path    string            `yaml:"path,omitempty"`
	Query   string            `yaml:"query,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`

	PublicBaseURL string `yaml:"public_base_url,omitempty"`
}

// WebhookStep reconciles the provider's webhook registration.
type WebhookStep struct {
	PublicBaseURL string `yaml:"public_base_url"`
	SecretToken   string `yaml:"secret_token,omitempty"`
	DryRun        bool   `yaml:"dry_run,omitempty"`
}

// MockResponse is one queued transport outcome: a response, or a fault
// when Fault is set. JSON, when set, is encoded as the body.
type MockResponse struct {
	Status int        `yaml:"status,omitempty"`
	Body   string     `yaml:"body,omitempty"`
	JSON   any        `yaml:"json,omitempty"`
	Fault  *MockFault `yaml:"fault,omitempty"`
}

// MockFault is a queued transport fault.
type MockFault struct {
	Code    string `yaml:"code"`
	Message string `yaml:"message,omitempty"`
}

// Expect describes the expected step outcome. Unset fields are not
// checked.
type Expect struct {
	// Status is "ok" or "failed".
	Status string `yaml:"status,omitempty"`
	// ErrorKind is the pipeline failure kind, e.g. "network" or "validation".
	ErrorKind string `yaml:"error_kind,omitempty"`
	// ErrorContains must be a substring of the error message.
	ErrorContains string `yaml:"error_contains,omitempty"`
	// HTTPStatus is the status an ingest step answered with.
	HTTPStatus int `yaml:"http_status,omitempty"`
	// Envelopes is the number of envelopes an ingest step produced.
	Envelopes *int `yaml:"envelopes,omitempty"`
	// Retryable is the send result's retry hint.
	Retryable *bool `yaml:"retryable,omitempty"`
}

// Assertion validates the recorded calls and step outcomes.
type Assertion struct {
	// Type is one of call_count, call_contains, call_order, expr.
	Type string `yaml:"type"`

	// Step limits call assertions to one step. Nil means every step.
	Step *int `yaml:"step,omitempty"`

	// Method and URL filter calls (call_count, call_contains).
	Method string `yaml:"method,omitempty"`
	URL    string `yaml:"url,omitempty"`

	// Headers must all be present with these values (call_contains).
	// Names are case-insensitive.
	Headers map[string]string `yaml:"headers,omitempty"`

	// BodyContains must be a substring of the request body (call_contains).
	BodyContains string `yaml:"body_contains,omitempty"`

	// Count is the expected number of matching calls (call_count).
	Count int `yaml:"count,omitempty"`

	// URLs must appear in this relative order (call_order).
	URLs []string `yaml:"urls,omitempty"`

	// Expr is a CEL expression over calls and steps that must be true.
	Expr string `yaml:"expr,omitempty"`
}

// Assertion type constants.
const (
	AssertCallCount    = "call_count"
	AssertCallContains = "call_contains"
	AssertCallOrder    = "call_order"
	AssertExpr         = "expr"
)

// LoadScenario reads and parses a scenario YAML file. Relative paths in the
// scenario resolve against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	scenario.dir = filepath.Dir(path)
	return scenario, nil
}

// ParseScenario decodes a scenario with strict field checking and
// validates it. Relative paths resolve against the working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml and *.yml file in dir, sorted by file
// name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	scenarios := make([]*Scenario, 0, len(names))
	for _, name := range names {
		s, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// resolve returns p relative to the scenario's directory.
func (s *Scenario) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || s.dir == "" {
		return p
	}
	return filepath.Join(s.dir, p)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(s.Name, `/\ `) {
		return fmt.Errorf("name %q must not contain slashes or spaces", s.Name)
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if s.Values != nil && s.ValuesFile != "" {
		return fmt.Errorf("values and values_file are mutually exclusive")
	}
	switch s.Encoder {
	case "", "host", "module":
	default:
		return fmt.Errorf("unknown encoder %q", s.Encoder)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, len(s.Steps)); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, s *Step) error {
	set := 0
	for _, present := range []bool{s.Send != nil, s.Ingest != nil, s.Webhook != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of send, ingest or webhook is required", index)
	}

	if s.Send != nil && strings.TrimSpace(s.Send.Text) == "" && s.Send.Card == nil {
		return fmt.Errorf("steps[%d].send: text or card is required", index)
	}
	if s.Send != nil {
		for j, to := range s.Send.To {
			if strings.TrimSpace(to.ID) == "" {
				return fmt.Errorf("steps[%d].send.to[%d]: id is required", index, j)
			}
		}
	}
	if s.Ingest != nil && s.Ingest.HTTPIn != "" {
		in := s.Ingest
		if in.Method != "" || in.Path != "" || in.Query != "" || in.Headers != nil || in.Body != "" {
			return fmt.Errorf("steps[%d].ingest: http_in cannot be combined with an inline request", index)
		}
	}
	if s.Webhook != nil && strings.TrimSpace(s.Webhook.PublicBaseURL) == "" {
		return fmt.Errorf("steps[%d].webhook: public_base_url is required", index)
	}

	for j, m := range s.Mock {
		switch {
		case m.Fault != nil && (m.Status != 0 || m.Body != "" || m.JSON != nil):
			return fmt.Errorf("steps[%d].mock[%d]: fault cannot be combined with a response", index, j)
		case m.Fault != nil && m.Fault.Code == "":
			return fmt.Errorf("steps[%d].mock[%d]: fault code is required", index, j)
		case m.Fault == nil && m.Body != "" && m.JSON != nil:
			return fmt.Errorf("steps[%d].mock[%d]: body and json are mutually exclusive", index, j)
		}
	}

	if e := s.Expect; e != nil {
		switch e.Status {
		case "", statusOK, statusFailed:
		default:
			return fmt.Errorf("steps[%d].expect: status must be %q or %q", index, statusOK, statusFailed)
		}
		if e.Status == statusOK && (e.ErrorKind != "" || e.ErrorContains != "") {
			return fmt.Errorf("steps[%d].expect: error checks require status %q", index, statusFailed)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, steps int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Step != nil && (*a.Step < 0 || *a.Step >= steps) {
		return fmt.Errorf("assertions[%d]: step %d out of range", index, *a.Step)
	}

	switch a.Type {
	case AssertCallCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for call_count", index)
		}
	case AssertCallContains:
		if a.Method == "" && a.URL == "" && len(a.Headers) == 0 && a.BodyContains == "" {
			return fmt.Errorf("assertions[%d]: call_contains needs at least one of method, url, headers, body_contains", index)
		}
	case AssertCallOrder:
		if len(a.URLs) == 0 {
			return fmt.Errorf("assertions[%d]: urls list is required for call_order", index)
		}
	case AssertExpr:
		if strings.TrimSpace(a.Expr) == "" {
			return fmt.Errorf("assertions[%d]: expr is required for expr", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
