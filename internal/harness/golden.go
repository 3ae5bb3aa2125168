package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/provharness/internal/canon"
)

// TraceSnapshot is the golden form of a scenario run. Error messages are
// left out; kinds and statuses are enough to pin behavior.
type TraceSnapshot struct {
	ScenarioName string      `json:"scenario_name"`
	Provider     string      `json:"provider"`
	Steps        []StepTrace `json:"steps"`
}

// toCanonicalMap converts a snapshot to a map for canonical JSON
// serialization, dropping error text.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	steps := make([]any, len(s.Steps))
	for i, st := range s.Steps {
		calls := make([]any, len(st.Calls))
		for j, c := range st.Calls {
			call := map[string]any{
				"seq":    c.Seq,
				"method": c.Method,
				"url":    c.URL,
			}
			if c.Status != 0 {
				call["status"] = c.Status
			}
			if c.Fault != "" {
				call["fault"] = c.Fault
			}
			calls[j] = call
		}

		step := map[string]any{
			"index":  st.Index,
			"op":     st.Op,
			"status": st.Status,
			"calls":  calls,
		}
		if st.ProviderType != "" {
			step["provider_type"] = st.ProviderType
		}
		if st.ErrorKind != "" {
			step["error_kind"] = st.ErrorKind
		}
		if st.Retryable {
			step["retryable"] = true
		}
		if st.HTTPStatus != 0 {
			step["http_status"] = st.HTTPStatus
		}
		if st.Envelopes != 0 {
			step["envelopes"] = st.Envelopes
		}
		steps[i] = step
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"provider":      s.Provider,
		"steps":         steps,
	}
}

// MarshalTrace renders the canonical golden trace of a result.
func MarshalTrace(scenario *Scenario, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenario.Name,
		Provider:     scenario.Provider,
		Steps:        result.Steps,
	}
	return canon.Marshal(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, h *Harness, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := h.Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenario, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, traceJSON)
	return nil
}
