package harness

import (
	"github.com/roach88/provharness/internal/httpmock"
)

const (
	statusOK     = "ok"
	statusFailed = "failed"
)

// CallTrace summarizes one transport call for golden comparison.
type CallTrace struct {
	Seq    int64  `json:"seq"`
	Method string `json:"method"`
	URL    string `json:"url"`
	Status int    `json:"status,omitempty"`
	Fault  string `json:"fault,omitempty"`
}

// StepTrace is the recorded outcome of one step.
type StepTrace struct {
	Index        int         `json:"index"`
	Op           string      `json:"op"`
	ProviderType string      `json:"provider_type,omitempty"`
	Status       string      `json:"status"`
	ErrorKind    string      `json:"error_kind,omitempty"`
	Error        string      `json:"error,omitempty"`
	Retryable    bool        `json:"retryable,omitempty"`
	HTTPStatus   int         `json:"http_status,omitempty"`
	Envelopes    int         `json:"envelopes,omitempty"`
	Texts        []string    `json:"texts,omitempty"`
	Calls        []CallTrace `json:"calls"`

	records []httpmock.Record
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Steps holds one trace per step, in order.
	Steps []StepTrace `json:"steps"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepTrace{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// recordedCall is a call with the step that made it.
type recordedCall struct {
	step int
	rec  httpmock.Record
}

// calls returns the recorded calls of one step, or all steps when step is
// nil.
func (r *Result) calls(step *int) []recordedCall {
	var out []recordedCall
	for _, st := range r.Steps {
		if step != nil && st.Index != *step {
			continue
		}
		for _, rec := range st.records {
			out = append(out, recordedCall{step: st.Index, rec: rec})
		}
	}
	return out
}

func traceCalls(records []httpmock.Record) []CallTrace {
	out := make([]CallTrace, 0, len(records))
	for _, rec := range records {
		ct := CallTrace{Seq: rec.Seq, Method: rec.Request.Method, URL: rec.Request.URL}
		if rec.Response != nil {
			ct.Status = rec.Response.Status
		}
		if rec.Fault != nil {
			ct.Fault = rec.Fault.Code
		}
		out = append(out, ct)
	}
	return out
}
