package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/httpmock"
)

func call(seq int64, method, url string, status int, headers ...dto.Header) httpmock.Record {
	return httpmock.Record{
		Seq:      seq,
		Request:  capability.Request{Method: method, URL: url, Headers: headers, Body: []byte(`{"text":"hi"}`)},
		Response: &capability.Response{Status: status},
	}
}

func sampleResult() *Result {
	r := NewResult()
	r.Steps = []StepTrace{
		{
			Index: 0, Op: OpSend, Status: statusOK,
			records: []httpmock.Record{
				call(1, "POST", "https://api.test/messages", 200, dto.Header{Name: "Authorization", Value: "Bearer t"}),
				call(2, "GET", "https://api.test/people/me", 200),
			},
		},
		{
			Index: 1, Op: OpIngest, Status: statusFailed, ErrorKind: "network", HTTPStatus: 502, Envelopes: 1,
			Texts: []string{""},
			records: []httpmock.Record{{
				Seq:     1,
				Request: capability.Request{Method: "GET", URL: "https://api.test/messages/1"},
				Fault:   &capability.Fault{Code: capability.CodeNetwork, Message: "refused"},
			}},
		},
	}
	return r
}

func TestAssertCallCount(t *testing.T) {
	r := sampleResult()
	one := 1

	assert.NoError(t, evaluateAssertion(r, Assertion{Type: AssertCallCount, Count: 3}))
	assert.NoError(t, evaluateAssertion(r, Assertion{Type: AssertCallCount, Method: "get", Count: 2}))
	assert.NoError(t, evaluateAssertion(r, Assertion{Type: AssertCallCount, Step: &one, Count: 1}))
	assert.NoError(t, evaluateAssertion(r, Assertion{Type: AssertCallCount, URL: "https://nowhere", Count: 0}))

	err := evaluateAssertion(r, Assertion{Type: AssertCallCount, Method: "POST", Count: 2})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "1 calls", ae.Actual)
	assert.Contains(t, err.Error(), "[step 0 #1] POST https://api.test/messages")
}

func TestAssertCallContains(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, evaluateAssertion(r, Assertion{
		Type:         AssertCallContains,
		Method:       "POST",
		Headers:      map[string]string{"authorization": "Bearer t"},
		BodyContains: `"text"`,
	}))

	err := evaluateAssertion(r, Assertion{
		Type:    AssertCallContains,
		URL:     "https://api.test/messages",
		Headers: map[string]string{"Authorization": "Bearer other"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `header authorization="Bearer other"`)
}

func TestAssertCallOrder(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, evaluateAssertion(r, Assertion{
		Type: AssertCallOrder,
		URLs: []string{"https://api.test/messages", "https://api.test/messages/1"},
	}))

	err := evaluateAssertion(r, Assertion{
		Type: AssertCallOrder,
		URLs: []string{"https://api.test/messages/1", "https://api.test/people/me"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should be before")

	err = evaluateAssertion(r, Assertion{Type: AssertCallOrder, URLs: []string{"https://missing"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing call to https://missing")
}

func TestAssertExpr(t *testing.T) {
	r := sampleResult()

	passing := []string{
		`calls.size() == 3`,
		`calls[0].headers["authorization"] == "Bearer t"`,
		`calls.exists(c, c.fault == "network" && c.status == 0)`,
		`calls.filter(c, c.step == 0).all(c, c.status == 200)`,
		`steps[1].error_kind == "network" && steps[1].http_status == 502`,
		`steps[1].texts.size() == steps[1].envelopes`,
		`calls[0].body.contains("hi")`,
	}
	for _, expr := range passing {
		assert.NoError(t, evaluateAssertion(r, Assertion{Type: AssertExpr, Expr: expr}), expr)
	}

	err := evaluateAssertion(r, Assertion{Type: AssertExpr, Expr: `calls.size() == 0`})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "false", ae.Actual)

	err = evaluateAssertion(r, Assertion{Type: AssertExpr, Expr: `calls.size(`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cel compile")

	err = evaluateAssertion(r, Assertion{Type: AssertExpr, Expr: `calls.size()`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")

	err = evaluateAssertion(r, Assertion{Type: AssertExpr, Expr: `calls[9].status == 1`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cel eval")
}

func TestEvaluateAssertions_PrefixesIndex(t *testing.T) {
	r := sampleResult()
	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertCallCount, Count: 3},
		{Type: AssertCallCount, Count: 4},
		{Type: "bogus"},
	})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "assertions[1]: Assertion failed: call_count")
	assert.Contains(t, errs[1], `assertions[2]: unknown assertion type "bogus"`)
}

func TestCheckExpect(t *testing.T) {
	failed := StepTrace{Status: statusFailed, ErrorKind: "module", Error: "send_payload failed (module): nope"}
	assert.Len(t, checkExpect(0, nil, failed), 1)
	assert.Empty(t, checkExpect(0, &Expect{Status: statusFailed, ErrorKind: "module", ErrorContains: "nope"}, failed))

	two := 2
	errs := checkExpect(3, &Expect{HTTPStatus: 200, Envelopes: &two}, StepTrace{Status: statusOK, HTTPStatus: 502, Envelopes: 1})
	require.Len(t, errs, 2)
	assert.Equal(t, "steps[3]: expected http status 200, got 502", errs[0])
	assert.Equal(t, "steps[3]: expected 2 envelopes, got 1", errs[1])
}
