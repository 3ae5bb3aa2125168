package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/provharness/internal/dto"
)

// AssertionError is returned when an assertion fails. It carries the
// recorded calls so the failure can be read on its own.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Calls    []recordedCall
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nRecorded calls:\n")
	if len(e.Calls) == 0 {
		fmt.Fprintf(&buf, "  (none)\n")
	}
	for _, c := range e.Calls {
		fmt.Fprintf(&buf, "  [step %d #%d] %s %s\n", c.step, c.rec.Seq, c.rec.Request.Method, c.rec.Request.URL)
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns
// the failure messages, prefixed with the assertion index.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion) error {
	switch a.Type {
	case AssertCallCount:
		return assertCallCount(result.calls(a.Step), a)
	case AssertCallContains:
		return assertCallContains(result.calls(a.Step), a)
	case AssertCallOrder:
		return assertCallOrder(result.calls(a.Step), a)
	case AssertExpr:
		return assertExpr(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// matchCall reports whether c satisfies the method, url, header and body
// constraints of a. Unset constraints match anything.
func matchCall(c recordedCall, a Assertion) bool {
	req := c.rec.Request
	if a.Method != "" && !strings.EqualFold(a.Method, req.Method) {
		return false
	}
	if a.URL != "" && a.URL != req.URL {
		return false
	}
	for name, want := range a.Headers {
		got, ok := dto.HeaderValue(req.Headers, name)
		if !ok || got != want {
			return false
		}
	}
	if a.BodyContains != "" && !strings.Contains(string(req.Body), a.BodyContains) {
		return false
	}
	return true
}

// assertCallCount checks that exactly Count calls match.
func assertCallCount(calls []recordedCall, a Assertion) error {
	count := 0
	for _, c := range calls {
		if matchCall(c, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertCallCount,
			Expected: fmt.Sprintf("%d calls matching %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d calls", count),
			Calls:    calls,
		}
	}
	return nil
}

// assertCallContains checks that at least one call matches.
func assertCallContains(calls []recordedCall, a Assertion) error {
	for _, c := range calls {
		if matchCall(c, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertCallContains,
		Expected: "a call matching " + describe(a),
		Actual:   "no matching call",
		Calls:    calls,
	}
}

// assertCallOrder checks that URLs were first called in the given order.
// Other calls may come in between.
func assertCallOrder(calls []recordedCall, a Assertion) error {
	positions := make(map[string]int)
	for i, c := range calls {
		url := c.rec.Request.URL
		if _, seen := positions[url]; !seen {
			positions[url] = i + 1
		}
	}

	for _, url := range a.URLs {
		if positions[url] == 0 {
			return &AssertionError{
				Type:     AssertCallOrder,
				Expected: fmt.Sprintf("all urls called: %v", a.URLs),
				Actual:   "missing call to " + url,
				Calls:    calls,
			}
		}
	}

	for i := 1; i < len(a.URLs); i++ {
		prev, curr := a.URLs[i-1], a.URLs[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertCallOrder,
				Expected: fmt.Sprintf("urls in order: %v", a.URLs),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Calls: calls,
			}
		}
	}
	return nil
}

func describe(a Assertion) string {
	var parts []string
	if a.Method != "" {
		parts = append(parts, "method="+a.Method)
	}
	if a.URL != "" {
		parts = append(parts, "url="+a.URL)
	}
	for name, value := range a.Headers {
		parts = append(parts, fmt.Sprintf("header %s=%q", strings.ToLower(name), value))
	}
	if a.BodyContains != "" {
		parts = append(parts, fmt.Sprintf("body~%q", a.BodyContains))
	}
	if len(parts) == 0 {
		return "anything"
	}
	return "{" + strings.Join(parts, " ") + "}"
}
