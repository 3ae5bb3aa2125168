package harness

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// exprEnv declares the variables an expr assertion can read:
//
//	calls: list of {step, seq, method, url, headers, body, status, fault}
//	steps: list of {index, op, status, error_kind, error, http_status,
//	        envelopes, texts, retryable}
//
// Header names are lowercased. Integer fields are ints.
func exprEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("calls", cel.ListType(cel.DynType)),
		cel.Variable("steps", cel.ListType(cel.DynType)),
	)
}

// assertExpr evaluates a CEL expression that must produce true.
func assertExpr(result *Result, a Assertion) error {
	env, err := exprEnv()
	if err != nil {
		return fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(a.Expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("cel compile: %w", issues.Err())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return fmt.Errorf("cel program: %w", err)
	}

	out, _, err := prog.Eval(exprVars(result))
	if err != nil {
		return fmt.Errorf("cel eval: %w", err)
	}
	if out.Type() != types.BoolType {
		return fmt.Errorf("cel eval: expression produced %s, want bool", out.Type().TypeName())
	}
	if ok, _ := out.Value().(bool); !ok {
		return &AssertionError{
			Type:     AssertExpr,
			Expected: a.Expr,
			Actual:   "false",
			Calls:    result.calls(nil),
		}
	}
	return nil
}

func exprVars(result *Result) map[string]any {
	calls := []any{}
	for _, c := range result.calls(nil) {
		req := c.rec.Request
		headers := make(map[string]any, len(req.Headers))
		for _, h := range req.Headers {
			name := strings.ToLower(h.Name)
			if _, ok := headers[name]; !ok {
				headers[name] = h.Value
			}
		}
		call := map[string]any{
			"step":    int64(c.step),
			"seq":     c.rec.Seq,
			"method":  req.Method,
			"url":     req.URL,
			"headers": headers,
			"body":    string(req.Body),
			"status":  int64(0),
			"fault":   "",
		}
		if c.rec.Response != nil {
			call["status"] = int64(c.rec.Response.Status)
		}
		if c.rec.Fault != nil {
			call["fault"] = c.rec.Fault.Code
		}
		calls = append(calls, call)
	}

	steps := make([]any, 0, len(result.Steps))
	for _, st := range result.Steps {
		texts := make([]any, 0, len(st.Texts))
		for _, t := range st.Texts {
			texts = append(texts, t)
		}
		steps = append(steps, map[string]any{
			"index":       int64(st.Index),
			"op":          st.Op,
			"status":      st.Status,
			"error_kind":  st.ErrorKind,
			"error":       st.Error,
			"http_status": int64(st.HTTPStatus),
			"envelopes":   int64(st.Envelopes),
			"texts":       texts,
			"retryable":   st.Retryable,
		})
	}

	return map[string]any{"calls": calls, "steps": steps}
}
