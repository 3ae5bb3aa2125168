package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a locator resolves to no module.
var ErrNotFound = errors.New("module not found")

// Fault is a failure of the sandbox itself: a missing or corrupt image, a
// guest trap or panic, or output the host cannot decode. The guest never
// produced a result.
type Fault struct {
	Locator string
	Op      string
	Err     error
}

func (f *Fault) Error() string {
	if f.Op == "" {
		return fmt.Sprintf("sandbox %s: %v", f.Locator, f.Err)
	}
	return fmt.Sprintf("sandbox %s %s: %v", f.Locator, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// ModuleError is an error raised by the module itself. The host stays
// healthy and reports it as the operation's outcome.
type ModuleError struct {
	Op      Op
	Message string
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s: %s", e.Op, e.Message)
}

// NewModuleError is the error a native guest returns to raise a module error.
func NewModuleError(op Op, format string, args ...any) *ModuleError {
	return &ModuleError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// DecodeOutput unmarshals an operation's output. Undecodable output is a
// sandbox fault.
func DecodeOutput[T any](locator string, op Op, out []byte) (T, error) {
	var v T
	if err := json.Unmarshal(out, &v); err != nil {
		return v, &Fault{Locator: locator, Op: string(op), Err: fmt.Errorf("decode output: %w", err)}
	}
	return v, nil
}
