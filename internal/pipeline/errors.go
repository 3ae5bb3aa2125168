package pipeline

import (
	"errors"
	"fmt"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/sandbox"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindValidation Kind = "validation"
	KindLoad       Kind = "load"
	KindSandbox    Kind = "sandbox"
	KindCapability Kind = "capability"
	KindNetwork    Kind = "network"
	KindModule     Kind = "module"
)

// Stage names where in a run a failure happened. Operation stages carry the
// operation name.
type Stage string

const (
	StageValidate Stage = "validate"
	StageLoad     Stage = "load"
	StagePlan     Stage = Stage(sandbox.OpRenderPlan)
	StageEncode   Stage = Stage(sandbox.OpEncode)
	StageSend     Stage = Stage(sandbox.OpSendPayload)
	StageIngest   Stage = Stage(sandbox.OpIngestHTTP)
	StageWebhook  Stage = Stage(sandbox.OpReconcileWebhook)
	StageDirect   Stage = Stage(sandbox.OpSend)
	StageReply    Stage = Stage(sandbox.OpReply)
)

// Error is a terminal pipeline failure.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a pipeline error, or "" for any other error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// classify wraps an error returned by the sandbox for an operation stage.
func classify(stage Stage, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	var modErr *sandbox.ModuleError
	switch {
	case errors.As(err, &modErr):
		return &Error{Kind: KindModule, Stage: stage, Err: err}
	case errors.Is(err, sandbox.ErrUnsupportedOperation):
		return &Error{Kind: KindModule, Stage: stage, Err: err}
	default:
		return &Error{Kind: KindSandbox, Stage: stage, Err: err}
	}
}

// reported builds the error for a module's own ok:false result. Faults the
// host reported to the module during the operation decide the kind, except
// the standing unavailable answer of the state store, which modules are
// expected to ride out.
func reported(stage Stage, message string, faults []capability.Fault) error {
	if message == "" {
		message = fmt.Sprintf("%s returned ok=false", stage)
	}
	kind := KindModule
	for _, f := range faults {
		if f.Capability == capability.KindState && f.Code == capability.CodeUnavailable {
			continue
		}
		if f.Network() {
			kind = KindNetwork
			break
		}
		kind = KindCapability
	}
	return &Error{Kind: kind, Stage: stage, Err: errors.New(message)}
}
