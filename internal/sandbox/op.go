package sandbox

import (
	"errors"
	"fmt"
)

// ErrUnsupportedOperation is returned for an operation name outside Op.
var ErrUnsupportedOperation = errors.New("unsupported operation")

// Op is a provider operation.
type Op string

const (
	OpSend             Op = "send"
	OpReply            Op = "reply"
	OpIngestHTTP       Op = "ingest_http"
	OpRenderPlan       Op = "render_plan"
	OpEncode           Op = "encode"
	OpSendPayload      Op = "send_payload"
	OpReconcileWebhook Op = "reconcile_webhook"

	// OpUnsupported is what ParseOp yields for a name outside the set.
	OpUnsupported Op = "unsupported"
)

// Ops lists every operation in pipeline order.
var Ops = []Op{
	OpRenderPlan, OpEncode, OpSendPayload, OpSend, OpReply, OpIngestHTTP, OpReconcileWebhook,
}

// ParseOp maps an operation name onto Op. Unknown names give OpUnsupported
// and an error wrapping ErrUnsupportedOperation.
func ParseOp(name string) (Op, error) {
	for _, op := range Ops {
		if string(op) == name {
			return op, nil
		}
	}
	return OpUnsupported, fmt.Errorf("%w: %q", ErrUnsupportedOperation, name)
}

func (o Op) String() string { return string(o) }
