package capability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/roach88/provharness/internal/dto"
)

// Request is the canonical outbound HTTP request every revision maps onto.
type Request struct {
	Method  string       `json:"method"`
	URL     string       `json:"url"`
	Headers []dto.Header `json:"headers"`
	// Body is nil when the guest sent no body. An empty, non-nil body is
	// a present but empty body.
	Body    []byte          `json:"body_b64,omitempty"`
	Options *RequestOptions `json:"options,omitempty"`
	Context *CallContext    `json:"context,omitempty"`
}

// Header returns the first header named name, compared case-insensitively.
func (r Request) Header(name string) string {
	v, _ := dto.HeaderValue(r.Headers, name)
	return v
}

// RequestOptions tune a single request. Only newer revisions carry them.
type RequestOptions struct {
	TimeoutMS       uint64 `json:"timeout_ms,omitempty"`
	AllowInsecure   bool   `json:"allow_insecure,omitempty"`
	FollowRedirects *bool  `json:"follow_redirects,omitempty"`
}

// CallContext carries tenant attributes and correlation ids for a request.
// Only newer revisions carry it.
type CallContext struct {
	Env            string            `json:"env,omitempty"`
	Tenant         string            `json:"tenant,omitempty"`
	Team           string            `json:"team,omitempty"`
	User           string            `json:"user,omitempty"`
	TraceID        string            `json:"trace_id,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Response is the canonical HTTP response returned to a guest.
type Response struct {
	Status  int          `json:"status"`
	Headers []dto.Header `json:"headers"`
	Body    []byte       `json:"body_b64"`
}

// Header returns the first header named name, compared case-insensitively.
func (r Response) Header(name string) string {
	v, _ := dto.HeaderValue(r.Headers, name)
	return v
}

// Fault codes. Network and timeout are the network class; everything else is
// a provider-class fault.
const (
	CodeNetwork        = "network"
	CodeTimeout        = "timeout"
	CodeInvalidRequest = "invalid_request"
	CodeUnavailable    = "unavailable"
	CodeDenied         = "denied"
	CodeInternal       = "internal"
)

// Fault is an error a capability reports back to the guest.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Capability is set on faults the Host records and never crosses the
	// guest boundary.
	Capability Kind `json:"-"`
}

func (f *Fault) Error() string {
	if f == nil {
		return "<nil>"
	}
	if msg := strings.TrimSpace(f.Message); msg != "" {
		return fmt.Sprintf("%s: %s", f.Code, msg)
	}
	return f.Code
}

// Network reports whether the fault belongs to the network class.
func (f *Fault) Network() bool {
	return f != nil && (f.Code == CodeNetwork || f.Code == CodeTimeout)
}

// IsNetwork reports whether err is, or wraps, a network-class fault.
func IsNetwork(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Network()
	}
	return false
}

// AsFault converts any transport error into a Fault. Existing faults pass
// through unchanged.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}

	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Code: CodeTimeout, Message: err.Error()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Fault{Code: CodeTimeout, Message: err.Error()}
		}
		return &Fault{Code: CodeNetwork, Message: err.Error()}
	}

	return &Fault{Code: CodeInternal, Message: err.Error()}
}
