package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotWired is returned when a guest calls a capability that was not
// injected for the current invocation.
var ErrNotWired = errors.New("capability not wired")

// Imports is the single entry point a guest uses to reach host capabilities.
// payload and the returned bytes are JSON in the shape of the named
// interface revision. A returned error is a host-level failure (unknown
// interface, capability not wired, malformed payload); capability faults
// are encoded in the returned payload instead.
type Imports interface {
	Call(ctx context.Context, iface, fn string, payload []byte) ([]byte, error)
}

// Transport performs canonical HTTP requests. The mock controller is the
// usual implementation.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// HostConfig selects which capabilities a Host exposes. A nil field leaves
// that capability unwired.
type HostConfig struct {
	Registry  *Registry
	Transport Transport
	Secrets   *SecretStore
	State     StateStore
	Logger    *slog.Logger
}

// Host implements Imports over the configured capabilities.
type Host struct {
	registry  *Registry
	transport Transport
	secrets   *SecretStore
	state     StateStore
	logger    *slog.Logger

	mu     sync.Mutex
	faults []Fault
}

// NewHost creates a Host. A nil registry means DefaultRegistry.
func NewHost(cfg HostConfig) *Host {
	reg := cfg.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		registry:  reg,
		transport: cfg.Transport,
		secrets:   cfg.Secrets,
		state:     cfg.State,
		logger:    logger,
	}
}

// Call implements Imports.
func (h *Host) Call(ctx context.Context, iface, fn string, payload []byte) ([]byte, error) {
	route, err := h.registry.Resolve(iface)
	if err != nil {
		return nil, err
	}

	switch route.Kind {
	case KindHTTP:
		if fn != FnSend {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownFunction, iface, fn)
		}
		return h.callHTTP(ctx, route.Revision, payload)
	case KindSecrets:
		return h.callSecrets(fn, iface, payload)
	case KindState:
		return h.callState(ctx, fn, iface, payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownInterface, iface)
	}
}

// Faults returns every fault the host reported to the guest, in order.
func (h *Host) Faults() []Fault {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Fault, len(h.faults))
	copy(out, h.faults)
	return out
}

// NetworkFault returns the most recent network-class fault, if any.
func (h *Host) NetworkFault() (*Fault, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.faults) - 1; i >= 0; i-- {
		if h.faults[i].Network() {
			f := h.faults[i]
			return &f, true
		}
	}
	return nil, false
}

func (h *Host) noteFault(kind Kind, f *Fault) {
	noted := *f
	noted.Capability = kind
	h.mu.Lock()
	h.faults = append(h.faults, noted)
	h.mu.Unlock()
}

func (h *Host) callHTTP(ctx context.Context, rev Revision, payload []byte) ([]byte, error) {
	if h.transport == nil {
		return nil, fmt.Errorf("%w: http", ErrNotWired)
	}

	req, err := rev.DecodeRequest(payload)
	if err != nil {
		return nil, err
	}

	h.logger.DebugContext(ctx, "capability http send",
		"interface", rev.Interface(), "method", req.Method, "url", req.URL)

	resp, err := h.transport.Send(ctx, req)
	if err != nil {
		fault := AsFault(err)
		h.noteFault(KindHTTP, fault)
		return rev.EncodeResult(nil, fault)
	}
	return rev.EncodeResult(&resp, nil)
}

func (h *Host) callSecrets(fn, iface string, payload []byte) ([]byte, error) {
	if h.secrets == nil {
		return nil, fmt.Errorf("%w: secrets", ErrNotWired)
	}

	switch fn {
	case FnGet:
		var in secretGetIn
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("decode secrets get: %w", err)
		}
		value, ok := h.secrets.Get(in.Key)
		return json.Marshal(secretOut{Found: ok, Value: value})
	case FnPut:
		var in secretPutIn
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("decode secrets put: %w", err)
		}
		if in.Key == "" {
			fault := &Fault{Code: CodeInvalidRequest, Message: "secret key is required"}
			h.noteFault(KindSecrets, fault)
			return json.Marshal(secretOut{Error: fault})
		}
		h.secrets.Put(in.Key, in.Value)
		return json.Marshal(secretOut{Found: true})
	default:
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownFunction, iface, fn)
	}
}

func (h *Host) callState(ctx context.Context, fn, iface string, payload []byte) ([]byte, error) {
	if h.state == nil {
		return nil, fmt.Errorf("%w: state", ErrNotWired)
	}

	var in stateIn
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", fn, err)
	}

	var out stateOut
	var err error
	switch fn {
	case FnRead:
		out.Value, out.Found, err = h.state.Read(ctx, in.Key, in.Tenant)
	case FnWrite:
		err = h.state.Write(ctx, in.Key, in.Value, in.Tenant)
	case FnDelete:
		err = h.state.Delete(ctx, in.Key, in.Tenant)
	default:
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownFunction, iface, fn)
	}
	if err != nil {
		fault := AsFault(err)
		h.noteFault(KindState, fault)
		return json.Marshal(stateOut{Error: fault})
	}
	return json.Marshal(out)
}
