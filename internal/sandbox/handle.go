package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/dto"
)

// Imports is the capability surface handed to one invocation.
type Imports = capability.Imports

// Handle is one instantiated module. Invocations on a handle are
// serialized.
type Handle struct {
	locator  string
	guest    Guest
	manifest dto.ProviderManifest
	logger   *slog.Logger

	mu sync.Mutex
}

// Locator returns the locator the handle was instantiated from.
func (h *Handle) Locator() string { return h.locator }

// ProviderType returns the type the module declared in its manifest.
func (h *Handle) ProviderType() string { return h.manifest.ProviderType }

// Describe returns the module's manifest.
func (h *Handle) Describe() dto.ProviderManifest { return h.manifest }

// Supports reports whether the manifest lists op. An empty op list means
// every operation is offered.
func (h *Handle) Supports(op Op) bool {
	if len(h.manifest.Ops) == 0 {
		return true
	}
	for _, name := range h.manifest.Ops {
		if name == string(op) {
			return true
		}
	}
	return false
}

func (h *Handle) describe(ctx context.Context) error {
	out, err := h.call(ctx, "describe", func() ([]byte, error) {
		return h.guest.Describe(ctx)
	})
	if err != nil {
		return err
	}
	manifest, err := DecodeOutput[dto.ProviderManifest](h.locator, "describe", out)
	if err != nil {
		return err
	}
	if manifest.ProviderType == "" {
		return &Fault{Locator: h.locator, Op: "describe", Err: errors.New("manifest has no provider_type")}
	}
	h.manifest = manifest
	return nil
}

// ValidateConfig asks the module to check a configuration document.
func (h *Handle) ValidateConfig(ctx context.Context, config json.RawMessage) (dto.ValidateConfigOut, error) {
	out, err := h.call(ctx, "validate_config", func() ([]byte, error) {
		return h.guest.ValidateConfig(ctx, config)
	})
	if err != nil {
		return dto.ValidateConfigOut{}, err
	}
	return DecodeOutput[dto.ValidateConfigOut](h.locator, "validate_config", out)
}

// Healthcheck runs the module's health probe.
func (h *Handle) Healthcheck(ctx context.Context) (dto.HealthOut, error) {
	out, err := h.call(ctx, "healthcheck", func() ([]byte, error) {
		return h.guest.Healthcheck(ctx)
	})
	if err != nil {
		return dto.HealthOut{}, err
	}
	return DecodeOutput[dto.HealthOut](h.locator, "healthcheck", out)
}

// Invoke runs op with a JSON payload. imports is the only capability
// surface the guest can reach during the call. A module-raised error comes
// back as *ModuleError; anything that stopped the guest from producing a
// result is a *Fault.
func (h *Handle) Invoke(ctx context.Context, op string, payload []byte, imports Imports) ([]byte, error) {
	parsed, err := ParseOp(op)
	if err != nil {
		return nil, err
	}
	if imports == nil {
		return nil, &Fault{Locator: h.locator, Op: op, Err: errors.New("no capabilities supplied")}
	}

	h.logger.DebugContext(ctx, "invoke", "locator", h.locator, "op", op, "payload_bytes", len(payload))

	return h.call(ctx, op, func() ([]byte, error) {
		return h.guest.Invoke(ctx, parsed, payload, imports)
	})
}

// Close releases the guest.
func (h *Handle) Close(ctx context.Context) error {
	return h.guest.Close(ctx)
}

// call serializes fn on the handle and converts panics and foreign errors
// into faults.
func (h *Handle) call(ctx context.Context, op string, fn func() ([]byte, error)) (out []byte, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			h.logger.ErrorContext(ctx, "guest panic", "locator", h.locator, "op", op, "panic", r)
			out = nil
			err = &Fault{Locator: h.locator, Op: op, Err: fmt.Errorf("guest panic: %v", r)}
		}
	}()

	out, err = fn()
	if err == nil {
		return out, nil
	}

	var modErr *ModuleError
	var fault *Fault
	switch {
	case errors.As(err, &modErr), errors.As(err, &fault):
		return nil, err
	default:
		return nil, &Fault{Locator: h.locator, Op: op, Err: err}
	}
}
