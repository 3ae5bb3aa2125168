package capability

import (
	"context"

	"github.com/roach88/provharness/internal/dto"
)

// StateStore is durable keyed state scoped by tenant.
type StateStore interface {
	Read(ctx context.Context, key string, tenant *dto.TenantCtx) ([]byte, bool, error)
	Write(ctx context.Context, key string, value []byte, tenant *dto.TenantCtx) error
	Delete(ctx context.Context, key string, tenant *dto.TenantCtx) error
}

// StateUnavailable is the harness state store. Every call fails with the
// same unavailable fault; modules are only checked for degrading cleanly.
type StateUnavailable struct{}

var errStateUnavailable = &Fault{
	Code:    CodeUnavailable,
	Message: "state store is not available in the test harness",
}

func (StateUnavailable) Read(context.Context, string, *dto.TenantCtx) ([]byte, bool, error) {
	return nil, false, errStateUnavailable
}

func (StateUnavailable) Write(context.Context, string, []byte, *dto.TenantCtx) error {
	return errStateUnavailable
}

func (StateUnavailable) Delete(context.Context, string, *dto.TenantCtx) error {
	return errStateUnavailable
}

type stateIn struct {
	Key    string         `json:"key"`
	Tenant *dto.TenantCtx `json:"tenant,omitempty"`
	Value  []byte         `json:"value_b64,omitempty"`
}

type stateOut struct {
	Found bool   `json:"found,omitempty"`
	Value []byte `json:"value_b64,omitempty"`
	Error *Fault `json:"error,omitempty"`
}
