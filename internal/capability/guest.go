package capability

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/provharness/internal/dto"
)

// HTTPClient is the guest side of the transport capability: it speaks one
// chosen revision over Imports.
type HTTPClient struct {
	imports Imports
	rev     Revision
}

// NewHTTPClient binds a client to the revision registered for iface.
func NewHTTPClient(imports Imports, iface string) (*HTTPClient, error) {
	rev, err := DefaultRegistry().Revision(iface)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{imports: imports, rev: rev}, nil
}

// Send issues req. A capability fault comes back as a *Fault error.
func (c *HTTPClient) Send(ctx context.Context, req Request) (*Response, error) {
	payload, err := c.rev.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.imports.Call(ctx, c.rev.Interface(), FnSend, payload)
	if err != nil {
		return nil, err
	}
	return c.rev.DecodeResult(out)
}

// SecretsClient is the guest side of the secrets capability.
type SecretsClient struct {
	imports Imports
}

// NewSecretsClient returns a client over imports.
func NewSecretsClient(imports Imports) *SecretsClient {
	return &SecretsClient{imports: imports}
}

// Get returns the secret and whether it exists.
func (c *SecretsClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := json.Marshal(secretGetIn{Key: key})
	if err != nil {
		return nil, false, err
	}
	out, err := c.imports.Call(ctx, IfaceSecrets, FnGet, payload)
	if err != nil {
		return nil, false, err
	}
	var res secretOut
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, false, fmt.Errorf("decode secrets get: %w", err)
	}
	if res.Error != nil {
		return nil, false, res.Error
	}
	return res.Value, res.Found, nil
}

// Put stores a secret.
func (c *SecretsClient) Put(ctx context.Context, key string, value []byte) error {
	payload, err := json.Marshal(secretPutIn{Key: key, Value: value})
	if err != nil {
		return err
	}
	out, err := c.imports.Call(ctx, IfaceSecrets, FnPut, payload)
	if err != nil {
		return err
	}
	var res secretOut
	if err := json.Unmarshal(out, &res); err != nil {
		return fmt.Errorf("decode secrets put: %w", err)
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// StateClient is the guest side of the state capability.
type StateClient struct {
	imports Imports
}

// NewStateClient returns a client over imports.
func NewStateClient(imports Imports) *StateClient {
	return &StateClient{imports: imports}
}

// Read returns the stored value and whether it exists.
func (c *StateClient) Read(ctx context.Context, key string, tenant *dto.TenantCtx) ([]byte, bool, error) {
	res, err := c.call(ctx, FnRead, stateIn{Key: key, Tenant: tenant})
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// Write stores value under key.
func (c *StateClient) Write(ctx context.Context, key string, value []byte, tenant *dto.TenantCtx) error {
	_, err := c.call(ctx, FnWrite, stateIn{Key: key, Tenant: tenant, Value: value})
	return err
}

// Delete removes key.
func (c *StateClient) Delete(ctx context.Context, key string, tenant *dto.TenantCtx) error {
	_, err := c.call(ctx, FnDelete, stateIn{Key: key, Tenant: tenant})
	return err
}

func (c *StateClient) call(ctx context.Context, fn string, in stateIn) (*stateOut, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	out, err := c.imports.Call(ctx, IfaceState, fn, payload)
	if err != nil {
		return nil, err
	}
	var res stateOut
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", fn, err)
	}
	if res.Error != nil {
		return nil, res.Error
	}
	return &res, nil
}
