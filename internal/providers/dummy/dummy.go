// Package dummy is a minimal provider module: it posts text messages to
// {api_base}/messages with a bearer token over the 1.0 transport revision.
// It also records the last sent message id in durable state when state is
// available, and carries on when it is not.
package dummy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/providers/kit"
	"github.com/roach88/provharness/internal/sandbox"
)

const (
	Name           = "dummy"
	ProviderType   = "messaging.dummy"
	DefaultAPIBase = "https://api.dummy.test"
	TokenKey       = "TOKEN"
	stateKey       = "dummy.last_message_id"
)

// Guest implements the module.
type Guest struct{}

// New returns a fresh guest.
func New() sandbox.Guest { return &Guest{} }

func (g *Guest) Describe(context.Context) ([]byte, error) {
	return kit.JSON(dto.ProviderManifest{
		ProviderType: ProviderType,
		Capabilities: []string{capability.IfaceHTTPClientV1_0, capability.IfaceSecrets, capability.IfaceState},
		Ops: []string{
			string(sandbox.OpRenderPlan), string(sandbox.OpEncode),
			string(sandbox.OpSendPayload), string(sandbox.OpSend),
		},
	}), nil
}

func (g *Guest) ValidateConfig(_ context.Context, raw []byte) ([]byte, error) {
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return kit.JSON(dto.ValidateConfigOut{Errors: []string{"invalid config: " + err.Error()}}), nil
	}
	if errs := kit.CheckStringKeys(cfg, "api_base"); len(errs) > 0 {
		return kit.JSON(dto.ValidateConfigOut{Errors: errs}), nil
	}
	return kit.JSON(dto.ValidateConfigOut{OK: true}), nil
}

func (g *Guest) Healthcheck(context.Context) ([]byte, error) {
	return kit.JSON(dto.HealthOut{Status: "ok"}), nil
}

func (g *Guest) Close(context.Context) error { return nil }

func (g *Guest) Invoke(ctx context.Context, op sandbox.Op, input []byte, imports sandbox.Imports) ([]byte, error) {
	switch op {
	case sandbox.OpRenderPlan:
		var in dto.RenderPlanIn
		if err := json.Unmarshal(input, &in); err != nil {
			return kit.JSON(dto.RenderPlanOut{Error: "invalid render input: " + err.Error()}), nil
		}
		summary := strings.TrimSpace(in.Message.Text)
		if summary == "" {
			return kit.JSON(dto.RenderPlanOut{Error: "text required"}), nil
		}
		return kit.JSON(dto.RenderPlanOut{OK: true, Plan: &dto.RenderPlan{
			Tier:        dto.TierBasic,
			SummaryText: summary,
			Actions:     []dto.RenderAction{},
			Attachments: []dto.Attachment{},
			Warnings:    []string{},
		}}), nil

	case sandbox.OpEncode:
		var in dto.EncodeIn
		if err := json.Unmarshal(input, &in); err != nil {
			return kit.JSON(dto.EncodeOut{Error: "invalid encode input: " + err.Error()}), nil
		}
		msg := in.Message
		if strings.TrimSpace(msg.Text) == "" {
			msg.Text = in.Plan.SummaryText
		}
		return kit.JSON(dto.EncodeOut{OK: true, Payload: &dto.ProviderPayload{
			ContentType: "application/json",
			Body:        kit.JSON(msg),
			Metadata:    map[string]string{dto.MetaProviderType: ProviderType},
		}}), nil

	case sandbox.OpSendPayload:
		var in dto.SendPayloadIn
		if err := json.Unmarshal(input, &in); err != nil {
			return kit.SendPayloadError(false, "invalid send_payload input: %v", err), nil
		}
		if in.ProviderType != ProviderType {
			return kit.SendPayloadError(false, "provider type mismatch"), nil
		}
		var env dto.ChannelMessageEnvelope
		if err := json.Unmarshal(in.Payload.Body, &env); err != nil {
			return kit.SendPayloadError(false, "invalid envelope: %v", err), nil
		}
		return kit.JSON(g.deliver(ctx, imports, in.Payload.Metadata["api_base"], env)), nil

	case sandbox.OpSend:
		var in dto.SendIn
		if err := json.Unmarshal(input, &in); err != nil {
			return kit.SendPayloadError(false, "invalid json: %v", err), nil
		}
		return kit.JSON(g.deliver(ctx, imports, kit.ConfigString(in.Config, "api_base", ""), in.Message)), nil
	}
	return nil, sandbox.NewModuleError(op, "unsupported op: %s", op)
}

func (g *Guest) deliver(ctx context.Context, imports sandbox.Imports, apiBase string, env dto.ChannelMessageEnvelope) dto.SendPayloadResult {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	text := strings.TrimSpace(env.Text)
	if text == "" {
		return dto.SendPayloadResult{Message: "text required"}
	}
	dest, ok := kit.FirstDestination(env)
	if !ok {
		return dto.SendPayloadResult{Message: "destination required"}
	}

	token, err := kit.SecretString(ctx, imports, TokenKey)
	if err != nil {
		return dto.SendPayloadResult{Message: err.Error()}
	}
	client, err := capability.NewHTTPClient(imports, capability.IfaceHTTPClientV1_0)
	if err != nil {
		return dto.SendPayloadResult{Message: err.Error()}
	}

	resp, err := client.Send(ctx, capability.Request{
		Method: "POST",
		URL:    apiBase + "/messages",
		Headers: []dto.Header{
			{Name: "Content-Type", Value: "application/json"},
			{Name: "Authorization", Value: "Bearer " + token},
		},
		Body: kit.JSON(map[string]string{"to": dest.ID, "text": text}),
	})
	if err != nil {
		return dto.SendPayloadResult{Message: "transport error: " + err.Error(), Retryable: capability.IsNetwork(err)}
	}
	if !kit.Success(resp.Status) {
		return dto.SendPayloadResult{
			Message:   kit.UpstreamError("dummy", resp.Status, resp.Body),
			Retryable: resp.Status >= 500,
		}
	}

	var sent struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(resp.Body, &sent) == nil && sent.ID != "" {
		if err := rememberLastSent(ctx, imports, env.Tenant, sent.ID); err != nil {
			return dto.SendPayloadResult{Message: err.Error()}
		}
	}
	return dto.SendPayloadResult{OK: true}
}

// rememberLastSent stores the id when state is available. An unavailable
// store is not an error.
func rememberLastSent(ctx context.Context, imports sandbox.Imports, tenant dto.TenantCtx, id string) error {
	err := capability.NewStateClient(imports).Write(ctx, stateKey, []byte(id), &tenant)
	var fault *capability.Fault
	if errors.As(err, &fault) && fault.Code == capability.CodeUnavailable {
		return nil
	}
	return err
}
