package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/sandbox"
)

// Module is the part of a session an Encoder may use.
type Module interface {
	ProviderType() string
	Call(ctx context.Context, op sandbox.Op, in any) ([]byte, error)
}

// Encoder turns a render plan and its envelope into a provider payload.
type Encoder interface {
	Encode(ctx context.Context, m Module, env dto.ChannelMessageEnvelope, plan dto.RenderPlan) (*dto.ProviderPayload, error)
}

// HostEncoder encodes on the host: the payload body is the envelope as
// JSON, with the plan's summary standing in for missing text.
type HostEncoder struct{}

func (HostEncoder) Encode(_ context.Context, m Module, env dto.ChannelMessageEnvelope, plan dto.RenderPlan) (*dto.ProviderPayload, error) {
	if strings.TrimSpace(env.Text) == "" {
		env.Text = plan.SummaryText
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	md := make(map[string]string, len(env.Metadata)+1)
	for k, v := range env.Metadata {
		md[k] = v
	}
	md[dto.MetaProviderType] = m.ProviderType()
	return &dto.ProviderPayload{
		ContentType: "application/json",
		Body:        body,
		Metadata:    md,
	}, nil
}

// ModuleEncoder delegates to the module's encode operation.
type ModuleEncoder struct{}

func (ModuleEncoder) Encode(ctx context.Context, m Module, env dto.ChannelMessageEnvelope, plan dto.RenderPlan) (*dto.ProviderPayload, error) {
	out, err := m.Call(ctx, sandbox.OpEncode, dto.EncodeIn{Message: env, Plan: plan})
	if err != nil {
		return nil, err
	}
	var res dto.EncodeOut
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, &Error{Kind: KindSandbox, Stage: StageEncode, Err: fmt.Errorf("decode output: %w", err)}
	}
	if !res.OK || res.Payload == nil {
		msg := res.Error
		if msg == "" {
			msg = "encode returned no payload"
		}
		return nil, &Error{Kind: KindModule, Stage: StageEncode, Err: errors.New(msg)}
	}
	if res.Payload.Metadata == nil {
		res.Payload.Metadata = map[string]string{}
	}
	return res.Payload, nil
}

// EncoderByName returns the encoder for "host" or "module".
func EncoderByName(name string) (Encoder, error) {
	switch name {
	case "", "host":
		return HostEncoder{}, nil
	case "module":
		return ModuleEncoder{}, nil
	}
	return nil, fmt.Errorf("unknown encoder %q (want host or module)", name)
}
