package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/httpmock"
	"github.com/roach88/provharness/internal/observability"
	"github.com/roach88/provharness/internal/sandbox"
)

// State is a send run's position in the state machine.
type State string

const (
	StateIdle     State = "idle"
	StatePlanning State = "planning"
	StateEncoding State = "encoding"
	StateSending  State = "sending"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// SendResult is everything an outbound run produced, up to where it
// stopped. Calls is always set.
type SendResult struct {
	State   State                  `json:"state"`
	Plan    *dto.RenderPlan        `json:"plan,omitempty"`
	Payload *dto.ProviderPayload   `json:"payload,omitempty"`
	Result  *dto.SendPayloadResult `json:"result,omitempty"`
	Calls   []httpmock.Record      `json:"calls"`
}

// Send runs render_plan, encode and send_payload for env. The returned
// result is never nil; on failure its State is StateFailed and the error
// is an *Error naming the stage.
func (s *Session) Send(ctx context.Context, env dto.ChannelMessageEnvelope) (res *SendResult, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.send",
		attribute.String("provider", s.provider), attribute.String("message_id", env.ID))
	res = &SendResult{State: StateIdle}
	defer func() {
		res.Calls = s.mock.History()
		if err != nil {
			res.State = StateFailed
		}
		span.SetAttributes(attribute.String("state", string(res.State)))
		observability.EndSpan(span, err)
	}()

	res.State = StatePlanning
	plan, err := s.plan(ctx, env)
	if err != nil {
		return res, err
	}
	res.Plan = plan

	res.State = StateEncoding
	payload, err := s.encode(ctx, env, *plan)
	if err != nil {
		return res, err
	}
	res.Payload = payload

	res.State = StateSending
	result, err := s.sendPayload(ctx, env, *payload)
	res.Result = result
	if err != nil {
		return res, err
	}

	res.State = StateDone
	return res, nil
}

func (s *Session) plan(ctx context.Context, env dto.ChannelMessageEnvelope) (*dto.RenderPlan, error) {
	faults, out, err := s.call(ctx, sandbox.OpRenderPlan, dto.RenderPlanIn{Message: env, Metadata: env.Metadata})
	if err != nil {
		return nil, err
	}
	res, err := decode[dto.RenderPlanOut](s, sandbox.OpRenderPlan, out)
	if err != nil {
		return nil, err
	}
	if !res.OK || res.Plan == nil {
		return nil, reported(StagePlan, res.Error, faults)
	}
	return res.Plan, nil
}

func (s *Session) encode(ctx context.Context, env dto.ChannelMessageEnvelope, plan dto.RenderPlan) (*dto.ProviderPayload, error) {
	payload, err := s.encoder.Encode(ctx, s, env, plan)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &Error{Kind: KindModule, Stage: StageEncode, Err: err}
	}

	want := s.handle.ProviderType()
	if got, ok := payload.Metadata[dto.MetaProviderType]; ok && got != want {
		return payload, &Error{Kind: KindModule, Stage: StageSend,
			Err: fmt.Errorf("provider type mismatch: payload %q, module %q", got, want)}
	}
	payload.Metadata = mergeConfig(payload.Metadata, s.values.Config)
	payload.Metadata[dto.MetaProviderType] = want
	return payload, nil
}

func (s *Session) sendPayload(ctx context.Context, env dto.ChannelMessageEnvelope, payload dto.ProviderPayload) (*dto.SendPayloadResult, error) {
	faults, out, err := s.call(ctx, sandbox.OpSendPayload, dto.SendPayloadIn{
		ProviderType: s.handle.ProviderType(),
		TenantID:     env.Tenant.Tenant,
		AuthUser:     env.Tenant.User,
		Payload:      payload,
	})
	if err != nil {
		return nil, err
	}
	res, err := decode[dto.SendPayloadResult](s, sandbox.OpSendPayload, out)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return &res, reported(StageSend, res.Message, faults)
	}
	return &res, nil
}

// mergeConfig adds string config values to md without replacing keys the
// encoder already set.
func mergeConfig(md map[string]string, config map[string]any) map[string]string {
	out := make(map[string]string, len(md)+len(config))
	for k, v := range config {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	for k, v := range md {
		out[k] = v
	}
	return out
}

// DirectResult is the outcome of a one-shot send or reply operation.
type DirectResult struct {
	Output *dto.SendOut      `json:"output,omitempty"`
	Calls  []httpmock.Record `json:"calls"`
}

// SendDirect runs the module's one-shot send operation.
func (s *Session) SendDirect(ctx context.Context, env dto.ChannelMessageEnvelope) (*DirectResult, error) {
	return s.direct(ctx, sandbox.OpSend, dto.SendIn{Message: env, Config: s.values.Config})
}

// Reply runs the module's reply operation, threading under replyToID.
func (s *Session) Reply(ctx context.Context, env dto.ChannelMessageEnvelope, replyToID string) (*DirectResult, error) {
	return s.direct(ctx, sandbox.OpReply, dto.SendIn{Message: env, Config: s.values.Config, ReplyToID: replyToID})
}

func (s *Session) direct(ctx context.Context, op sandbox.Op, in dto.SendIn) (res *DirectResult, err error) {
	res = &DirectResult{}
	defer func() { res.Calls = s.mock.History() }()

	faults, out, err := s.call(ctx, op, in)
	if err != nil {
		return res, err
	}
	sent, err := decode[dto.SendOut](s, op, out)
	if err != nil {
		return res, err
	}
	res.Output = &sent
	if !sent.OK {
		return res, reported(Stage(op), sent.Error, faults)
	}
	return res, nil
}
