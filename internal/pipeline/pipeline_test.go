package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/observability"
	"github.com/roach88/provharness/internal/providers"
	"github.com/roach88/provharness/internal/providers/dummy"
	"github.com/roach88/provharness/internal/providers/webex"
	"github.com/roach88/provharness/internal/requirements"
	"github.com/roach88/provharness/internal/sandbox"
	"github.com/roach88/provharness/internal/values"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// spyGuest records which operations ran and answers from canned outputs.
type spyGuest struct {
	mu      sync.Mutex
	ops     []sandbox.Op
	outputs map[sandbox.Op]string
	typ     string
}

func (g *spyGuest) Describe(context.Context) ([]byte, error) {
	return json.Marshal(dto.ProviderManifest{ProviderType: g.typ})
}
func (g *spyGuest) ValidateConfig(context.Context, []byte) ([]byte, error) {
	return []byte(`{"ok":true}`), nil
}
func (g *spyGuest) Healthcheck(context.Context) ([]byte, error) {
	return []byte(`{"status":"ok"}`), nil
}
func (g *spyGuest) Close(context.Context) error { return nil }

func (g *spyGuest) Invoke(_ context.Context, op sandbox.Op, _ []byte, _ sandbox.Imports) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = append(g.ops, op)
	out, ok := g.outputs[op]
	if !ok {
		return nil, sandbox.NewModuleError(op, "not scripted")
	}
	return []byte(out), nil
}

func (g *spyGuest) ran() []sandbox.Op {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sandbox.Op(nil), g.ops...)
}

func newLoader() *sandbox.Loader {
	l := sandbox.NewLoader(sandbox.LoaderConfig{Logger: quietLogger()})
	providers.Register(l)
	return l
}

func loadSpec(t *testing.T, provider string) *requirements.Spec {
	t.Helper()
	spec, _, err := requirements.Load(providers.Requirements(), provider)
	require.NoError(t, err)
	return spec
}

func parseValues(t *testing.T, doc string) *values.Bundle {
	t.Helper()
	b, err := values.Parse([]byte(doc))
	require.NoError(t, err)
	return b
}

func openSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func envelope(text string) dto.ChannelMessageEnvelope {
	return dto.ChannelMessageEnvelope{
		ID:          "tester-dummy-dummy",
		Tenant:      dto.TenantCtx{Env: "manual", Tenant: "manual"},
		Channel:     "dummy",
		SessionID:   "dummy",
		To:          []dto.Destination{{ID: "room-1", Kind: "room"}},
		Text:        text,
		Attachments: []dto.Attachment{},
		Metadata:    map[string]string{},
	}
}

func TestSendEndToEnd(t *testing.T) {
	spec := &requirements.Spec{
		Provider: "dummy",
		Secrets:  requirements.Group{Required: []requirements.Field{{Key: "TOKEN"}}},
		To:       requirements.To{Shape: map[string]json.RawMessage{"id": json.RawMessage(`"destination id"`)}},
	}
	vals := parseValues(t, `{"secrets":{"TOKEN":"abc"},"to":{"id":"room-1","kind":"room"}}`)
	assert.True(t, spec.Validate(vals).Empty())

	metrics := observability.NewMetrics()
	s := openSession(t, Config{Provider: dummy.Name, Spec: spec, Values: vals, Loader: newLoader(), Metrics: metrics})
	s.Mock().QueueResponse(200, []byte(`{"id":"m1"}`))

	res, err := s.Send(context.Background(), envelope("hello"))
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	require.NotNil(t, res.Plan)
	assert.Equal(t, "hello", res.Plan.SummaryText)
	require.NotNil(t, res.Payload)
	assert.Equal(t, dummy.ProviderType, res.Payload.Metadata[dto.MetaProviderType])
	require.NotNil(t, res.Result)
	assert.True(t, res.Result.OK)

	require.Len(t, res.Calls, 1)
	call := res.Calls[0]
	assert.Equal(t, "POST", call.Request.Method)
	assert.Equal(t, dummy.DefaultAPIBase+"/messages", call.Request.URL)
	assert.Equal(t, "Bearer abc", call.Request.Header("Authorization"))
	require.NotNil(t, call.Response)
	assert.Equal(t, 200, call.Response.Status)

	// The dummy module tried to record state and degraded quietly.
	faults := s.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, capability.CodeUnavailable, faults[0].Code)
}

func TestSendUsesConfigAsPayloadMetadata(t *testing.T) {
	vals := parseValues(t, `{"config":{"api_base":"https://dummy.example/"},"secrets":{"TOKEN":"abc"},"to":{"id":"room-1"}}`)
	s := openSession(t, Config{Provider: dummy.Name, Spec: loadSpec(t, dummy.Name), Values: vals, Loader: newLoader()})

	res, err := s.Send(context.Background(), envelope("hi"))
	require.NoError(t, err)
	assert.Equal(t, "https://dummy.example/", res.Payload.Metadata["api_base"])
	require.Len(t, res.Calls, 1)
	assert.Equal(t, "https://dummy.example/messages", res.Calls[0].Request.URL)
}

func TestSendWithModuleEncoder(t *testing.T) {
	vals := parseValues(t, `{"secrets":{"TOKEN":"abc"},"to":{"id":"room-1"}}`)
	s := openSession(t, Config{Provider: dummy.Name, Spec: loadSpec(t, dummy.Name), Values: vals, Loader: newLoader(), Encoder: ModuleEncoder{}})

	res, err := s.Send(context.Background(), envelope("hi"))
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "application/json", res.Payload.ContentType)
}

func TestRenderFailureShortCircuits(t *testing.T) {
	spy := &spyGuest{typ: "messaging.spy", outputs: map[sandbox.Op]string{
		sandbox.OpRenderPlan:  `{"ok":false,"error":"cannot render"}`,
		sandbox.OpEncode:      `{"ok":true,"payload":{"content_type":"text/plain","body_b64":"","metadata":{}}}`,
		sandbox.OpSendPayload: `{"ok":true,"retryable":false}`,
	}}
	l := newLoader()
	l.Register("spy", func() sandbox.Guest { return spy })

	s := openSession(t, Config{Provider: "spy", Spec: &requirements.Spec{Provider: "spy"},
		Values: parseValues(t, `{}`), Loader: l, Encoder: ModuleEncoder{}})

	res, err := s.Send(context.Background(), envelope("hi"))
	require.Error(t, err)

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StagePlan, pe.Stage)
	assert.Equal(t, KindModule, pe.Kind)
	assert.Contains(t, err.Error(), "render_plan")
	assert.Contains(t, err.Error(), "cannot render")

	assert.Equal(t, StateFailed, res.State)
	assert.Nil(t, res.Plan)
	assert.Nil(t, res.Payload)
	assert.NotNil(t, res.Calls)
	assert.Equal(t, []sandbox.Op{sandbox.OpRenderPlan}, spy.ran())
}

func TestEncodeErrorIsVerbatim(t *testing.T) {
	spy := &spyGuest{typ: "messaging.spy", outputs: map[sandbox.Op]string{
		sandbox.OpRenderPlan: `{"ok":true,"plan":{"tier":"basic","summary_text":"x","actions":[],"attachments":[],"warnings":[]}}`,
		sandbox.OpEncode:     `{"ok":false,"error":"card too large: 31kB"}`,
	}}
	l := newLoader()
	l.Register("spy", func() sandbox.Guest { return spy })
	s := openSession(t, Config{Provider: "spy", Spec: &requirements.Spec{Provider: "spy"},
		Values: parseValues(t, `{}`), Loader: l, Encoder: ModuleEncoder{}})

	res, err := s.Send(context.Background(), envelope("hi"))
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StageEncode, pe.Stage)
	assert.Equal(t, "card too large: 31kB", pe.Err.Error())
	assert.NotNil(t, res.Plan)
	assert.Equal(t, []sandbox.Op{sandbox.OpRenderPlan, sandbox.OpEncode}, spy.ran())
}

func TestProviderTypeMismatch(t *testing.T) {
	spy := &spyGuest{typ: "messaging.spy", outputs: map[sandbox.Op]string{
		sandbox.OpRenderPlan:  `{"ok":true,"plan":{"tier":"basic","summary_text":"x","actions":[],"attachments":[],"warnings":[]}}`,
		sandbox.OpEncode:      `{"ok":true,"payload":{"content_type":"application/json","body_b64":"e30=","metadata":{"provider_type":"messaging.other"}}}`,
		sandbox.OpSendPayload: `{"ok":true,"retryable":false}`,
	}}
	l := newLoader()
	l.Register("spy", func() sandbox.Guest { return spy })
	s := openSession(t, Config{Provider: "spy", Spec: &requirements.Spec{Provider: "spy"},
		Values: parseValues(t, `{}`), Loader: l, Encoder: ModuleEncoder{}})

	res, err := s.Send(context.Background(), envelope("hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider type mismatch")
	assert.Equal(t, StateFailed, res.State)
	assert.NotContains(t, spy.ran(), sandbox.OpSendPayload)
}

func TestSendFailureKinds(t *testing.T) {
	tests := []struct {
		name  string
		seed  func(s *Session)
		kind  Kind
		retry bool
	}{
		{
			name: "network fault",
			seed: func(s *Session) { s.Mock().QueueFault(capability.CodeNetwork, "connection refused") },
			kind: KindNetwork, retry: true,
		},
		{
			name: "upstream error",
			seed: func(s *Session) { s.Mock().QueueResponse(401, []byte(`{"message":"bad token"}`)) },
			kind: KindModule,
		},
		{
			name: "server error",
			seed: func(s *Session) { s.Mock().QueueResponse(503, nil) },
			kind: KindModule, retry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vals := parseValues(t, `{"secrets":{"TOKEN":"abc"},"to":{"id":"room-1"}}`)
			s := openSession(t, Config{Provider: dummy.Name, Spec: loadSpec(t, dummy.Name), Values: vals, Loader: newLoader()})
			tt.seed(s)

			res, err := s.Send(context.Background(), envelope("hello"))
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, StateFailed, res.State)
			require.NotNil(t, res.Result)
			assert.False(t, res.Result.OK)
			assert.Equal(t, tt.retry, res.Result.Retryable)
			assert.Len(t, res.Calls, 1, "history survives the failure")
		})
	}
}

func TestOpenFailsClosed(t *testing.T) {
	var instantiated bool
	l := newLoader()
	l.Register("watch", func() sandbox.Guest {
		instantiated = true
		return &spyGuest{typ: "messaging.watch"}
	})
	spec := &requirements.Spec{Provider: "watch", Secrets: requirements.Group{Required: []requirements.Field{{Key: "TOKEN"}}}}

	_, err := Open(context.Background(), Config{Provider: "watch", Spec: spec, Values: parseValues(t, `{}`), Loader: l, Logger: quietLogger()})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	var ve *requirements.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"TOKEN"}, ve.Missing.Secrets)
	assert.False(t, instantiated)
}

func TestOpenErrors(t *testing.T) {
	vals := parseValues(t, `{"secrets":{"TOKEN":"abc"},"to":{"id":"room-1"}}`)

	_, err := Open(context.Background(), Config{Provider: dummy.Name, Values: vals, Loader: newLoader()})
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = Open(context.Background(), Config{Provider: "nope", Spec: &requirements.Spec{Provider: "nope"}, Values: vals, Loader: newLoader()})
	assert.Equal(t, KindLoad, KindOf(err))
	assert.ErrorIs(t, err, sandbox.ErrNotFound)

	_, err = Open(context.Background(), Config{Provider: dummy.Name, Spec: loadSpec(t, dummy.Name), Values: vals})
	assert.Equal(t, KindLoad, KindOf(err))
}

func TestUnsupportedOperation(t *testing.T) {
	vals := parseValues(t, `{"secrets":{"TOKEN":"abc"},"to":{"id":"room-1"}}`)
	s := openSession(t, Config{Provider: dummy.Name, Spec: loadSpec(t, dummy.Name), Values: vals, Loader: newLoader()})

	res, err := s.ReconcileWebhook(context.Background(), dto.WebhookIn{PublicBaseURL: "https://x.test"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrUnsupportedOperation)
	assert.Empty(t, res.Calls)
}

func webexValues(t *testing.T) *values.Bundle {
	return parseValues(t, `{"secrets":{"WEBEX_BOT_TOKEN":"tok"},"to":{"id":"room-1","kind":"room"}}`)
}

func webexHook(t *testing.T) dto.HTTPIn {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"resource": "messages",
		"event":    "created",
		"data":     map[string]any{"id": "msg-1", "roomId": "room-1"},
	})
	require.NoError(t, err)
	return dto.HTTPIn{Method: "POST", Path: webex.WebhookPath, Body: body}
}

func TestIngestFetchFailureIsolated(t *testing.T) {
	s := openSession(t, Config{Provider: webex.Name, Spec: loadSpec(t, webex.Name), Values: webexValues(t), Loader: newLoader()})
	s.Mock().QueueResponse(404, []byte(`{"message":"gone"}`))

	res, err := s.Ingest(context.Background(), webexHook(t))
	require.NoError(t, err)

	assert.Equal(t, 502, res.Status)
	require.Len(t, res.Envelopes, 1)
	assert.Empty(t, res.Envelopes[0].Text)
	assert.NotEmpty(t, res.Envelopes[0].Metadata["webex.ingestError"])
	require.Len(t, res.Calls, 1)
	assert.Equal(t, 404, res.Calls[0].Response.Status)
}

func TestIngestSuccess(t *testing.T) {
	s := openSession(t, Config{Provider: webex.Name, Spec: loadSpec(t, webex.Name), Values: webexValues(t), Loader: newLoader()})
	require.NoError(t, s.Mock().QueueJSON(200, map[string]any{"text": "hi", "roomId": "room-1"}))

	res, err := s.Ingest(context.Background(), webexHook(t))
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	require.Len(t, res.Envelopes, 1)
	assert.Equal(t, "hi", res.Envelopes[0].Text)
	assert.Equal(t, "Bearer tok", res.Calls[0].Request.Header("Authorization"))
}

func TestReconcileWebhookDryRun(t *testing.T) {
	s := openSession(t, Config{Provider: webex.Name, Spec: loadSpec(t, webex.Name), Values: webexValues(t), Loader: newLoader()})

	res, err := s.ReconcileWebhook(context.Background(), dto.WebhookIn{PublicBaseURL: "https://hooks.test", DryRun: true})
	require.NoError(t, err)
	require.NotNil(t, res.Output)
	assert.Equal(t, "dry_run", res.Output.Action)
	assert.Equal(t, "https://hooks.test"+webex.WebhookPath, res.Output.ExpectedURL)
	assert.Empty(t, res.Calls)

	_, err = s.ReconcileWebhook(context.Background(), dto.WebhookIn{})
	require.Error(t, err)
	assert.Equal(t, KindModule, KindOf(err))
}

func TestReplyAndDirectSend(t *testing.T) {
	s := openSession(t, Config{Provider: webex.Name, Spec: loadSpec(t, webex.Name), Values: webexValues(t), Loader: newLoader()})
	require.NoError(t, s.Mock().QueueJSON(200, map[string]any{"id": "sent-1"}))
	require.NoError(t, s.Mock().QueueJSON(200, map[string]any{"id": "reply-1"}))

	env := envelope("hello")
	sent, err := s.SendDirect(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "sent", sent.Output.Status)

	replied, err := s.Reply(context.Background(), env, "sent-1")
	require.NoError(t, err)
	assert.Equal(t, "replied", replied.Output.Status)
	assert.Len(t, replied.Calls, 2)
}

func TestSandboxFaultKind(t *testing.T) {
	l := newLoader()
	l.Register("bad", func() sandbox.Guest {
		return &spyGuest{typ: "messaging.bad", outputs: map[sandbox.Op]string{sandbox.OpRenderPlan: `not json`}}
	})
	s := openSession(t, Config{Provider: "bad", Spec: &requirements.Spec{Provider: "bad"}, Values: parseValues(t, `{}`), Loader: l})

	_, err := s.Send(context.Background(), envelope("hi"))
	assert.Equal(t, KindSandbox, KindOf(err))
	var fault *sandbox.Fault
	assert.ErrorAs(t, err, &fault)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, KindNetwork, KindOf(&Error{Kind: KindNetwork}))
}

func TestReportedKinds(t *testing.T) {
	stateDown := capability.Fault{Code: capability.CodeUnavailable, Message: "state store is not available", Capability: capability.KindState}
	refused := capability.Fault{Code: capability.CodeNetwork, Message: "refused", Capability: capability.KindHTTP}
	scripted := capability.Fault{Code: capability.CodeUnavailable, Message: "maintenance", Capability: capability.KindHTTP}
	noKey := capability.Fault{Code: capability.CodeInvalidRequest, Message: "secret key is required", Capability: capability.KindSecrets}

	tests := []struct {
		name   string
		faults []capability.Fault
		want   Kind
	}{
		{"no faults", nil, KindModule},
		{"state unavailable only", []capability.Fault{stateDown, stateDown}, KindModule},
		{"state then network", []capability.Fault{stateDown, refused}, KindNetwork},
		{"unavailable transport", []capability.Fault{scripted}, KindCapability},
		{"secrets fault", []capability.Fault{stateDown, noKey}, KindCapability},
		{"network wins", []capability.Fault{noKey, refused}, KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reported(StageSend, "rate limited", tt.faults)
			assert.Equal(t, tt.want, KindOf(err))
			assert.Contains(t, err.Error(), "rate limited")
		})
	}

	assert.Contains(t, reported(StagePlan, "", nil).Error(), "returned ok=false")
}

func TestModuleFailureAfterStateWriteIsModuleKind(t *testing.T) {
	l := newLoader()
	l.Register("stateful", func() sandbox.Guest { return &statefulGuest{} })
	s := openSession(t, Config{Provider: "stateful", Spec: &requirements.Spec{Provider: "stateful"}, Values: parseValues(t, `{}`), Loader: l})

	_, err := s.Call(context.Background(), sandbox.OpSendPayload, map[string]string{})
	require.NoError(t, err)

	faults := s.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, capability.KindState, faults[0].Capability)
	assert.Equal(t, KindModule, KindOf(reported(StageSend, "quota exceeded", faults)))
}

// statefulGuest touches state on every invoke and then answers ok:false.
type statefulGuest struct{ spyGuest }

func (g *statefulGuest) Describe(context.Context) ([]byte, error) {
	return json.Marshal(dto.ProviderManifest{ProviderType: "messaging.stateful"})
}

func (g *statefulGuest) Invoke(ctx context.Context, _ sandbox.Op, _ []byte, imports sandbox.Imports) ([]byte, error) {
	_ = capability.NewStateClient(imports).Write(ctx, "last", []byte("x"), nil)
	return []byte(`{"ok":false,"message":"quota exceeded"}`), nil
}

func TestEncoderByName(t *testing.T) {
	e, err := EncoderByName("")
	require.NoError(t, err)
	assert.IsType(t, HostEncoder{}, e)
	e, err = EncoderByName("module")
	require.NoError(t, err)
	assert.IsType(t, ModuleEncoder{}, e)
	_, err = EncoderByName("both")
	assert.Error(t, err)
}
