package capability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provharness/internal/dto"
)

type fakeTransport struct {
	requests []Request
	resp     Response
	err      error
}

func (f *fakeTransport) Send(_ context.Context, req Request) (Response, error) {
	f.requests = append(f.requests, req)
	return f.resp, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHostBridgesBothRevisions(t *testing.T) {
	transport := &fakeTransport{resp: Response{Status: 200, Headers: []dto.Header{}, Body: []byte(`{"id":"m1"}`)}}
	host := NewHost(HostConfig{Transport: transport, Logger: quietLogger()})
	ctx := context.Background()

	for _, iface := range []string{IfaceHTTPClientV1_0, IfaceHTTPClientV1_1} {
		client, err := NewHTTPClient(host, iface)
		require.NoError(t, err)

		resp, err := client.Send(ctx, Request{
			Method:  "POST",
			URL:     "https://api.example.test/messages",
			Headers: []dto.Header{{Name: "Authorization", Value: "Bearer abc"}},
			Body:    []byte("{}"),
		})
		require.NoError(t, err, iface)
		assert.Equal(t, 200, resp.Status)
		assert.Equal(t, `{"id":"m1"}`, string(resp.Body))
	}

	require.Len(t, transport.requests, 2)
	assert.Equal(t, transport.requests[0].Method, transport.requests[1].Method)
	assert.Equal(t, transport.requests[0].URL, transport.requests[1].URL)
	assert.Equal(t, transport.requests[0].Headers, transport.requests[1].Headers)
	assert.Equal(t, transport.requests[0].Body, transport.requests[1].Body)
}

func TestHostSurfacesTransportFaults(t *testing.T) {
	transport := &fakeTransport{err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}
	host := NewHost(HostConfig{Transport: transport, Logger: quietLogger()})

	client, err := NewHTTPClient(host, IfaceHTTPClientV1_1)
	require.NoError(t, err)

	_, err = client.Send(context.Background(), Request{Method: "GET", URL: "https://down.test"})
	require.Error(t, err)
	assert.True(t, IsNetwork(err))

	fault, ok := host.NetworkFault()
	require.True(t, ok)
	assert.Equal(t, CodeNetwork, fault.Code)
	assert.Equal(t, KindHTTP, fault.Capability)
	assert.Len(t, host.Faults(), 1)
}

func TestFaultCapabilityStaysOnHost(t *testing.T) {
	data, err := json.Marshal(Fault{Code: CodeUnavailable, Message: "down", Capability: KindState})
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"unavailable","message":"down"}`, string(data))
}

func TestHostSecrets(t *testing.T) {
	store := NewSecretStore(map[string][]byte{"TOKEN": []byte("abc")})
	host := NewHost(HostConfig{Secrets: store, Logger: quietLogger()})
	client := NewSecretsClient(host)
	ctx := context.Background()

	value, ok, err := client.Get(ctx, "TOKEN")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("abc"), value)

	value, ok, err = client.Get(ctx, "MISSING")
	require.NoError(t, err, "absence is not a fault")
	assert.False(t, ok)
	assert.Nil(t, value)

	require.NoError(t, client.Put(ctx, "EXTRA", []byte{0x00, 0xff}))
	value, ok, err = client.Get(ctx, "EXTRA")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xff}, value)
	assert.Equal(t, []string{"EXTRA", "TOKEN"}, store.Keys())

	err = client.Put(ctx, "", []byte("x"))
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, CodeInvalidRequest, fault.Code)
}

func TestHostStateIsUnavailable(t *testing.T) {
	host := NewHost(HostConfig{State: StateUnavailable{}, Logger: quietLogger()})
	client := NewStateClient(host)
	ctx := context.Background()
	tenant := &dto.TenantCtx{Env: "dev", Tenant: "acme"}

	_, _, err := client.Read(ctx, "k", tenant)
	assertUnavailable(t, err)
	assertUnavailable(t, client.Write(ctx, "k", []byte("v"), tenant))
	assertUnavailable(t, client.Delete(ctx, "k", tenant))
	assert.Len(t, host.Faults(), 3)
	for _, f := range host.Faults() {
		assert.Equal(t, KindState, f.Capability)
	}
	_, ok := host.NetworkFault()
	assert.False(t, ok)
}

func assertUnavailable(t *testing.T, err error) {
	t.Helper()
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, CodeUnavailable, fault.Code)
	assert.False(t, IsNetwork(err))
}

func TestHostRejectsUnwiredCapabilities(t *testing.T) {
	host := NewHost(HostConfig{Logger: quietLogger()})
	ctx := context.Background()

	_, err := host.Call(ctx, IfaceHTTPClientV1_1, FnSend, []byte(`{"request":{"method":"GET","url":"u","headers":[]}}`))
	assert.ErrorIs(t, err, ErrNotWired)

	_, err = host.Call(ctx, IfaceSecrets, FnGet, []byte(`{"key":"x"}`))
	assert.ErrorIs(t, err, ErrNotWired)

	_, err = host.Call(ctx, IfaceState, FnRead, []byte(`{"key":"x"}`))
	assert.ErrorIs(t, err, ErrNotWired)
}

func TestHostRejectsUnknownCalls(t *testing.T) {
	host := NewHost(HostConfig{Transport: &fakeTransport{}, Secrets: NewSecretStore(nil), Logger: quietLogger()})
	ctx := context.Background()

	_, err := host.Call(ctx, "greentic:telemetry/log@1.0.0", "emit", nil)
	assert.ErrorIs(t, err, ErrUnknownInterface)

	_, err = host.Call(ctx, IfaceHTTPClientV1_0, "stream", nil)
	assert.ErrorIs(t, err, ErrUnknownFunction)

	_, err = host.Call(ctx, IfaceSecrets, "list", nil)
	assert.ErrorIs(t, err, ErrUnknownFunction)

	_, err = host.Call(ctx, IfaceHTTPClientV1_0, FnSend, []byte("not json"))
	assert.Error(t, err)
}

func TestAsFault(t *testing.T) {
	assert.Nil(t, AsFault(nil))
	assert.Equal(t, CodeTimeout, AsFault(context.DeadlineExceeded).Code)
	assert.Equal(t, CodeInternal, AsFault(errors.New("boom")).Code)

	original := &Fault{Code: CodeDenied, Message: "nope"}
	assert.Same(t, original, AsFault(original))

	raw, err := json.Marshal(original)
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"denied","message":"nope"}`, string(raw))
	assert.Equal(t, "denied: nope", original.Error())
}
