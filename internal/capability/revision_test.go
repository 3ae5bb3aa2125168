package capability

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provharness/internal/dto"
)

func TestRegistryResolvesRevisions(t *testing.T) {
	reg := DefaultRegistry()

	tests := []struct {
		iface string
		want  string
	}{
		{"greentic:http/client@1.0.0", IfaceHTTPClientV1_0},
		{"greentic:http/client@1.0.7", IfaceHTTPClientV1_0},
		{"greentic:http/http-client@1.1.0", IfaceHTTPClientV1_1},
		{"greentic:http/http-client@1.1.3", IfaceHTTPClientV1_1},
	}
	for _, tt := range tests {
		t.Run(tt.iface, func(t *testing.T) {
			rev, err := reg.Revision(tt.iface)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rev.Interface())
		})
	}
}

func TestRegistryRejectsUnknownInterfaces(t *testing.T) {
	reg := DefaultRegistry()

	for _, iface := range []string{
		"greentic:http/http-client@1.2.0",
		"greentic:http/client@2.0.0",
		"greentic:http/client",
		"greentic:mail/smtp@1.0.0",
		"greentic:http/client@not-a-version",
	} {
		_, err := reg.Resolve(iface)
		assert.ErrorIs(t, err, ErrUnknownInterface, iface)
	}

	_, err := reg.Revision(IfaceSecrets)
	assert.Error(t, err)
}

func TestRevisionsShareCanonicalRequest(t *testing.T) {
	follow := false
	req := Request{
		Method:  "POST",
		URL:     "https://api.example.test/messages",
		Headers: []dto.Header{{Name: "Authorization", Value: "Bearer abc"}, {Name: "X-Dup", Value: "1"}, {Name: "X-Dup", Value: "2"}},
		Body:    []byte(`{"text":"hi"}`),
		Options: &RequestOptions{TimeoutMS: 1500, FollowRedirects: &follow},
		Context: &CallContext{Tenant: "acme", TraceID: "t-1", IdempotencyKey: "k-1", Attributes: map[string]string{"region": "eu"}},
	}

	newRev := httpClientV1_1{}
	wire, err := newRev.EncodeRequest(req)
	require.NoError(t, err)
	decoded, err := newRev.DecodeRequest(wire)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	// The old revision has no options or context; they come back absent.
	oldRev := clientV1_0{}
	wire, err = oldRev.EncodeRequest(req)
	require.NoError(t, err)
	decoded, err = oldRev.DecodeRequest(wire)
	require.NoError(t, err)
	assert.Equal(t, req.Method, decoded.Method)
	assert.Equal(t, req.URL, decoded.URL)
	assert.Equal(t, req.Headers, decoded.Headers)
	assert.Equal(t, req.Body, decoded.Body)
	assert.Nil(t, decoded.Options)
	assert.Nil(t, decoded.Context)
}

func TestRevisionWireShapes(t *testing.T) {
	req := Request{Method: "GET", URL: "https://x", Headers: []dto.Header{{Name: "a", Value: "b"}}}

	wire, err := clientV1_0{}.EncodeRequest(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"GET","url":"https://x","headers":[["a","b"]]}`, string(wire))

	wire, err = httpClientV1_1{}.EncodeRequest(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"request":{"method":"GET","url":"https://x","headers":[{"name":"a","value":"b"}]}}`, string(wire))
}

func TestRevisionBodyPresence(t *testing.T) {
	for _, rev := range []Revision{clientV1_0{}, httpClientV1_1{}} {
		t.Run(rev.Interface(), func(t *testing.T) {
			absent, err := rev.EncodeRequest(Request{Method: "GET", URL: "u"})
			require.NoError(t, err)
			got, err := rev.DecodeRequest(absent)
			require.NoError(t, err)
			assert.Nil(t, got.Body)

			empty, err := rev.EncodeRequest(Request{Method: "POST", URL: "u", Body: []byte{}})
			require.NoError(t, err)
			got, err = rev.DecodeRequest(empty)
			require.NoError(t, err)
			assert.NotNil(t, got.Body)
			assert.Empty(t, got.Body)
		})
	}
}

func TestRevisionResults(t *testing.T) {
	resp := &Response{Status: 201, Headers: []dto.Header{{Name: "content-type", Value: "application/json"}}, Body: []byte(`{"id":"m1"}`)}

	for _, rev := range []Revision{clientV1_0{}, httpClientV1_1{}} {
		t.Run(rev.Interface(), func(t *testing.T) {
			wire, err := rev.EncodeResult(resp, nil)
			require.NoError(t, err)
			got, err := rev.DecodeResult(wire)
			require.NoError(t, err)
			assert.Equal(t, resp, got)

			wire, err = rev.EncodeResult(nil, &Fault{Code: CodeNetwork, Message: "connection refused"})
			require.NoError(t, err)
			_, err = rev.DecodeResult(wire)
			var fault *Fault
			require.ErrorAs(t, err, &fault)
			assert.Equal(t, CodeNetwork, fault.Code)
			assert.True(t, IsNetwork(err))

			_, err = rev.EncodeResult(nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestV10ResultWireShape(t *testing.T) {
	wire, err := clientV1_0{}.EncodeResult(nil, &Fault{Code: CodeTimeout, Message: "slow"})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(wire, &generic))
	assert.Equal(t, map[string]any{"err": map[string]any{"code": "timeout", "message": "slow"}}, generic)
}
