package capability

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/provharness/internal/dto"
)

// httpClientV1_1 wraps the request in an envelope with optional request
// options and a call context.
type httpClientV1_1 struct{}

type v11Inner struct {
	Method  string       `json:"method"`
	URL     string       `json:"url"`
	Headers []dto.Header `json:"headers"`
	Body    *[]byte      `json:"body_b64,omitempty"`
}

type v11Request struct {
	Request v11Inner        `json:"request"`
	Options *RequestOptions `json:"options,omitempty"`
	Ctx     *CallContext    `json:"ctx,omitempty"`
}

type v11Result struct {
	Status  int          `json:"status,omitempty"`
	Headers []dto.Header `json:"headers,omitempty"`
	Body    []byte       `json:"body_b64,omitempty"`
	Error   *Fault       `json:"error,omitempty"`
}

func (httpClientV1_1) Interface() string { return IfaceHTTPClientV1_1 }

func (httpClientV1_1) DecodeRequest(payload []byte) (Request, error) {
	var wire v11Request
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Request{}, fmt.Errorf("decode %s request: %w", IfaceHTTPClientV1_1, err)
	}
	req := Request{
		Method:  wire.Request.Method,
		URL:     wire.Request.URL,
		Headers: wire.Request.Headers,
		Options: wire.Options,
		Context: wire.Ctx,
	}
	if req.Headers == nil {
		req.Headers = []dto.Header{}
	}
	if wire.Request.Body != nil {
		req.Body = nonNil(*wire.Request.Body)
	}
	return req, nil
}

func (httpClientV1_1) EncodeResult(resp *Response, fault *Fault) ([]byte, error) {
	if fault != nil {
		return json.Marshal(v11Result{Error: fault})
	}
	if resp == nil {
		return nil, fmt.Errorf("encode %s result: no response and no fault", IfaceHTTPClientV1_1)
	}
	return json.Marshal(v11Result{Status: resp.Status, Headers: resp.Headers, Body: resp.Body})
}

func (httpClientV1_1) EncodeRequest(req Request) ([]byte, error) {
	wire := v11Request{
		Request: v11Inner{
			Method:  req.Method,
			URL:     req.URL,
			Headers: req.Headers,
		},
		Options: req.Options,
		Ctx:     req.Context,
	}
	if wire.Request.Headers == nil {
		wire.Request.Headers = []dto.Header{}
	}
	if req.Body != nil {
		body := req.Body
		wire.Request.Body = &body
	}
	return json.Marshal(wire)
}

func (httpClientV1_1) DecodeResult(payload []byte) (*Response, error) {
	var wire v11Result
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", IfaceHTTPClientV1_1, err)
	}
	if wire.Error != nil {
		return nil, wire.Error
	}
	headers := wire.Headers
	if headers == nil {
		headers = []dto.Header{}
	}
	return &Response{Status: wire.Status, Headers: headers, Body: nonNil(wire.Body)}, nil
}
