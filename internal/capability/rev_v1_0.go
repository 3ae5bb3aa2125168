package capability

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/provharness/internal/dto"
)

// clientV1_0 is the original transport schema. Headers travel as
// [name, value] pairs and there is no options or context block.
type clientV1_0 struct{}

type v10Request struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers [][2]string `json:"headers"`
	Body    *[]byte     `json:"body,omitempty"`
}

type v10Response struct {
	Status  int         `json:"status"`
	Headers [][2]string `json:"headers"`
	Body    []byte      `json:"body"`
}

type v10Result struct {
	OK  *v10Response `json:"ok,omitempty"`
	Err *Fault       `json:"err,omitempty"`
}

func (clientV1_0) Interface() string { return IfaceHTTPClientV1_0 }

func (clientV1_0) DecodeRequest(payload []byte) (Request, error) {
	var wire v10Request
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Request{}, fmt.Errorf("decode %s request: %w", IfaceHTTPClientV1_0, err)
	}
	req := Request{
		Method:  wire.Method,
		URL:     wire.URL,
		Headers: pairsToHeaders(wire.Headers),
	}
	if wire.Body != nil {
		req.Body = nonNil(*wire.Body)
	}
	return req, nil
}

func (clientV1_0) EncodeResult(resp *Response, fault *Fault) ([]byte, error) {
	if fault != nil {
		return json.Marshal(v10Result{Err: fault})
	}
	if resp == nil {
		return nil, fmt.Errorf("encode %s result: no response and no fault", IfaceHTTPClientV1_0)
	}
	return json.Marshal(v10Result{OK: &v10Response{
		Status:  resp.Status,
		Headers: headersToPairs(resp.Headers),
		Body:    nonNil(resp.Body),
	}})
}

func (clientV1_0) EncodeRequest(req Request) ([]byte, error) {
	wire := v10Request{
		Method:  req.Method,
		URL:     req.URL,
		Headers: headersToPairs(req.Headers),
	}
	if req.Body != nil {
		body := req.Body
		wire.Body = &body
	}
	return json.Marshal(wire)
}

func (clientV1_0) DecodeResult(payload []byte) (*Response, error) {
	var wire v10Result
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", IfaceHTTPClientV1_0, err)
	}
	if wire.Err != nil {
		return nil, wire.Err
	}
	if wire.OK == nil {
		return nil, fmt.Errorf("decode %s result: neither ok nor err", IfaceHTTPClientV1_0)
	}
	return &Response{
		Status:  wire.OK.Status,
		Headers: pairsToHeaders(wire.OK.Headers),
		Body:    wire.OK.Body,
	}, nil
}

func pairsToHeaders(pairs [][2]string) []dto.Header {
	headers := make([]dto.Header, 0, len(pairs))
	for _, p := range pairs {
		headers = append(headers, dto.Header{Name: p[0], Value: p[1]})
	}
	return headers
}

func headersToPairs(headers []dto.Header) [][2]string {
	pairs := make([][2]string, 0, len(headers))
	for _, h := range headers {
		pairs = append(pairs, [2]string{h.Name, h.Value})
	}
	return pairs
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
