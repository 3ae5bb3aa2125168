package httpmock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/dto"
)

// Mode selects whether calls are answered from the queue or performed.
type Mode string

const (
	ModeMock Mode = "mock"
	ModeReal Mode = "real"
)

// DefaultResponse is returned when the queue is exhausted.
func DefaultResponse() capability.Response {
	return capability.Response{
		Status:  200,
		Headers: []dto.Header{{Name: "content-type", Value: "application/json"}},
		Body:    []byte(`{"status":"ok"}`),
	}
}

// Record is one transport call: the request exactly as received and either
// the response returned to the caller or the fault.
type Record struct {
	Seq      int64                `json:"seq"`
	Request  capability.Request   `json:"request"`
	Response *capability.Response `json:"response,omitempty"`
	Fault    *capability.Fault    `json:"fault,omitempty"`
}

// queued is either a response or a fault.
type queued struct {
	resp  capability.Response
	fault *capability.Fault
}

// Controller implements capability.Transport.
type Controller struct {
	mode   Mode
	real   *RealTransport
	logger *slog.Logger

	mu      sync.Mutex
	queue   []queued
	history []Record
	seq     int64
}

// Option configures a Controller.
type Option func(*Controller)

// WithRealTransport sets the transport used in real mode.
func WithRealTransport(rt *RealTransport) Option {
	return func(c *Controller) { c.real = rt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a Controller. Any mode other than ModeReal is treated as mock.
func New(mode Mode, opts ...Option) *Controller {
	if mode != ModeReal {
		mode = ModeMock
	}
	c := &Controller{mode: mode, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.mode == ModeReal && c.real == nil {
		c.real = NewRealTransport(nil)
	}
	return c
}

// Mode returns the controller's mode.
func (c *Controller) Mode() Mode {
	return c.mode
}

// QueueResponse appends a response with a JSON content type.
func (c *Controller) QueueResponse(status int, body []byte) {
	c.enqueue(queued{resp: capability.Response{
		Status:  status,
		Headers: []dto.Header{{Name: "content-type", Value: "application/json"}},
		Body:    append([]byte(nil), body...),
	}})
}

// QueueJSON marshals v and queues it as the response body.
func (c *Controller) QueueJSON(status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue json: %w", err)
	}
	c.QueueResponse(status, body)
	return nil
}

// QueueRaw appends a fully specified response.
func (c *Controller) QueueRaw(resp capability.Response) {
	c.enqueue(queued{resp: resp})
}

// QueueFault makes the next call fail with a capability fault.
func (c *Controller) QueueFault(code, message string) {
	c.enqueue(queued{fault: &capability.Fault{Code: code, Message: message}})
}

func (c *Controller) enqueue(q queued) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, q)
}

// Clear empties the queue. History is kept.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = nil
}

// Pending returns the number of queued responses.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Send implements capability.Transport.
func (c *Controller) Send(ctx context.Context, req capability.Request) (capability.Response, error) {
	if c.mode == ModeReal {
		return c.sendReal(ctx, req)
	}

	c.mu.Lock()
	var next queued
	if len(c.queue) > 0 {
		next = c.queue[0]
		c.queue = c.queue[1:]
	} else {
		next = queued{resp: DefaultResponse()}
	}
	rec := c.appendLocked(req, next.resp, next.fault)
	c.mu.Unlock()

	c.logCall(ctx, rec)
	if next.fault != nil {
		return capability.Response{}, next.fault
	}
	return cloneResponse(next.resp), nil
}

func (c *Controller) sendReal(ctx context.Context, req capability.Request) (capability.Response, error) {
	resp, err := c.real.Do(ctx, req)
	fault := capability.AsFault(err)

	c.mu.Lock()
	rec := c.appendLocked(req, resp, fault)
	c.mu.Unlock()

	c.logCall(ctx, rec)
	if fault != nil {
		return capability.Response{}, fault
	}
	return resp, nil
}

// appendLocked records a call. c.mu must be held.
func (c *Controller) appendLocked(req capability.Request, resp capability.Response, fault *capability.Fault) Record {
	c.seq++
	rec := Record{Seq: c.seq, Request: cloneRequest(req)}
	if fault != nil {
		f := *fault
		rec.Fault = &f
	} else {
		r := cloneResponse(resp)
		rec.Response = &r
	}
	c.history = append(c.history, rec)
	return rec
}

func (c *Controller) logCall(ctx context.Context, rec Record) {
	if rec.Fault != nil {
		c.logger.DebugContext(ctx, "transport call failed",
			"seq", rec.Seq, "method", rec.Request.Method, "url", rec.Request.URL, "fault", rec.Fault.Code)
		return
	}
	c.logger.DebugContext(ctx, "transport call",
		"seq", rec.Seq, "method", rec.Request.Method, "url", rec.Request.URL, "status", rec.Response.Status)
}

// History returns a snapshot of every call so far, in call order. Later
// calls never change a snapshot already returned.
func (c *Controller) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.history))
	for i, rec := range c.history {
		out[i] = cloneRecord(rec)
	}
	return out
}

// Len returns the number of recorded calls.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

func cloneRecord(rec Record) Record {
	out := Record{Seq: rec.Seq, Request: cloneRequest(rec.Request)}
	if rec.Response != nil {
		r := cloneResponse(*rec.Response)
		out.Response = &r
	}
	if rec.Fault != nil {
		f := *rec.Fault
		out.Fault = &f
	}
	return out
}

func cloneRequest(req capability.Request) capability.Request {
	out := req
	out.Headers = append([]dto.Header(nil), req.Headers...)
	if req.Body != nil {
		out.Body = append([]byte{}, req.Body...)
	}
	if req.Options != nil {
		o := *req.Options
		out.Options = &o
	}
	if req.Context != nil {
		cc := *req.Context
		if req.Context.Attributes != nil {
			cc.Attributes = make(map[string]string, len(req.Context.Attributes))
			for k, v := range req.Context.Attributes {
				cc.Attributes[k] = v
			}
		}
		out.Context = &cc
	}
	return out
}

func cloneResponse(resp capability.Response) capability.Response {
	out := resp
	out.Headers = append([]dto.Header(nil), resp.Headers...)
	out.Body = append([]byte{}, resp.Body...)
	return out
}
