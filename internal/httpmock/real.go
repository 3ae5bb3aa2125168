package httpmock

import (
	"context"
	"crypto/tls"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/dto"
)

const defaultRealTimeout = 30 * time.Second

// RealTransport performs requests over the network. It never retries;
// retry policy belongs to the caller.
type RealTransport struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[clientKey]*resty.Client
}

type clientKey struct {
	insecure   bool
	noRedirect bool
}

// NewRealTransport creates a transport. A nil base client means resty.New().
func NewRealTransport(base *resty.Client) *RealTransport {
	rt := &RealTransport{
		timeout: defaultRealTimeout,
		clients: make(map[clientKey]*resty.Client),
	}
	if base != nil {
		base.SetRetryCount(0)
		rt.clients[clientKey{}] = base
	}
	return rt
}

// SetTimeout sets the timeout used when a request carries none.
func (t *RealTransport) SetTimeout(d time.Duration) {
	if d > 0 {
		t.timeout = d
	}
}

func (t *RealTransport) client(key clientKey) *resty.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[key]; ok {
		return c
	}
	c := resty.New()
	c.SetRetryCount(0)
	if key.insecure {
		c.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // opted in per request
	}
	if key.noRedirect {
		c.SetRedirectPolicy(resty.NoRedirectPolicy())
	}
	t.clients[key] = c
	return c
}

// Do performs req.
func (t *RealTransport) Do(ctx context.Context, req capability.Request) (capability.Response, error) {
	key := clientKey{}
	timeout := t.timeout
	if opts := req.Options; opts != nil {
		key.insecure = opts.AllowInsecure
		key.noRedirect = opts.FollowRedirects != nil && !*opts.FollowRedirects
		if opts.TimeoutMS > 0 {
			timeout = time.Duration(opts.TimeoutMS) * time.Millisecond
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := t.client(key).R().SetContext(ctx)
	for _, h := range req.Headers {
		r.Header.Add(h.Name, h.Value)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return capability.Response{}, err
	}

	return capability.Response{
		Status:  resp.StatusCode(),
		Headers: flattenHeaders(resp.Header()),
		Body:    append([]byte{}, resp.Body()...),
	}, nil
}

// flattenHeaders lowercases names and orders them for stable history.
func flattenHeaders(h http.Header) []dto.Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]dto.Header, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, dto.Header{Name: strings.ToLower(name), Value: v})
		}
	}
	return out
}
