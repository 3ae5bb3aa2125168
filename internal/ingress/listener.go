package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/observability"
)

// Listener defaults.
const (
	DefaultWorkers      = 1
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
	shutdownGrace       = 10 * time.Second
)

// DispatchFunc hands one inbound request to a module and returns the
// envelopes it produced.
type DispatchFunc func(ctx context.Context, in dto.HTTPIn) ([]dto.ChannelMessageEnvelope, error)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Addr string
	// Path is the path webhooks are expected on. Every path is served;
	// a request elsewhere is logged and still dispatched.
	Path string
	// Provider names the module in log lines and signature errors.
	Provider string
	// Secret enables webhook signature checks when set.
	Secret   []byte
	Workers  int
	Timeout  time.Duration
	Dispatch DispatchFunc
	// Out receives request details and produced envelopes as JSON.
	Out     io.Writer
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Listener serves inbound webhooks and dispatches them on a bounded pool
// of workers.
type Listener struct {
	cfg    ListenerConfig
	logger *slog.Logger
	slots  chan struct{}

	outMu sync.Mutex

	mu  sync.Mutex
	ln  net.Listener
	wg  sync.WaitGroup
	srv *http.Server
}

// NewListener validates cfg and fills defaults.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Dispatch == nil {
		return nil, errors.New("listener: dispatch function is required")
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		cfg:    cfg,
		logger: logger.With("component", "listener", "provider", cfg.Provider),
		slots:  make(chan struct{}, cfg.Workers),
	}, nil
}

// Bind opens the listening socket. Serve calls it when needed.
func (l *Listener) Bind() (net.Addr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return l.ln.Addr(), nil
	}
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", l.cfg.Addr, err)
	}
	l.ln = ln
	return ln.Addr(), nil
}

// Serve accepts requests until ctx is done, then stops accepting and waits
// for in-flight requests to finish.
func (l *Listener) Serve(ctx context.Context) error {
	addr, err := l.Bind()
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.srv = &http.Server{Handler: l.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv, ln := l.srv, l.ln
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "listening", "addr", addr.String(), "path", l.cfg.Path, "workers", l.cfg.Workers)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	l.logger.Info("shutting down listener")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	l.wg.Wait()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Handler returns the request handler, for mounting or tests.
func (l *Listener) Handler() http.Handler {
	return http.HandlerFunc(l.handle)
}

type requestDetail struct {
	Method       string       `json:"method"`
	Path         string       `json:"path"`
	Query        *string      `json:"query"`
	Headers      []dto.Header `json:"headers"`
	Body         string       `json:"body"`
	BodyLength   int          `json:"body_length"`
	ExpectedPath string       `json:"expected_path"`
}

type dispatchOutcome struct {
	envelopes []dto.ChannelMessageEnvelope
	err       error
	panicked  bool
}

func (l *Listener) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "ok"
	defer func() { l.cfg.Metrics.ObserveRequest(outcome, time.Since(start)) }()

	if l.cfg.Path != "/" && r.URL.Path != l.cfg.Path {
		l.logger.WarnContext(r.Context(), "request path differs from expected path",
			"path", r.URL.Path, "expected_path", l.cfg.Path)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes))
	if err != nil {
		outcome = "bad_request"
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	in := FromRequest(r, body)
	detail := requestDetail{
		Method:       in.Method,
		Path:         in.Path,
		Headers:      in.Headers,
		Body:         string(body),
		BodyLength:   len(body),
		ExpectedPath: l.cfg.Path,
	}
	if r.URL.RawQuery != "" {
		q := r.URL.RawQuery
		detail.Query = &q
	}
	l.emit(detail)

	if len(l.cfg.Secret) > 0 && !VerifySignature(l.cfg.Secret, in.Headers, body) {
		outcome = "unauthorized"
		msg := fmt.Sprintf("invalid %s webhook signature", l.cfg.Provider)
		l.logger.WarnContext(r.Context(), msg)
		http.Error(w, msg, http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), l.cfg.Timeout)
	defer cancel()

	defer l.cfg.Metrics.TrackInFlight()()

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		outcome = "timeout"
		http.Error(w, "no worker available before timeout", http.StatusGatewayTimeout)
		return
	}

	result := make(chan dispatchOutcome, 1)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.slots }()
		result <- l.dispatch(ctx, in)
	}()

	select {
	case res := <-result:
		switch {
		case res.panicked:
			outcome = "panic"
			l.logger.ErrorContext(ctx, "ingest panicked", "error", res.err)
			http.Error(w, res.err.Error(), http.StatusInternalServerError)
		case res.err != nil:
			outcome = "error"
			l.logger.ErrorContext(ctx, "ingress failed", "error", res.err)
			http.Error(w, res.err.Error(), http.StatusInternalServerError)
		default:
			l.emit(map[string]any{"ingress_envelopes": res.envelopes})
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}
	case <-ctx.Done():
		outcome = "timeout"
		l.logger.ErrorContext(ctx, "ingest timed out", "timeout", l.cfg.Timeout)
		http.Error(w, fmt.Sprintf("ingest timed out after %s", l.cfg.Timeout), http.StatusGatewayTimeout)
	}
}

func (l *Listener) dispatch(ctx context.Context, in dto.HTTPIn) (out dispatchOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = dispatchOutcome{err: fmt.Errorf("ingest runtime panic: %v", r), panicked: true}
		}
	}()
	envelopes, err := l.cfg.Dispatch(ctx, in)
	if envelopes == nil {
		envelopes = []dto.ChannelMessageEnvelope{}
	}
	return dispatchOutcome{envelopes: envelopes, err: err}
}

func (l *Listener) emit(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		l.logger.Error("encode listener output", "error", err)
		return
	}
	l.outMu.Lock()
	defer l.outMu.Unlock()
	_, _ = l.cfg.Out.Write(append(data, '\n'))
}
