// Package pipeline drives one provider module through its operations: the
// outbound render_plan, encode and send_payload sequence, inbound
// ingest_http, and webhook reconciliation. Every run is gated on the
// provider's requirements and records every transport call the module makes.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/httpmock"
	"github.com/roach88/provharness/internal/observability"
	"github.com/roach88/provharness/internal/requirements"
	"github.com/roach88/provharness/internal/sandbox"
	"github.com/roach88/provharness/internal/values"
)

// Config configures a session.
type Config struct {
	// Provider is the module locator: a registered name or a .wasm path.
	Provider string
	Spec     *requirements.Spec
	Values   *values.Bundle
	Loader   *sandbox.Loader
	// Encoder defaults to HostEncoder.
	Encoder Encoder
	// RealTransport performs requests when the values select real mode.
	RealTransport *httpmock.RealTransport
	Registry      *capability.Registry
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// Session is one gated, instantiated module with its own mock controller
// and capability host. A session runs one operation at a time.
type Session struct {
	provider string
	values   *values.Bundle
	handle   *sandbox.Handle
	mock     *httpmock.Controller
	host     *capability.Host
	encoder  Encoder
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Open validates the values against the requirement spec and only then
// instantiates the module. Nothing is loaded when validation fails.
func Open(ctx context.Context, cfg Config) (s *Session, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.open", attribute.String("provider", cfg.Provider))
	defer func() { observability.EndSpan(span, err) }()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Values == nil {
		return nil, &Error{Kind: KindLoad, Stage: StageValidate, Err: errors.New("no values bundle")}
	}
	if cfg.Spec == nil {
		return nil, &Error{Kind: KindValidation, Stage: StageValidate, Err: errors.New("no requirement spec")}
	}
	if err := cfg.Spec.Check(cfg.Values); err != nil {
		return nil, &Error{Kind: KindValidation, Stage: StageValidate, Err: err}
	}
	if cfg.Loader == nil {
		return nil, &Error{Kind: KindLoad, Stage: StageLoad, Err: errors.New("no module loader")}
	}

	secrets, err := cfg.Values.SecretBytes()
	if err != nil {
		return nil, &Error{Kind: KindLoad, Stage: StageValidate, Err: err}
	}

	mode := httpmock.ModeMock
	if cfg.Values.TransportMode() == values.TransportReal {
		mode = httpmock.ModeReal
	}
	mock := httpmock.New(mode, httpmock.WithRealTransport(cfg.RealTransport), httpmock.WithLogger(logger))
	host := capability.NewHost(capability.HostConfig{
		Registry:  cfg.Registry,
		Transport: mock,
		Secrets:   capability.NewSecretStore(secrets),
		State:     capability.StateUnavailable{},
		Logger:    logger,
	})

	handle, err := cfg.Loader.Instantiate(ctx, cfg.Provider)
	if err != nil {
		kind := KindSandbox
		if errors.Is(err, sandbox.ErrNotFound) {
			kind = KindLoad
		}
		return nil, &Error{Kind: kind, Stage: StageLoad, Err: err}
	}

	encoder := cfg.Encoder
	if encoder == nil {
		encoder = HostEncoder{}
	}

	logger.DebugContext(ctx, "session opened",
		"provider", cfg.Provider, "provider_type", handle.ProviderType(), "http", string(mode))

	return &Session{
		provider: cfg.Provider,
		values:   cfg.Values,
		handle:   handle,
		mock:     mock,
		host:     host,
		encoder:  encoder,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// ProviderType returns the type the module declared.
func (s *Session) ProviderType() string { return s.handle.ProviderType() }

// Manifest returns the module's describe output.
func (s *Session) Manifest() dto.ProviderManifest { return s.handle.Describe() }

// Mock returns the session's mock controller, for seeding responses.
func (s *Session) Mock() *httpmock.Controller { return s.mock }

// Calls returns every transport call recorded so far.
func (s *Session) Calls() []httpmock.Record { return s.mock.History() }

// Faults returns every capability fault reported to the module so far.
func (s *Session) Faults() []capability.Fault { return s.host.Faults() }

// Close releases the module.
func (s *Session) Close(ctx context.Context) error {
	return s.handle.Close(ctx)
}

// Call runs op with in marshaled as its payload. Errors are *Error values
// whose stage is the operation.
func (s *Session) Call(ctx context.Context, op sandbox.Op, in any) (out []byte, err error) {
	_, out, err = s.call(ctx, op, in)
	return out, err
}

// call is Call that also returns the faults the host reported during the
// operation.
func (s *Session) call(ctx context.Context, op sandbox.Op, in any) ([]capability.Fault, []byte, error) {
	stage := Stage(op)
	ctx, span := observability.StartSpan(ctx, "provider."+string(op),
		attribute.String("provider", s.provider),
		attribute.String("provider_type", s.handle.ProviderType()))

	if !s.handle.Supports(op) {
		err := &Error{Kind: KindModule, Stage: stage, Err: fmt.Errorf("%w: %s not offered by %s", sandbox.ErrUnsupportedOperation, op, s.provider)}
		observability.EndSpan(span, err)
		return nil, nil, err
	}

	payload, err := json.Marshal(in)
	if err != nil {
		err = &Error{Kind: KindSandbox, Stage: stage, Err: fmt.Errorf("encode input: %w", err)}
		observability.EndSpan(span, err)
		return nil, nil, err
	}

	faultMark := len(s.host.Faults())
	callMark := s.mock.Len()
	start := time.Now()

	out, err := s.handle.Invoke(ctx, string(op), payload, s.host)

	outcome := "ok"
	if err != nil {
		err = classify(stage, err)
		outcome = string(KindOf(err))
	}
	calls := s.mock.Len() - callMark
	s.metrics.ObserveInvoke(s.provider, string(op), outcome, time.Since(start))
	s.metrics.AddTransportCalls(s.provider, string(s.mock.Mode()), calls)
	span.SetAttributes(attribute.Int("transport_calls", calls))
	observability.EndSpan(span, err)

	s.logger.DebugContext(ctx, "operation finished",
		"provider", s.provider, "op", string(op), "outcome", outcome, "calls", calls)

	return s.host.Faults()[faultMark:], out, err
}

// decode unmarshals an operation's output, treating bad output as a sandbox
// failure of that stage.
func decode[T any](s *Session, op sandbox.Op, out []byte) (T, error) {
	v, err := sandbox.DecodeOutput[T](s.handle.Locator(), op, out)
	if err != nil {
		return v, &Error{Kind: KindSandbox, Stage: Stage(op), Err: err}
	}
	return v, nil
}
