package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/httpmock"
	"github.com/roach88/provharness/internal/ingress"
	"github.com/roach88/provharness/internal/observability"
	"github.com/roach88/provharness/internal/pipeline"
	"github.com/roach88/provharness/internal/requirements"
	"github.com/roach88/provharness/internal/sandbox"
	"github.com/roach88/provharness/internal/store"
	"github.com/roach88/provharness/internal/values"
)

// Config wires a Harness to its module loader and fixtures.
type Config struct {
	Loader *sandbox.Loader
	// Requirements holds <provider>.requirements.json fixtures.
	Requirements  fs.FS
	RealTransport *httpmock.RealTransport
	Registry      *capability.Registry
	// Store, when set, receives one run per executed step.
	Store   *store.Store
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Harness runs scenarios. Every step gets a fresh module instance and mock
// controller, so steps only share the values bundle.
type Harness struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a harness.
func New(cfg Config) *Harness {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{cfg: cfg, logger: logger}
}

// Run executes a scenario. Step failures, unmet expectations and failed
// assertions are reported in the result; an error means the scenario
// could not be set up.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (res *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "harness.run", attribute.String("scenario", scenario.Name))
	defer func() { observability.EndSpan(span, err) }()

	if h.cfg.Requirements == nil {
		return nil, errors.New("no requirement fixtures configured")
	}
	spec, _, err := requirements.Load(h.cfg.Requirements, scenario.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load requirements: %w", err)
	}

	bundle, err := scenario.bundle()
	if err != nil {
		return nil, fmt.Errorf("failed to load values: %w", err)
	}

	encoder, err := pipeline.EncoderByName(scenario.Encoder)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		trace, err := h.runStep(ctx, scenario, spec, bundle, encoder, i, step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		result.Steps = append(result.Steps, trace)

		for _, msg := range checkExpect(i, step.Expect, trace) {
			result.AddError(msg)
		}

		h.logger.InfoContext(ctx, "step completed",
			"scenario", scenario.Name,
			"step", i,
			"op", trace.Op,
			"status", trace.Status,
			"calls", len(trace.Calls),
		)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// bundle returns the scenario's values.
func (s *Scenario) bundle() (*values.Bundle, error) {
	if s.ValuesFile != "" {
		return values.Load(s.resolve(s.ValuesFile))
	}
	doc := s.Values
	if doc == nil {
		doc = map[string]any{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode inline values: %w", err)
	}
	return values.Parse(data)
}

// runStep runs one step against a fresh session. Pipeline failures become
// part of the trace; the returned error is for malformed step input.
func (h *Harness) runStep(ctx context.Context, scenario *Scenario, spec *requirements.Spec, bundle *values.Bundle, encoder pipeline.Encoder, index int, step Step) (StepTrace, error) {
	trace := StepTrace{Index: index, Op: step.Op(), Status: statusOK, Calls: []CallTrace{}}

	var httpIn *dto.HTTPIn
	if step.Ingest != nil {
		in, err := scenario.httpIn(step.Ingest)
		if err != nil {
			return trace, err
		}
		httpIn = &in
		if base := strings.TrimSpace(step.Ingest.PublicBaseURL); base != "" {
			bundle = bundle.WithConfig("public_base_url", base)
		}
	}

	session, err := pipeline.Open(ctx, pipeline.Config{
		Provider:      scenario.Provider,
		Spec:          spec,
		Values:        bundle,
		Loader:        h.cfg.Loader,
		Encoder:       encoder,
		RealTransport: h.cfg.RealTransport,
		Registry:      h.cfg.Registry,
		Logger:        h.logger,
		Metrics:       h.cfg.Metrics,
	})
	if err != nil {
		trace.fail(err)
		h.record(ctx, scenario, &trace, nil)
		return trace, nil
	}
	defer session.Close(ctx)
	trace.ProviderType = session.ProviderType()

	if err := queueMocks(session.Mock(), step.Mock); err != nil {
		return trace, err
	}

	var runErr error
	var result any
	switch {
	case step.Send != nil:
		env, err := outbound(scenario.Provider, bundle, step.Send)
		if err != nil {
			return trace, err
		}
		res, err := session.Send(ctx, env)
		runErr, result = err, res
		trace.records = res.Calls
		if res.Result != nil {
			trace.Retryable = res.Result.Retryable
		}

	case step.Ingest != nil:
		res, err := session.Ingest(ctx, *httpIn)
		runErr, result = err, res
		trace.records = res.Calls
		trace.HTTPStatus = res.Status
		trace.Envelopes = len(res.Envelopes)
		for _, env := range res.Envelopes {
			trace.Texts = append(trace.Texts, env.Text)
		}

	case step.Webhook != nil:
		in := dto.WebhookIn{
			PublicBaseURL: strings.TrimSpace(step.Webhook.PublicBaseURL),
			SecretToken:   step.Webhook.SecretToken,
			DryRun:        step.Webhook.DryRun,
		}
		res, err := session.ReconcileWebhook(ctx, in)
		runErr, result = err, res
		trace.records = res.Calls
	}

	if runErr != nil {
		trace.fail(runErr)
	}
	trace.Calls = traceCalls(trace.records)
	h.record(ctx, scenario, &trace, result)
	return trace, nil
}

func (t *StepTrace) fail(err error) {
	t.Status = statusFailed
	t.ErrorKind = string(pipeline.KindOf(err))
	t.Error = err.Error()
}

func queueMocks(c *httpmock.Controller, mocks []MockResponse) error {
	for i, m := range mocks {
		switch {
		case m.Fault != nil:
			c.QueueFault(m.Fault.Code, m.Fault.Message)
		case m.JSON != nil:
			status := m.Status
			if status == 0 {
				status = 200
			}
			if err := c.QueueJSON(status, m.JSON); err != nil {
				return fmt.Errorf("mock[%d]: %w", i, err)
			}
		default:
			status := m.Status
			if status == 0 {
				status = 200
			}
			c.QueueResponse(status, []byte(m.Body))
		}
	}
	return nil
}

// outbound builds the envelope for a send step. Destinations default to the
// values bundle's "to" fields.
func outbound(provider string, bundle *values.Bundle, step *SendStep) (dto.ChannelMessageEnvelope, error) {
	md, err := bundle.ToMetadata()
	if err != nil {
		return dto.ChannelMessageEnvelope{}, err
	}

	var card json.RawMessage
	if step.Card != nil {
		if card, err = json.Marshal(step.Card); err != nil {
			return dto.ChannelMessageEnvelope{}, fmt.Errorf("encode card: %w", err)
		}
	}

	to := pipeline.DefaultDestination(md)
	if len(step.To) > 0 {
		to = make([]dto.Destination, 0, len(step.To))
		for _, t := range step.To {
			to = append(to, dto.Destination{ID: strings.TrimSpace(t.ID), Kind: t.Kind})
		}
	}

	return pipeline.NewEnvelope(pipeline.Outbound{
		Provider: provider,
		Text:     step.Text,
		Card:     card,
		To:       to,
		Metadata: md,
	})
}

// httpIn returns the inbound request of an ingest step.
func (s *Scenario) httpIn(step *IngestStep) (dto.HTTPIn, error) {
	if step.HTTPIn != "" {
		f, err := ingress.LoadHTTPIn(s.resolve(step.HTTPIn))
		if err != nil {
			return dto.HTTPIn{}, err
		}
		return f.ToDTO(), nil
	}

	headers := make([]string, 0, len(step.Headers))
	for name, value := range step.Headers {
		headers = append(headers, name+":"+value)
	}
	method := step.Method
	if method == "" {
		method = "POST"
	}
	f, err := ingress.BuildHTTPIn(ingress.FlagInput{
		Method:  method,
		Path:    step.Path,
		Query:   step.Query,
		Body:    step.Body,
		Headers: headers,
	})
	if err != nil {
		return dto.HTTPIn{}, err
	}
	return f.ToDTO(), nil
}

// record writes the step to the run log when one is configured. A failed
// write is logged, not fatal.
func (h *Harness) record(ctx context.Context, scenario *Scenario, trace *StepTrace, result any) {
	if h.cfg.Store == nil {
		return
	}

	run := store.Run{
		Kind:         storeKind(trace.Op),
		Provider:     scenario.Provider,
		ProviderType: trace.ProviderType,
		Status:       store.StatusOK,
		ErrorKind:    trace.ErrorKind,
		Error:        trace.Error,
	}
	if trace.Status == statusFailed {
		run.Status = store.StatusFailed
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err == nil {
			run.Result = data
		}
	}

	if _, err := h.cfg.Store.WriteRun(ctx, run, trace.records); err != nil {
		h.logger.WarnContext(ctx, "failed to record run", "scenario", scenario.Name, "step", trace.Index, "error", err)
	}
}

func storeKind(op string) string {
	switch op {
	case OpIngest:
		return store.KindIngest
	case OpWebhook:
		return store.KindWebhook
	}
	return store.KindSend
}

// checkExpect compares a step trace with its expectation. A nil
// expectation requires success.
func checkExpect(index int, e *Expect, trace StepTrace) []string {
	var errs []string
	if e == nil {
		if trace.Status != statusOK {
			errs = append(errs, fmt.Sprintf("steps[%d]: expected success, got %s", index, trace.Error))
		}
		return errs
	}

	if e.Status != "" && e.Status != trace.Status {
		msg := fmt.Sprintf("steps[%d]: expected status %s, got %s", index, e.Status, trace.Status)
		if trace.Error != "" {
			msg += " (" + trace.Error + ")"
		}
		errs = append(errs, msg)
	}
	if e.ErrorKind != "" && e.ErrorKind != trace.ErrorKind {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected error kind %s, got %q", index, e.ErrorKind, trace.ErrorKind))
	}
	if e.ErrorContains != "" && !strings.Contains(trace.Error, e.ErrorContains) {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected error containing %q, got %q", index, e.ErrorContains, trace.Error))
	}
	if e.HTTPStatus != 0 && e.HTTPStatus != trace.HTTPStatus {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected http status %d, got %d", index, e.HTTPStatus, trace.HTTPStatus))
	}
	if e.Envelopes != nil && *e.Envelopes != trace.Envelopes {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected %d envelopes, got %d", index, *e.Envelopes, trace.Envelopes))
	}
	if e.Retryable != nil && *e.Retryable != trace.Retryable {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected retryable=%t, got %t", index, *e.Retryable, trace.Retryable))
	}
	return errs
}
