package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/httpmock"
	"github.com/roach88/provharness/internal/observability"
	"github.com/roach88/provharness/internal/sandbox"
)

// IngestResult is what one ingest_http run produced. A module-level
// failure still has a status and usually envelopes; only a failed
// operation leaves Status zero.
type IngestResult struct {
	Status    int                          `json:"status"`
	Headers   []dto.Header                 `json:"headers"`
	Body      []byte                       `json:"body_b64"`
	Envelopes []dto.ChannelMessageEnvelope `json:"envelopes"`
	Calls     []httpmock.Record            `json:"calls"`
}

// Ingest hands an inbound request to the module. The values' config is
// attached when in carries none.
func (s *Session) Ingest(ctx context.Context, in dto.HTTPIn) (res *IngestResult, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.ingest",
		attribute.String("provider", s.provider),
		attribute.String("http.method", in.Method),
		attribute.String("http.path", in.Path))
	res = &IngestResult{Headers: []dto.Header{}, Envelopes: []dto.ChannelMessageEnvelope{}}
	defer func() {
		res.Calls = s.mock.History()
		span.SetAttributes(attribute.Int("http.status", res.Status), attribute.Int("envelopes", len(res.Envelopes)))
		observability.EndSpan(span, err)
	}()

	if in.Config == nil {
		in.Config = s.values.Config
	}
	if in.Headers == nil {
		in.Headers = []dto.Header{}
	}

	_, out, err := s.call(ctx, sandbox.OpIngestHTTP, in)
	if err != nil {
		return res, err
	}
	httpOut, err := decode[dto.HTTPOut](s, sandbox.OpIngestHTTP, out)
	if err != nil {
		return res, err
	}

	res.Status = httpOut.Status
	res.Body = httpOut.Body
	if httpOut.Headers != nil {
		res.Headers = httpOut.Headers
	}
	if httpOut.Events != nil {
		res.Envelopes = httpOut.Events
	}
	return res, nil
}

// WebhookResult is the outcome of a reconcile_webhook run.
type WebhookResult struct {
	Output *dto.WebhookOut   `json:"output,omitempty"`
	Calls  []httpmock.Record `json:"calls"`
}

// ReconcileWebhook asks the module to make its webhook registration match
// in.PublicBaseURL.
func (s *Session) ReconcileWebhook(ctx context.Context, in dto.WebhookIn) (res *WebhookResult, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.webhook",
		attribute.String("provider", s.provider), attribute.Bool("dry_run", in.DryRun))
	res = &WebhookResult{}
	defer func() {
		res.Calls = s.mock.History()
		observability.EndSpan(span, err)
	}()

	if in.Config == nil {
		in.Config = s.values.Config
	}
	faults, out, err := s.call(ctx, sandbox.OpReconcileWebhook, in)
	if err != nil {
		return res, err
	}
	wo, err := decode[dto.WebhookOut](s, sandbox.OpReconcileWebhook, out)
	if err != nil {
		return res, err
	}
	res.Output = &wo
	if !wo.OK {
		return res, reported(StageWebhook, wo.Error, faults)
	}
	return res, nil
}
