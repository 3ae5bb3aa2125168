// Package dto defines the JSON contracts exchanged between the harness and
// provider modules: the canonical message envelope, render plans, encoded
// payloads, send results and HTTP-shaped ingress.
package dto

import (
	"encoding/json"
	"strings"
)

// TenantCtx scopes a message to an environment and tenant.
type TenantCtx struct {
	Env    string `json:"env"`
	Tenant string `json:"tenant"`
	Team   string `json:"team,omitempty"`
	User   string `json:"user,omitempty"`
}

// Actor identifies the sender of a message.
type Actor struct {
	ID   string `json:"id"`
	Kind string `json:"kind,omitempty"`
}

// Destination is one addressee of an outbound message.
type Destination struct {
	ID   string `json:"id"`
	Kind string `json:"kind,omitempty"`
}

// Attachment references media carried alongside a message.
type Attachment struct {
	MimeType string `json:"mime_type"`
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
}

// ChannelMessageEnvelope is the backend-agnostic representation of one chat
// message. The driver builds it for outbound flows; modules build it for
// inbound ones.
type ChannelMessageEnvelope struct {
	ID            string            `json:"id"`
	Tenant        TenantCtx         `json:"tenant"`
	Channel       string            `json:"channel"`
	SessionID     string            `json:"session_id"`
	From          *Actor            `json:"from,omitempty"`
	To            []Destination     `json:"to"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Text          string            `json:"text,omitempty"`
	Attachments   []Attachment      `json:"attachments"`
	Metadata      map[string]string `json:"metadata"`
}

// RenderTier ranks how rich a rendering the backend can show.
type RenderTier string

const (
	TierBasic    RenderTier = "basic"
	TierRich     RenderTier = "rich"
	TierAdvanced RenderTier = "advanced"
)

// RenderAction is an interactive element of a render plan.
type RenderAction struct {
	Kind  string `json:"kind"`
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
}

// RenderPlan describes what to show, before any backend encoding.
type RenderPlan struct {
	Tier        RenderTier     `json:"tier"`
	SummaryText string         `json:"summary_text"`
	Actions     []RenderAction `json:"actions"`
	Attachments []Attachment   `json:"attachments"`
	Warnings    []string       `json:"warnings"`
	Debug       map[string]any `json:"debug,omitempty"`
}

// RenderPlanIn is the render_plan operation input.
type RenderPlanIn struct {
	Message  ChannelMessageEnvelope `json:"message"`
	Metadata map[string]string      `json:"metadata"`
}

// RenderPlanOut is the render_plan operation output.
type RenderPlanOut struct {
	OK    bool        `json:"ok"`
	Plan  *RenderPlan `json:"plan,omitempty"`
	Error string      `json:"error,omitempty"`
}

// EncodeIn is the encode operation input.
type EncodeIn struct {
	Message ChannelMessageEnvelope `json:"message"`
	Plan    RenderPlan             `json:"plan"`
}

// EncodeOut is the encode operation output.
type EncodeOut struct {
	OK      bool             `json:"ok"`
	Payload *ProviderPayload `json:"payload,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// MetaProviderType is the payload metadata key naming the backend a payload
// was encoded for.
const MetaProviderType = "provider_type"

// ProviderPayload is an encoded, backend-ready message.
type ProviderPayload struct {
	ContentType string            `json:"content_type"`
	Body        []byte            `json:"body_b64"`
	Metadata    map[string]string `json:"metadata"`
}

// SendPayloadIn is the send_payload operation input.
type SendPayloadIn struct {
	ProviderType string          `json:"provider_type"`
	TenantID     string          `json:"tenant_id,omitempty"`
	AuthUser     string          `json:"auth_user,omitempty"`
	Payload      ProviderPayload `json:"payload"`
}

// SendPayloadResult is the terminal outcome of a payload submission.
type SendPayloadResult struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable"`
}

// SendIn is the input of the one-shot send and reply operations.
type SendIn struct {
	Message ChannelMessageEnvelope `json:"message"`
	Config  map[string]any         `json:"config,omitempty"`
	// ReplyToID names the message a reply threads under.
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// Header is one HTTP header. Order is significant and names may repeat.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderValue returns the first header named name, compared case-insensitively.
func HeaderValue(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// HTTPIn is an inbound HTTP request handed to ingest_http.
type HTTPIn struct {
	Method  string         `json:"method"`
	Path    string         `json:"path"`
	Query   string         `json:"query,omitempty"`
	Headers []Header       `json:"headers"`
	Body    []byte         `json:"body_b64"`
	Config  map[string]any `json:"config,omitempty"`
}

// HTTPOut is the ingest_http response: what to answer the caller and the
// envelopes the module produced.
type HTTPOut struct {
	Status  int                      `json:"status"`
	Headers []Header                 `json:"headers"`
	Body    []byte                   `json:"body_b64"`
	Events  []ChannelMessageEnvelope `json:"events"`
}

// WebhookIn is the reconcile_webhook operation input.
type WebhookIn struct {
	PublicBaseURL string         `json:"public_base_url"`
	SecretToken   string         `json:"secret_token,omitempty"`
	DryRun        bool           `json:"dry_run,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
}

// WebhookOut is the reconcile_webhook operation output.
type WebhookOut struct {
	OK          bool   `json:"ok"`
	Action      string `json:"action,omitempty"`
	ExpectedURL string `json:"expected_url,omitempty"`
	WebhookID   string `json:"webhook_id,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SendOut is the output of the one-shot send and reply operations.
type SendOut struct {
	OK                bool            `json:"ok"`
	Status            string          `json:"status,omitempty"`
	ProviderType      string          `json:"provider_type,omitempty"`
	MessageID         string          `json:"message_id,omitempty"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	Response          json.RawMessage `json:"response,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// ProviderManifest is what describe returns.
type ProviderManifest struct {
	ProviderType string   `json:"provider_type"`
	Capabilities []string `json:"capabilities"`
	Ops          []string `json:"ops"`
	ConfigSchema string   `json:"config_schema,omitempty"`
}

// ValidateConfigOut is the validate_config operation output.
type ValidateConfigOut struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// HealthOut is the healthcheck operation output.
type HealthOut struct {
	Status string `json:"status"`
}
