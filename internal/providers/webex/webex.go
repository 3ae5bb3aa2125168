// Package webex is the reference Webex bot provider module.
package webex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/providers/kit"
	"github.com/roach88/provharness/internal/sandbox"
)

const (
	Name           = "webex"
	ProviderType   = "messaging.webex.bot"
	DefaultAPIBase = "https://webexapis.com/v1"
	TokenKey       = "WEBEX_BOT_TOKEN"
	WebhookPath    = "/webhooks/webex"
	configSchema   = "schemas/messaging/webex/public.config.schema.json"
)

var configKeys = []string{"default_room_id", "default_to_person_email", "api_base_url"}

// Guest implements the module.
type Guest struct{}

// New returns a fresh guest.
func New() sandbox.Guest { return &Guest{} }

type config struct {
	DefaultRoomID        string
	DefaultToPersonEmail string
	APIBaseURL           string
}

func parseConfig(cfg map[string]any) config {
	return config{
		DefaultRoomID:        kit.ConfigString(cfg, "default_room_id", ""),
		DefaultToPersonEmail: kit.ConfigString(cfg, "default_to_person_email", ""),
		APIBaseURL:           strings.TrimRight(kit.ConfigString(cfg, "api_base_url", DefaultAPIBase), "/"),
	}
}

// overrideFromMetadata applies config.* entries carried on an envelope.
func (c *config) overrideFromMetadata(md map[string]string) {
	if v := strings.TrimSpace(md["config.api_base_url"]); v != "" {
		c.APIBaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(md["config.default_to_person_email"]); v != "" {
		c.DefaultToPersonEmail = v
	}
}

func (g *Guest) Describe(context.Context) ([]byte, error) {
	return kit.JSON(dto.ProviderManifest{
		ProviderType: ProviderType,
		Capabilities: []string{capability.IfaceHTTPClientV1_1, capability.IfaceSecrets},
		Ops: []string{
			string(sandbox.OpSend), string(sandbox.OpReply), string(sandbox.OpIngestHTTP),
			string(sandbox.OpRenderPlan), string(sandbox.OpEncode), string(sandbox.OpSendPayload),
			string(sandbox.OpReconcileWebhook),
		},
		ConfigSchema: configSchema,
	}), nil
}

func (g *Guest) ValidateConfig(_ context.Context, raw []byte) ([]byte, error) {
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return kit.JSON(dto.ValidateConfigOut{OK: false, Errors: []string{"invalid config: " + err.Error()}}), nil
	}
	if errs := kit.CheckStringKeys(cfg, configKeys...); len(errs) > 0 {
		return kit.JSON(dto.ValidateConfigOut{OK: false, Errors: errs}), nil
	}
	return kit.JSON(dto.ValidateConfigOut{OK: true}), nil
}

func (g *Guest) Healthcheck(context.Context) ([]byte, error) {
	return kit.JSON(dto.HealthOut{Status: "ok"}), nil
}

func (g *Guest) Close(context.Context) error { return nil }

func (g *Guest) Invoke(ctx context.Context, op sandbox.Op, input []byte, imports sandbox.Imports) ([]byte, error) {
	switch op {
	case sandbox.OpSend:
		return g.send(ctx, input, imports), nil
	case sandbox.OpReply:
		return g.reply(ctx, input, imports), nil
	case sandbox.OpIngestHTTP:
		return g.ingest(ctx, input, imports), nil
	case sandbox.OpRenderPlan:
		return renderPlan(input), nil
	case sandbox.OpEncode:
		return encode(input), nil
	case sandbox.OpSendPayload:
		return g.sendPayload(ctx, input, imports), nil
	case sandbox.OpReconcileWebhook:
		return g.reconcileWebhook(ctx, input, imports), nil
	default:
		return nil, sandbox.NewModuleError(op, "unsupported op: %s", op)
	}
}

// post sends a JSON body to the Webex API with the bot token.
func post(ctx context.Context, imports sandbox.Imports, method, target string, body any) (*capability.Response, error) {
	token, err := kit.SecretString(ctx, imports, TokenKey)
	if err != nil {
		return nil, err
	}
	client, err := capability.NewHTTPClient(imports, capability.IfaceHTTPClientV1_1)
	if err != nil {
		return nil, err
	}

	req := capability.Request{
		Method: method,
		URL:    target,
		Headers: []dto.Header{
			{Name: "Authorization", Value: "Bearer " + token},
		},
	}
	if body != nil {
		req.Headers = append(req.Headers, dto.Header{Name: "Content-Type", Value: "application/json"})
		req.Body = kit.JSON(body)
	}

	resp, err := client.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("transport error: %w", err)
	}
	return resp, nil
}

// destinationField maps a destination kind onto the Webex body field.
func destinationField(kind string) (string, error) {
	switch kind {
	case "room":
		return "roomId", nil
	case "person", "user":
		return "toPersonId", nil
	case "email", "":
		return "toPersonEmail", nil
	default:
		return "", fmt.Errorf("unsupported destination kind: %s", kind)
	}
}

func (g *Guest) send(ctx context.Context, input []byte, imports sandbox.Imports) []byte {
	var in dto.SendIn
	if err := json.Unmarshal(input, &in); err != nil {
		return kit.JSON(dto.SendOut{Error: "invalid json: " + err.Error()})
	}
	cfg := parseConfig(in.Config)
	env := in.Message
	cfg.overrideFromMetadata(env.Metadata)

	if len(env.Attachments) > 0 {
		return kit.JSON(dto.SendOut{Error: "attachments not supported"})
	}
	text := strings.TrimSpace(env.Text)
	if text == "" {
		return kit.JSON(dto.SendOut{Error: "text required"})
	}

	dest, ok := kit.FirstDestination(env)
	if !ok {
		switch {
		case cfg.DefaultRoomID != "":
			dest = dto.Destination{ID: cfg.DefaultRoomID, Kind: "room"}
		case cfg.DefaultToPersonEmail != "":
			dest = dto.Destination{ID: cfg.DefaultToPersonEmail, Kind: "email"}
		default:
			return kit.JSON(dto.SendOut{Error: "destination required"})
		}
	}
	field, err := destinationField(dest.Kind)
	if err != nil {
		return kit.JSON(dto.SendOut{Error: err.Error()})
	}

	resp, err := post(ctx, imports, "POST", cfg.APIBaseURL+"/messages", map[string]any{"text": text, field: dest.ID})
	if err != nil {
		return kit.JSON(dto.SendOut{Error: err.Error()})
	}
	if !kit.Success(resp.Status) {
		return kit.JSON(dto.SendOut{Error: fmt.Sprintf("webex returned status %d", resp.Status)})
	}
	return kit.JSON(sentOut("sent", "webex-message", resp.Body))
}

func (g *Guest) reply(ctx context.Context, input []byte, imports sandbox.Imports) []byte {
	var in dto.SendIn
	if err := json.Unmarshal(input, &in); err != nil {
		return kit.JSON(dto.SendOut{Error: "invalid json: " + err.Error()})
	}
	cfg := parseConfig(in.Config)
	cfg.overrideFromMetadata(in.Message.Metadata)

	text := strings.TrimSpace(in.Message.Text)
	if text == "" {
		return kit.JSON(dto.SendOut{Error: "text required"})
	}
	parent := strings.TrimSpace(in.ReplyToID)
	if parent == "" {
		parent = strings.TrimSpace(in.Message.Metadata["thread_id"])
	}
	if parent == "" {
		return kit.JSON(dto.SendOut{Error: "reply_to_id or thread_id required"})
	}

	resp, err := post(ctx, imports, "POST", cfg.APIBaseURL+"/messages", map[string]any{"parentId": parent, "markdown": text})
	if err != nil {
		return kit.JSON(dto.SendOut{Error: err.Error()})
	}
	if !kit.Success(resp.Status) {
		return kit.JSON(dto.SendOut{Error: fmt.Sprintf("webex returned status %d", resp.Status)})
	}
	return kit.JSON(sentOut("replied", "webex-reply", resp.Body))
}

func sentOut(status, fallbackID string, body []byte) dto.SendOut {
	var parsed map[string]any
	_ = json.Unmarshal(body, &parsed)
	id, _ := parsed["id"].(string)
	if id == "" {
		id = fallbackID
	}
	out := dto.SendOut{
		OK:                true,
		Status:            status,
		ProviderType:      ProviderType,
		MessageID:         id,
		ProviderMessageID: "webex:" + id,
	}
	if json.Valid(body) {
		out.Response = body
	}
	return out
}

func renderPlan(input []byte) []byte {
	var in dto.RenderPlanIn
	if err := json.Unmarshal(input, &in); err != nil {
		return kit.JSON(dto.RenderPlanOut{Error: "invalid render input: " + err.Error()})
	}
	summary := strings.TrimSpace(in.Message.Text)
	if summary == "" {
		summary = "webex message"
	}
	debug := make(map[string]any, len(in.Metadata))
	for k, v := range in.Metadata {
		debug[k] = v
	}
	return kit.JSON(dto.RenderPlanOut{OK: true, Plan: &dto.RenderPlan{
		Tier:        dto.TierBasic,
		SummaryText: summary,
		Actions:     []dto.RenderAction{},
		Attachments: []dto.Attachment{},
		Warnings:    []string{},
		Debug:       debug,
	}})
}

func encode(input []byte) []byte {
	var in dto.EncodeIn
	if err := json.Unmarshal(input, &in); err != nil {
		return kit.JSON(dto.EncodeOut{Error: "invalid encode input: " + err.Error()})
	}
	return kit.JSON(dto.EncodeOut{OK: true, Payload: &dto.ProviderPayload{
		ContentType: "application/json",
		Body:        kit.JSON(in.Message),
		Metadata:    map[string]string{dto.MetaProviderType: ProviderType},
	}})
}

func (g *Guest) sendPayload(ctx context.Context, input []byte, imports sandbox.Imports) []byte {
	var in dto.SendPayloadIn
	if err := json.Unmarshal(input, &in); err != nil {
		return kit.SendPayloadError(false, "invalid send_payload input: %v", err)
	}
	if in.ProviderType != ProviderType {
		return kit.SendPayloadError(false, "provider type mismatch")
	}

	md := in.Payload.Metadata
	apiBase := strings.TrimRight(md["api_base_url"], "/")
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	method := md["method"]
	if method == "" {
		method = "POST"
	}

	var env dto.ChannelMessageEnvelope
	if err := json.Unmarshal(in.Payload.Body, &env); err != nil {
		return kit.SendPayloadError(false, "invalid envelope: %v", err)
	}
	if len(env.Attachments) > 0 {
		return kit.SendPayloadError(false, "attachments not supported")
	}

	text := strings.TrimSpace(env.Text)
	var card any
	if raw, ok := env.Metadata["adaptive_card"]; ok {
		if err := json.Unmarshal([]byte(raw), &card); err != nil {
			card = nil
		}
	}
	if card == nil && text == "" {
		return kit.SendPayloadError(false, "text required")
	}

	dest, ok := kit.FirstDestination(env)
	if !ok {
		email := strings.TrimSpace(md["default_to_person_email"])
		if email == "" {
			return kit.SendPayloadError(false, "destination required")
		}
		dest = dto.Destination{ID: email, Kind: "email"}
	}
	field, err := destinationField(dest.Kind)
	if err != nil {
		return kit.SendPayloadError(false, "%v", err)
	}

	body := map[string]any{field: dest.ID}
	markdown := text
	if card != nil {
		body["attachments"] = []any{map[string]any{
			"contentType": "application/vnd.microsoft.card.adaptive",
			"content":     card,
		}}
		if markdown == "" {
			markdown, _ = kit.CardSummary(card)
		}
	} else {
		body["text"] = text
	}
	if markdown == "" {
		markdown = " "
	}
	body["markdown"] = markdown

	resp, err := post(ctx, imports, method, apiBase+"/messages", body)
	if err != nil {
		var fault *capability.Fault
		if errors.As(err, &fault) {
			return kit.SendPayloadError(true, "%v", err)
		}
		return kit.SendPayloadError(false, "%v", err)
	}
	if !kit.Success(resp.Status) {
		return kit.SendPayloadError(resp.Status >= 500, "%s", kit.UpstreamError("webex", resp.Status, resp.Body))
	}
	return kit.JSON(dto.SendPayloadResult{OK: true})
}

func (g *Guest) reconcileWebhook(ctx context.Context, input []byte, imports sandbox.Imports) []byte {
	var in dto.WebhookIn
	if err := json.Unmarshal(input, &in); err != nil {
		return kit.JSON(dto.WebhookOut{Error: "invalid webhook input: " + err.Error()})
	}
	base := strings.TrimRight(strings.TrimSpace(in.PublicBaseURL), "/")
	if base == "" {
		return kit.JSON(dto.WebhookOut{Error: "public_base_url is required"})
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return kit.JSON(dto.WebhookOut{Error: "invalid public_base_url: " + err.Error()})
	}
	expected := base + WebhookPath
	if in.DryRun {
		return kit.JSON(dto.WebhookOut{OK: true, Action: "dry_run", ExpectedURL: expected, DryRun: true})
	}

	cfg := parseConfig(in.Config)
	resp, err := post(ctx, imports, "GET", cfg.APIBaseURL+"/webhooks", nil)
	if err != nil {
		return kit.JSON(dto.WebhookOut{ExpectedURL: expected, Error: err.Error()})
	}
	if !kit.Success(resp.Status) {
		return kit.JSON(dto.WebhookOut{ExpectedURL: expected, Error: kit.UpstreamError("webex", resp.Status, resp.Body)})
	}

	var list struct {
		Items []struct {
			ID        string `json:"id"`
			TargetURL string `json:"targetUrl"`
		} `json:"items"`
	}
	_ = json.Unmarshal(resp.Body, &list)
	for _, item := range list.Items {
		if item.TargetURL == expected {
			return kit.JSON(dto.WebhookOut{OK: true, Action: "unchanged", ExpectedURL: expected, WebhookID: item.ID})
		}
	}

	create := map[string]any{
		"name":      "provharness-webex",
		"targetUrl": expected,
		"resource":  "messages",
		"event":     "created",
	}
	if in.SecretToken != "" {
		create["secret"] = in.SecretToken
	}
	resp, err = post(ctx, imports, "POST", cfg.APIBaseURL+"/webhooks", create)
	if err != nil {
		return kit.JSON(dto.WebhookOut{ExpectedURL: expected, Error: err.Error()})
	}
	if !kit.Success(resp.Status) {
		return kit.JSON(dto.WebhookOut{ExpectedURL: expected, Error: kit.UpstreamError("webex", resp.Status, resp.Body)})
	}
	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(resp.Body, &created)
	return kit.JSON(dto.WebhookOut{OK: true, Action: "created", ExpectedURL: expected, WebhookID: created.ID})
}
