package webex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/providers/kit"
	"github.com/roach88/provharness/internal/sandbox"
)

// webhookEvent is the subset of a Webex webhook notification the module reads.
type webhookEvent struct {
	Resource string `json:"resource"`
	Event    string `json:"event"`
	Text     string `json:"text"`
	Markdown string `json:"markdown"`
	Data     struct {
		ID          string `json:"id"`
		RoomID      string `json:"roomId"`
		PersonEmail string `json:"personEmail"`
		PersonID    string `json:"personId"`
	} `json:"data"`
}

type messageDetails struct {
	Markdown    string
	Text        string
	RoomID      string
	PersonEmail string
	PersonID    string
	Attachments []dto.Attachment
}

type ingestOutcome struct {
	envelope dto.ChannelMessageEnvelope
	status   int
	err      string
}

func (g *Guest) ingest(ctx context.Context, input []byte, imports sandbox.Imports) []byte {
	var in dto.HTTPIn
	if err := json.Unmarshal(input, &in); err != nil {
		return kit.HTTPOutError(400, "invalid http input: "+err.Error())
	}

	var raw any
	if err := json.Unmarshal(in.Body, &raw); err != nil {
		raw = nil
	}
	var event webhookEvent
	_ = json.Unmarshal(in.Body, &event)

	outcome := g.handleEvent(ctx, event, parseConfig(in.Config), imports)

	normalized := map[string]any{"ok": outcome.err == "", "event": raw}
	if outcome.err != "" {
		normalized["error"] = outcome.err
	}
	return kit.JSON(dto.HTTPOut{
		Status:  outcome.status,
		Headers: []dto.Header{},
		Body:    kit.JSON(normalized),
		Events:  []dto.ChannelMessageEnvelope{outcome.envelope},
	})
}

func (g *Guest) handleEvent(ctx context.Context, ev webhookEvent, cfg config, imports sandbox.Imports) ingestOutcome {
	d := ev.Data
	md := webhookMetadata{resource: ev.Resource, event: ev.Event, messageID: d.ID,
		roomID: d.RoomID, personEmail: d.PersonEmail, personID: d.PersonID}

	if ev.Resource != "messages" || ev.Event != "created" || d.ID == "" {
		text := ev.Text
		if text == "" {
			text = ev.Markdown
		}
		session := firstNonEmpty(d.RoomID, d.ID, "webex")
		md.status = 200
		return ingestOutcome{
			envelope: webhookEnvelope(text, session, pickSender(d.PersonEmail, d.PersonID), md.build(), nil, d.ID),
			status:   200,
		}
	}

	details, status, err := fetchMessage(ctx, imports, cfg.APIBaseURL, d.ID)
	if err != nil {
		md.err = err.Error()
		md.status = status
		session := firstNonEmpty(d.RoomID, d.ID)
		return ingestOutcome{
			envelope: webhookEnvelope("", session, pickSender(d.PersonEmail, d.PersonID), md.build(), nil, d.ID),
			status:   status,
			err:      err.Error(),
		}
	}

	md.roomID = firstNonEmpty(details.RoomID, d.RoomID)
	md.personEmail = firstNonEmpty(details.PersonEmail, d.PersonEmail)
	md.personID = firstNonEmpty(details.PersonID, d.PersonID)
	md.status = 200
	for _, a := range details.Attachments {
		md.attachmentTypes = append(md.attachmentTypes, a.MimeType)
	}

	sender := pickSender(details.PersonEmail, details.PersonID)
	if sender == nil {
		sender = pickSender(d.PersonEmail, d.PersonID)
	}
	text := details.Text
	if strings.TrimSpace(details.Markdown) != "" {
		text = details.Markdown
	}
	session := firstNonEmpty(details.RoomID, d.RoomID, d.ID)
	return ingestOutcome{
		envelope: webhookEnvelope(text, session, sender, md.build(), details.Attachments, d.ID),
		status:   200,
	}
}

// fetchMessage retrieves the full message a notification refers to. On
// failure it returns the status the ingest should answer with: 500 when the
// token is unavailable, 502 for any upstream or transport failure.
func fetchMessage(ctx context.Context, imports sandbox.Imports, apiBase, id string) (*messageDetails, int, error) {
	if _, err := kit.SecretString(ctx, imports, TokenKey); err != nil {
		return nil, 500, err
	}

	resp, err := post(ctx, imports, "GET", apiBase+"/messages/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, 502, err
	}
	if !kit.Success(resp.Status) {
		return nil, 502, fmt.Errorf("%s", kit.UpstreamError("webex", resp.Status, resp.Body))
	}

	var doc map[string]any
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return nil, 502, fmt.Errorf("invalid message JSON: %w", err)
	}
	if result, ok := doc["result"].(map[string]any); ok {
		doc = result
	}

	str := func(key string) string {
		s, _ := doc[key].(string)
		return s
	}
	return &messageDetails{
		Markdown:    str("markdown"),
		Text:        str("text"),
		RoomID:      str("roomId"),
		PersonEmail: str("personEmail"),
		PersonID:    str("personId"),
		Attachments: convertAttachments(id, doc["attachments"]),
	}, 200, nil
}

func convertAttachments(messageID string, v any) []dto.Attachment {
	items, _ := v.([]any)
	out := make([]dto.Attachment, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		a := dto.Attachment{MimeType: "application/octet-stream"}
		if s, ok := obj["contentType"].(string); ok {
			a.MimeType = s
		}
		if s, ok := obj["contentUrl"].(string); ok {
			a.URL = s
		} else if content, ok := obj["content"].(map[string]any); ok {
			a.URL, _ = content["url"].(string)
		}
		if a.URL == "" {
			a.URL = fmt.Sprintf("webex:%s:attachment:%d", messageID, i)
		}
		if s, ok := obj["name"].(string); ok {
			a.Name = s
		} else if s, ok := obj["displayName"].(string); ok {
			a.Name = s
		}
		out = append(out, a)
	}
	return out
}

type webhookMetadata struct {
	resource, event       string
	messageID, roomID     string
	personEmail, personID string
	err                   string
	attachmentTypes       []string
	status                int
}

func (m webhookMetadata) build() map[string]string {
	md := map[string]string{
		"webex.resource":       m.resource,
		"webex.event":          m.event,
		"webex.hasAttachments": strconv.FormatBool(len(m.attachmentTypes) > 0),
	}
	set := func(key, value string) {
		if value != "" {
			md[key] = value
		}
	}
	set("webex.messageId", m.messageID)
	set("webex.roomId", m.roomID)
	set("webex.personEmail", m.personEmail)
	set("webex.personId", m.personID)
	set("webex.ingestError", m.err)
	set("webex.attachmentTypes", strings.Join(m.attachmentTypes, ","))
	if m.status != 0 {
		md["webex.fetchStatus"] = strconv.Itoa(m.status)
	}
	return md
}

func webhookEnvelope(text, session string, from *dto.Actor, md map[string]string, attachments []dto.Attachment, messageID string) dto.ChannelMessageEnvelope {
	id := "webex-ingress-" + session
	if messageID != "" {
		id = "webex-" + messageID
	}
	if attachments == nil {
		attachments = []dto.Attachment{}
	}
	return dto.ChannelMessageEnvelope{
		ID:          id,
		Tenant:      dto.TenantCtx{Env: "default", Tenant: "default"},
		Channel:     Name,
		SessionID:   session,
		From:        from,
		To:          []dto.Destination{},
		Text:        text,
		Attachments: attachments,
		Metadata:    md,
	}
}

func pickSender(email, id string) *dto.Actor {
	switch {
	case email != "":
		return &dto.Actor{ID: email, Kind: "person"}
	case id != "":
		return &dto.Actor{ID: id, Kind: "person"}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
