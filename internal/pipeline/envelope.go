package pipeline

import (
	"encoding/json"
	"errors"
	"maps"
	"strings"

	"github.com/roach88/provharness/internal/canon"
	"github.com/roach88/provharness/internal/dto"
)

// MetaAdaptiveCard is the envelope metadata key carrying a card document.
const MetaAdaptiveCard = "adaptive_card"

// ErrNoContent is returned when an outbound message has neither text nor a
// card.
var ErrNoContent = errors.New("send requires text or a card")

// Outbound is a manually composed message.
type Outbound struct {
	Provider string
	Text     string
	// Card is an adaptive card document. Its text stands in when Text is
	// blank.
	Card json.RawMessage
	To   []dto.Destination
	// Metadata is copied onto the envelope. "channel" names the channel.
	Metadata map[string]string
}

// NewEnvelope builds the envelope for a manual send. The id is
// tester-<provider>-<channel>; the channel comes from the "channel"
// metadata entry and falls back to the provider name.
func NewEnvelope(o Outbound) (dto.ChannelMessageEnvelope, error) {
	text := o.Text
	if strings.TrimSpace(text) == "" {
		text = ""
	}

	md := maps.Clone(o.Metadata)
	if md == nil {
		md = map[string]string{}
	}

	if len(o.Card) > 0 {
		var card any
		if err := json.Unmarshal(o.Card, &card); err != nil {
			return dto.ChannelMessageEnvelope{}, err
		}
		compact, err := canon.Marshal(o.Card)
		if err != nil {
			return dto.ChannelMessageEnvelope{}, err
		}
		md[MetaAdaptiveCard] = string(compact)
		if text == "" {
			text = CardText(card)
		}
	}
	if text == "" {
		return dto.ChannelMessageEnvelope{}, ErrNoContent
	}

	channel := md["channel"]
	if channel == "" {
		channel = o.Provider
	}

	to := o.To
	if to == nil {
		to = []dto.Destination{}
	}

	return dto.ChannelMessageEnvelope{
		ID:          "tester-" + o.Provider + "-" + channel,
		Tenant:      dto.TenantCtx{Env: "manual", Tenant: "manual"},
		Channel:     channel,
		SessionID:   channel,
		To:          to,
		Text:        text,
		Attachments: []dto.Attachment{},
		Metadata:    md,
	}, nil
}

// CardText extracts display text from a decoded card: its trimmed "text"
// field, else the non-blank body[].text entries joined by spaces, else
// "adaptive card".
func CardText(card any) string {
	obj, ok := card.(map[string]any)
	if !ok {
		return "adaptive card"
	}
	if s, ok := obj["text"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	blocks, _ := obj["body"].([]any)
	var parts []string
	for _, block := range blocks {
		b, ok := block.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := b["text"].(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimSpace(s))
		}
	}
	if len(parts) == 0 {
		return "adaptive card"
	}
	return strings.Join(parts, " ")
}

// DefaultDestination derives a destination from flattened values "to"
// fields. It returns nil when no id is configured.
func DefaultDestination(to map[string]string) []dto.Destination {
	id := strings.TrimSpace(to["id"])
	if id == "" {
		return nil
	}
	return []dto.Destination{{ID: id, Kind: strings.TrimSpace(to["kind"])}}
}
