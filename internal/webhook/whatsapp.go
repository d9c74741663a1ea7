package webhook

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/zulandar/switchboard/internal/messaging"
	"github.com/zulandar/switchboard/internal/models"
)

// WhatsAppPayload is a Cloud API notification: entry → changes → value.
type WhatsAppPayload struct {
	Object string          `json:"object"`
	Entry  []WhatsAppEntry `json:"entry"`

	// Skipped lists the messages the last Normalize call left out.
	Skipped []SkippedMessage `json:"-"`
}

// SkippedMessage is a batch item that could not become an envelope.
type SkippedMessage struct {
	ID  string
	Err error
}

type WhatsAppEntry struct {
	ID      string           `json:"id"`
	Changes []WhatsAppChange `json:"changes"`
}

type WhatsAppChange struct {
	Field string        `json:"field"`
	Value WhatsAppValue `json:"value"`
}

type WhatsAppValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         WhatsAppMetadata  `json:"metadata"`
	Contacts         []WhatsAppContact `json:"contacts,omitempty"`
	Messages         []WhatsAppMessage `json:"messages,omitempty"`
	Statuses         []WhatsAppStatus  `json:"statuses,omitempty"`
}

type WhatsAppMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type WhatsAppContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// WhatsAppMedia covers the image, document, audio and video objects; only
// the caption is used.
type WhatsAppMedia struct {
	ID       string `json:"id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type WhatsAppMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *WhatsAppMedia `json:"image,omitempty"`
	Document *WhatsAppMedia `json:"document,omitempty"`
	Audio    *WhatsAppMedia `json:"audio,omitempty"`
	Video    *WhatsAppMedia `json:"video,omitempty"`
}

type WhatsAppStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// ParseWhatsApp decodes a Cloud API webhook body.
func ParseWhatsApp(body []byte) (*WhatsAppPayload, error) {
	var p WhatsAppPayload
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if len(p.Entry) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrUnknownFormat)
	}
	return &p, nil
}

func (p *WhatsAppPayload) format() string { return "whatsapp" }

// Normalize flattens every change into inbound envelopes and status
// updates. Contact profile names ride along on the envelopes from that
// contact. Message types other than text and the four media kinds are kept
// as a bracketed text placeholder. A message without a sender or text is
// recorded in Skipped and the rest of the batch still normalizes.
func (p *WhatsAppPayload) Normalize() ([]messaging.Envelope, []StatusUpdate, error) {
	var envs []messaging.Envelope
	var statuses []StatusUpdate
	p.Skipped = nil

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range v.Messages {
				if strings.TrimSpace(m.From) == "" {
					p.Skipped = append(p.Skipped, SkippedMessage{ID: m.ID, Err: ErrMissingSender})
					continue
				}
				kind, content := m.kindAndContent()
				if kind == models.KindText && strings.TrimSpace(content) == "" {
					p.Skipped = append(p.Skipped, SkippedMessage{ID: m.ID, Err: ErrMissingText})
					continue
				}
				env := messaging.Envelope{
					ExternalID:  m.ID,
					From:        m.From,
					To:          v.Metadata.DisplayPhoneNumber,
					Content:     content,
					Kind:        kind,
					Source:      models.SourceWhatsApp,
					Direction:   models.DirectionInbound,
					ContactName: names[m.From],
					Timestamp:   parseTimestamp(m.Timestamp),
				}
				if v.Metadata.PhoneNumberID != "" {
					env.Metadata = map[string]any{"phone_number_id": v.Metadata.PhoneNumberID}
				}
				envs = append(envs, env)
			}

			for _, s := range v.Statuses {
				if s.ID == "" || !models.ValidStatus(s.Status) {
					continue
				}
				statuses = append(statuses, StatusUpdate{
					ExternalID: s.ID,
					Status:     s.Status,
					Recipient:  s.RecipientID,
					Timestamp:  parseTimestamp(s.Timestamp),
				})
			}
		}
	}
	return envs, statuses, nil
}

func (m WhatsAppMessage) kindAndContent() (string, string) {
	switch m.Type {
	case "", "text":
		if m.Text == nil {
			return models.KindText, ""
		}
		return models.KindText, m.Text.Body
	case "image":
		return models.KindImage, caption(m.Image)
	case "document":
		if m.Document != nil && m.Document.Caption == "" {
			return models.KindDocument, m.Document.Filename
		}
		return models.KindDocument, caption(m.Document)
	case "audio":
		return models.KindAudio, caption(m.Audio)
	case "video":
		return models.KindVideo, caption(m.Video)
	default:
		return models.KindText, "[" + m.Type + "]"
	}
}

func caption(media *WhatsAppMedia) string {
	if media == nil {
		return ""
	}
	return media.Caption
}

// VerifyChallenge answers the GET subscription handshake, returning the
// challenge to echo when the mode and token match.
func VerifyChallenge(q url.Values, token string) (string, error) {
	if q.Get("hub.mode") != "subscribe" || token == "" || q.Get("hub.verify_token") != token {
		return "", ErrBadVerifyToken
	}
	return q.Get("hub.challenge"), nil
}
