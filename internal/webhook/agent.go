package webhook

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/messaging"
	"github.com/zulandar/switchboard/internal/models"
)

// Agent event types.
const (
	AgentMessageReceived = "message_received"
	AgentMessageSent     = "message_sent"
)

// AgentPayload is the body posted by the AI agent platform.
type AgentPayload struct {
	From        string `json:"from"`
	To          string `json:"to,omitempty"`
	Message     string `json:"message,omitempty"`
	Content     string `json:"content,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Type        string `json:"type,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// ParseAgent decodes an agent webhook body.
func ParseAgent(body []byte) (*AgentPayload, error) {
	var p AgentPayload
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *AgentPayload) format() string { return "agent" }

// Text returns the message text, preferring "message" over "content".
func (p *AgentPayload) Text() string {
	if strings.TrimSpace(p.Message) != "" {
		return p.Message
	}
	return p.Content
}

// EventType returns the declared type, defaulting to message_received.
func (p *AgentPayload) EventType() string {
	if p.Type == "" {
		return AgentMessageReceived
	}
	return p.Type
}

// Normalize maps the payload to a single envelope. A received message is
// inbound from the contact; a sent message is the agent speaking to "to".
func (p *AgentPayload) Normalize() ([]messaging.Envelope, []StatusUpdate, error) {
	if strings.TrimSpace(p.From) == "" {
		return nil, nil, ErrMissingSender
	}
	text := p.Text()
	if strings.TrimSpace(text) == "" {
		return nil, nil, ErrMissingText
	}

	env := messaging.Envelope{
		ExternalID: p.MessageID,
		From:       p.From,
		To:         p.To,
		Content:    text,
		Kind:       models.KindText,
		Metadata:   p.metadata(),
		Timestamp:  parseTimestamp(p.Timestamp),
	}
	switch p.EventType() {
	case AgentMessageReceived:
		env.Direction = models.DirectionInbound
		env.Source = models.SourceWhatsApp
	case AgentMessageSent:
		if strings.TrimSpace(p.To) == "" {
			return nil, nil, ErrMissingRecipient
		}
		env.Direction = models.DirectionOutbound
		env.Source = models.SourceAgent
	default:
		return nil, nil, fmt.Errorf("%w: agent event type %q", ErrUnknownFormat, p.Type)
	}
	return []messaging.Envelope{env}, nil, nil
}

func (p *AgentPayload) metadata() map[string]any {
	md := map[string]any{}
	if p.AgentID != "" {
		md["agent_id"] = p.AgentID
	}
	if p.ExecutionID != "" {
		md["execution_id"] = p.ExecutionID
	}
	if p.SessionID != "" {
		md["session_id"] = p.SessionID
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// parseTimestamp accepts RFC 3339 or unix seconds; anything else yields the
// zero time so the arrival time is used.
func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC()
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}
