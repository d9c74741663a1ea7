package live

import (
	"time"

	"github.com/zulandar/switchboard/internal/models"
)

// Event types pushed to subscribers.
const (
	TypeWhatsAppMessage = "whatsapp_message"
	TypeAgentMessage    = "agent_message"
	TypeSystemMessage   = "system_message"
	TypeStatusUpdate    = "status_update"
)

// Event is the JSON document written to a live stream as one SSE frame.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	ContactID      string    `json:"contactId"`
	ConversationID uint      `json:"conversationId,omitempty"`
	Content        string    `json:"content,omitempty"`
	Kind           string    `json:"kind,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status,omitempty"`
	Direction      string    `json:"direction,omitempty"`
	Source         string    `json:"source,omitempty"`
}

// EventFromMessage builds the push event for a stored message.
func EventFromMessage(m *models.Message) Event {
	return Event{
		ID:             m.ExternalID,
		Type:           messageType(m.Source),
		ContactID:      m.ContactIdentity(),
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Kind:           m.Kind,
		Timestamp:      m.CreatedAt.UTC(),
		Status:         m.Status,
		Direction:      m.Direction,
		Source:         m.Source,
	}
}

// StatusEvent builds a delivery-status event for a stored message.
func StatusEvent(m *models.Message) Event {
	return Event{
		ID:             m.ExternalID,
		Type:           TypeStatusUpdate,
		ContactID:      m.ContactIdentity(),
		ConversationID: m.ConversationID,
		Timestamp:      m.UpdatedAt.UTC(),
		Status:         m.Status,
		Direction:      m.Direction,
		Source:         m.Source,
	}
}

func messageType(source string) string {
	switch source {
	case models.SourceAgent:
		return TypeAgentMessage
	case models.SourceSystem:
		return TypeSystemMessage
	default:
		return TypeWhatsAppMessage
	}
}
