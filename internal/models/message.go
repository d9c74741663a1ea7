package models

import (
	"time"

	"gorm.io/datatypes"
)

// Message kinds.
const (
	KindText     = "text"
	KindImage    = "image"
	KindDocument = "document"
	KindAudio    = "audio"
	KindVideo    = "video"
)

// Delivery statuses, ordered by progression.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Sources identify which path produced a message.
const (
	SourceWhatsApp = "whatsapp"
	SourceAgent    = "agent"
	SourceSystem   = "system"
)

// Directions relative to the business side of the conversation.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message is a single chat message, inbound from a contact or outbound to one.
// ExternalID is the idempotency key: a redelivered upstream event resolves
// to the existing row instead of inserting a second one.
type Message struct {
	ID             uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	ExternalID     string            `gorm:"size:128;not null;uniqueIndex" json:"message_id"`
	ConversationID uint              `gorm:"not null;index:idx_conversation_created" json:"conversation_id"`
	FromIdentity   string            `gorm:"size:64;not null;index" json:"from"`
	ToIdentity     string            `gorm:"size:64" json:"to"`
	Content        string            `gorm:"type:text" json:"content"`
	Kind           string            `gorm:"size:16;default:text" json:"type"`
	Status         string            `gorm:"size:16;default:delivered" json:"status"`
	Source         string            `gorm:"size:16;not null" json:"source"`
	Direction      string            `gorm:"size:8;not null;default:inbound" json:"direction"`
	Metadata       datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	IsRead         bool              `gorm:"default:false;index" json:"is_read"`
	CreatedAt      time.Time         `gorm:"index:idx_conversation_created" json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// IsInbound reports whether the message came from the contact.
func (m *Message) IsInbound() bool {
	return m.Direction != DirectionOutbound
}

// ContactIdentity returns the identity of the non-business party.
func (m *Message) ContactIdentity() string {
	if m.IsInbound() {
		return m.FromIdentity
	}
	return m.ToIdentity
}

// statusRank orders delivery statuses so callbacks never regress a message.
var statusRank = map[string]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// StatusAdvances reports whether moving from current to next is forward
// progress. Failed is terminal for everything except itself.
func StatusAdvances(current, next string) bool {
	if next == StatusFailed {
		return current != StatusFailed
	}
	if current == StatusFailed {
		return false
	}
	return statusRank[next] > statusRank[current]
}

// ValidKind reports whether k is a known message kind.
func ValidKind(k string) bool {
	switch k {
	case KindText, KindImage, KindDocument, KindAudio, KindVideo:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known delivery status.
func ValidStatus(s string) bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}
