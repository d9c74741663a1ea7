package models

import "time"

// Conversation threads every message exchanged with one contact identity.
// UnreadCount mirrors the number of its messages with IsRead=false and is
// maintained in the same transaction as the writes that change it.
type Conversation struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Identity      string    `gorm:"size:64;not null;uniqueIndex" json:"contact_id"`
	DisplayName   string    `gorm:"size:128" json:"display_name"`
	LastMessageAt time.Time `gorm:"index" json:"last_message_at"`
	UnreadCount   int64     `gorm:"default:0" json:"unread_count"`
	Active        bool      `gorm:"default:true" json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Members []ConversationMember `gorm:"foreignKey:ConversationID" json:"-"`
}

// ConversationMember records who participates in a conversation.
type ConversationMember struct {
	ConversationID uint   `gorm:"primaryKey"`
	Identity       string `gorm:"primaryKey;size:64"`
	Role           string `gorm:"size:16;default:contact"`
	CreatedAt      time.Time
}
