package models

import "time"

// ActiveSubscriber is the persisted hint that someone is watching an
// identity live. It survives restarts but is never a delivery guarantee.
type ActiveSubscriber struct {
	Identity    string    `gorm:"primaryKey;size:64"`
	Active      bool      `gorm:"default:false;index"`
	LastSeen    time.Time `gorm:"index"`
	ConnectedAt time.Time
}
