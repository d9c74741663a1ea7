package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/contact"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultPresenceTTL is how long a presence record stays fresh without a
// heartbeat.
const DefaultPresenceTTL = 2 * time.Minute

// Presence records who is watching live. It is a hint with a freshness
// window, consulted only when the in-memory registry has no match.
type Presence interface {
	MarkActive(ctx context.Context, identity string) error
	MarkInactive(ctx context.Context, identity string) error
	Touch(ctx context.Context, identity string) error
	IsActive(ctx context.Context, identity string) (bool, error)
}

// GormPresence stores presence in the active_subscribers table.
type GormPresence struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewGormPresence returns a Presence over gdb. A non-positive ttl selects
// DefaultPresenceTTL; a nil now selects time.Now.
func NewGormPresence(gdb *gorm.DB, ttl time.Duration, now func() time.Time) *GormPresence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if now == nil {
		now = time.Now
	}
	return &GormPresence{db: gdb, ttl: ttl, now: now}
}

// MarkActive upserts identity as active with a fresh last-seen time.
func (p *GormPresence) MarkActive(ctx context.Context, identity string) error {
	identity = contact.Normalize(identity)
	if identity == "" {
		return nil
	}
	now := p.now().UTC()
	rec := models.ActiveSubscriber{
		Identity:    identity,
		Active:      true,
		LastSeen:    now,
		ConnectedAt: now,
	}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{"active", "last_seen", "connected_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("live: mark active %s: %w", identity, err)
	}
	return nil
}

// MarkInactive flips identity's record inactive. Unknown identities are
// not an error.
func (p *GormPresence) MarkInactive(ctx context.Context, identity string) error {
	identity = contact.Normalize(identity)
	if err := p.db.WithContext(ctx).Model(&models.ActiveSubscriber{}).
		Where("identity = ?", identity).
		Update("active", false).Error; err != nil {
		return fmt.Errorf("live: mark inactive %s: %w", identity, err)
	}
	return nil
}

// Touch refreshes last-seen for an active identity.
func (p *GormPresence) Touch(ctx context.Context, identity string) error {
	identity = contact.Normalize(identity)
	if err := p.db.WithContext(ctx).Model(&models.ActiveSubscriber{}).
		Where("identity = ? AND active = ?", identity, true).
		Update("last_seen", p.now().UTC()).Error; err != nil {
		return fmt.Errorf("live: touch %s: %w", identity, err)
	}
	return nil
}

// IsActive reports whether identity has a fresh, active record.
func (p *GormPresence) IsActive(ctx context.Context, identity string) (bool, error) {
	identity = contact.Normalize(identity)
	var rec models.ActiveSubscriber
	err := p.db.WithContext(ctx).Where("identity = ?", identity).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("live: presence %s: %w", identity, err)
	}
	return rec.Active && p.now().Sub(rec.LastSeen) < p.ttl, nil
}

// ExpireStale flips every active record whose last-seen is older than the
// TTL to inactive, returning how many changed.
func (p *GormPresence) ExpireStale(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().Add(-p.ttl)
	result := p.db.WithContext(ctx).Model(&models.ActiveSubscriber{}).
		Where("active = ? AND last_seen < ?", true, cutoff).
		Update("active", false)
	if result.Error != nil {
		return 0, fmt.Errorf("live: expire presence: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Active lists fresh presence records.
func (p *GormPresence) Active(ctx context.Context) ([]models.ActiveSubscriber, error) {
	cutoff := p.now().UTC().Add(-p.ttl)
	var recs []models.ActiveSubscriber
	if err := p.db.WithContext(ctx).
		Where("active = ? AND last_seen >= ?", true, cutoff).
		Order("last_seen DESC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("live: list presence: %w", err)
	}
	return recs, nil
}
