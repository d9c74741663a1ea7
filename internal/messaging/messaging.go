// Package messaging is the single entry point for writing and reading chat
// messages. It hides idempotent persistence and conversation resolution
// from webhook handlers and API routes.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchboard/internal/contact"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("messaging: not found")
	// ErrInvalidEnvelope wraps envelope validation failures.
	ErrInvalidEnvelope = errors.New("messaging: invalid envelope")
)

const (
	// DefaultMessageLimit is used when GetMessages is called with limit <= 0.
	DefaultMessageLimit = 50
	// MaxMessageLimit caps a single GetMessages page.
	MaxMessageLimit = 500
)

// Opts holds optional collaborators for a Service.
type Opts struct {
	Logger    zerolog.Logger
	Cache     UnreadCache   // defaults to an in-memory cache
	UnreadTTL time.Duration // defaults to DefaultUnreadTTL
	Now       func() time.Time
	NewID     func() string
}

// Service orchestrates the message store and conversation directory.
type Service struct {
	db        *gorm.DB
	log       zerolog.Logger
	cache     UnreadCache
	unreadTTL time.Duration
	now       func() time.Time
	newID     func() string
}

// NewService creates a Service over an already-migrated database.
func NewService(gdb *gorm.DB, opts Opts) (*Service, error) {
	if gdb == nil {
		return nil, fmt.Errorf("messaging: db is required")
	}
	s := &Service{
		db:        gdb,
		log:       opts.Logger,
		cache:     opts.Cache,
		unreadTTL: opts.UnreadTTL,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	clock := opts.Now
	if clock == nil {
		clock = time.Now
	}
	// Stored times are UTC so sqlite's text columns sort chronologically.
	s.now = func() time.Time { return clock().UTC() }
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.unreadTTL <= 0 {
		s.unreadTTL = DefaultUnreadTTL
	}
	if s.cache == nil {
		s.cache = NewMemoryCache(s.now)
	}
	return s, nil
}

// SaveMessage persists env exactly once per idempotency key. When a message
// with the same external id already exists it is returned unchanged and
// created is false. New messages are stored as delivered, and the owning
// conversation's last activity (and unread counter, for inbound messages)
// advances in the same transaction.
func (s *Service) SaveMessage(ctx context.Context, env Envelope) (msg *models.Message, created bool, err error) {
	env, err = env.normalized()
	if err != nil {
		return nil, false, err
	}

	key := env.ExternalID
	if key == "" {
		key = s.newID()
	}
	gdb := s.db.WithContext(ctx)

	existing, err := s.findByExternalID(gdb, key)
	if err == nil {
		s.log.Debug().Str("message_id", key).Msg("duplicate delivery, returning stored message")
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.log.Error().Err(err).Str("message_id", key).Msg("lookup before save failed")
		return nil, false, fmt.Errorf("messaging: save %s: %w", key, err)
	}

	convID, err := s.GetOrCreateConversation(ctx, env.ContactIdentity())
	if err != nil {
		s.log.Error().Err(err).Str("contact", env.ContactIdentity()).Msg("resolve conversation failed")
		return nil, false, err
	}

	now := s.now()
	ts := env.Timestamp.UTC()
	if env.Timestamp.IsZero() {
		ts = now
	}
	inbound := env.Direction == models.DirectionInbound
	m := models.Message{
		ExternalID:     key,
		ConversationID: convID,
		FromIdentity:   env.From,
		ToIdentity:     env.To,
		Content:        env.Content,
		Kind:           env.Kind,
		Status:         models.StatusDelivered,
		Source:         env.Source,
		Direction:      env.Direction,
		IsRead:         !inbound,
		CreatedAt:      ts,
		UpdatedAt:      now,
	}
	if len(env.Metadata) > 0 {
		m.Metadata = datatypes.JSONMap(env.Metadata)
	}

	err = gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		if inbound {
			if err := tx.Model(&models.Conversation{}).Where("id = ?", convID).
				Updates(map[string]interface{}{
					"unread_count": gorm.Expr("unread_count + ?", 1),
					"updated_at":   now,
				}).Error; err != nil {
				return fmt.Errorf("bump unread: %w", err)
			}
		}
		if err := tx.Model(&models.Conversation{}).
			Where("id = ? AND last_message_at < ?", convID, ts).
			Update("last_message_at", ts).Error; err != nil {
			return fmt.Errorf("advance last activity: %w", err)
		}
		return nil
	})
	if err != nil {
		if db.IsDuplicate(err) {
			// Lost a race with a concurrent delivery of the same event.
			existing, findErr := s.findByExternalID(gdb, key)
			if findErr == nil {
				return existing, false, nil
			}
			err = findErr
		}
		s.log.Error().Err(err).Str("message_id", key).Msg("save message failed")
		return nil, false, fmt.Errorf("messaging: save %s: %w", key, err)
	}

	if env.ContactName != "" {
		if err := s.UpdateDisplayName(ctx, env.ContactIdentity(), env.ContactName); err != nil {
			s.log.Warn().Err(err).Str("contact", env.ContactIdentity()).Msg("update display name failed")
		}
	}
	return &m, true, nil
}

// GetOrCreateConversation resolves the conversation for identity, creating
// it (plus its membership record) on first contact. Two concurrent first
// messages race on the unique identity index; the loser re-reads.
func (s *Service) GetOrCreateConversation(ctx context.Context, identity string) (uint, error) {
	identity = contact.Normalize(identity)
	if identity == "" {
		return 0, fmt.Errorf("%w: identity is required", ErrInvalidEnvelope)
	}
	gdb := s.db.WithContext(ctx)

	conv, err := s.findConversation(gdb, identity)
	if err == nil {
		return conv.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("messaging: get conversation %s: %w", identity, err)
	}

	now := s.now()
	created := models.Conversation{
		Identity:      identity,
		DisplayName:   contact.DisplayName(identity),
		LastMessageAt: now,
		Active:        true,
	}
	err = gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		member := models.ConversationMember{
			ConversationID: created.ID,
			Identity:       identity,
			Role:           "contact",
		}
		if err := tx.Create(&member).Error; err != nil {
			return fmt.Errorf("add member: %w", err)
		}
		return nil
	})
	if err == nil {
		s.log.Info().Str("contact", identity).Uint("conversation_id", created.ID).Msg("conversation created")
		return created.ID, nil
	}
	if db.IsDuplicate(err) {
		conv, findErr := s.findConversation(gdb, identity)
		if findErr == nil {
			return conv.ID, nil
		}
		err = findErr
	}
	return 0, fmt.Errorf("messaging: create conversation %s: %w", identity, err)
}

// GetConversations returns every conversation, most recently active first.
func (s *Service) GetConversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := s.db.WithContext(ctx).
		Order("last_message_at DESC, id DESC").
		Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("messaging: list conversations: %w", err)
	}
	return convs, nil
}

// GetConversation returns a single conversation by id.
func (s *Service) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: conversation %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("messaging: get conversation %d: %w", id, err)
	}
	return &conv, nil
}

// GetMessages returns the most recent limit messages of a conversation in
// chronological order.
func (s *Service) GetMessages(ctx context.Context, conversationID uint, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}

	var msgs []models.Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("messaging: messages for %d: %w", conversationID, err)
	}

	// Reverse for chronological display.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkAsRead flags every unread message in the conversation as read and
// lowers its unread counter by that many. Calling it again is a no-op that still
// succeeds. It returns how many messages changed.
func (s *Service) MarkAsRead(ctx context.Context, conversationID uint) (int64, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}

	now := s.now()
	var changed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND is_read = ?", conversationID, false).
			Updates(map[string]interface{}{"is_read": true, "updated_at": now})
		if result.Error != nil {
			return result.Error
		}
		changed = result.RowsAffected
		if changed == 0 {
			return nil
		}
		// Drop by exactly the rows marked, clamped at zero.
		return tx.Model(&models.Conversation{}).Where("id = ?", conversationID).
			Updates(map[string]interface{}{
				"unread_count": gorm.Expr("CASE WHEN unread_count > ? THEN unread_count - ? ELSE 0 END", changed, changed),
				"updated_at":   now,
			}).Error
	})
	if err != nil {
		s.log.Error().Err(err).Uint("conversation_id", conversationID).Msg("mark as read failed")
		return 0, fmt.Errorf("messaging: mark read %d: %w", conversationID, err)
	}
	return changed, nil
}

// GetTotalUnreadCount sums every conversation's unread counter.
func (s *Service) GetTotalUnreadCount(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Select("COALESCE(SUM(unread_count), 0)").
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("messaging: total unread: %w", err)
	}
	return total, nil
}

// UpdateStatus applies a delivery callback. Statuses only move forward, so a
// late "delivered" never overwrites "read"; changed reports whether the row
// was updated.
func (s *Service) UpdateStatus(ctx context.Context, externalID, status string) (msg *models.Message, changed bool, err error) {
	if !models.ValidStatus(status) {
		return nil, false, fmt.Errorf("%w: unknown status %q", ErrInvalidEnvelope, status)
	}
	gdb := s.db.WithContext(ctx)
	msg, err = s.findByExternalID(gdb, externalID)
	if err != nil {
		return nil, false, err
	}
	if !models.StatusAdvances(msg.Status, status) {
		return msg, false, nil
	}
	now := s.now()
	if err := gdb.Model(&models.Message{}).Where("id = ?", msg.ID).
		Updates(map[string]interface{}{"status": status, "updated_at": now}).Error; err != nil {
		return nil, false, fmt.Errorf("messaging: update status %s: %w", externalID, err)
	}
	msg.Status = status
	msg.UpdatedAt = now
	return msg, true, nil
}

// UpdateDisplayName records the contact's name as reported by the upstream.
func (s *Service) UpdateDisplayName(ctx context.Context, identity, name string) error {
	identity = contact.Normalize(identity)
	if identity == "" || name == "" {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("identity = ? AND display_name <> ?", identity, name).
		Update("display_name", name).Error; err != nil {
		return fmt.Errorf("messaging: display name %s: %w", identity, err)
	}
	return nil
}

// PendingFor returns up to limit unread inbound messages for identity in
// chronological order. Unknown identities have nothing pending.
func (s *Service) PendingFor(ctx context.Context, identity string, limit int) ([]models.Message, error) {
	identity = contact.Normalize(identity)
	if identity == "" || identity == contact.All {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	gdb := s.db.WithContext(ctx)
	conv, err := s.findConversation(gdb, identity)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("messaging: pending for %s: %w", identity, err)
	}

	var msgs []models.Message
	if err := gdb.Where("conversation_id = ? AND is_read = ? AND direction = ?",
		conv.ID, false, models.DirectionInbound).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("messaging: pending for %s: %w", identity, err)
	}
	return msgs, nil
}

// Purge hard-deletes messages created before cutoff and recomputes unread
// counters. It is the only path that removes messages.
func (s *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	before = before.UTC()
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("created_at < ?", before).Delete(&models.Message{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return recountUnread(tx)
	})
	if err != nil {
		return 0, fmt.Errorf("messaging: purge: %w", err)
	}
	s.log.Info().Int64("deleted", deleted).Time("before", before).Msg("messages purged")
	return deleted, nil
}

// RecountUnread rebuilds every conversation's unread counter from the
// message table.
func (s *Service) RecountUnread(ctx context.Context) error {
	if err := recountUnread(s.db.WithContext(ctx)); err != nil {
		return fmt.Errorf("messaging: recount unread: %w", err)
	}
	return nil
}

func recountUnread(tx *gorm.DB) error {
	return tx.Exec(`UPDATE conversations SET unread_count = (
		SELECT COUNT(*) FROM messages
		WHERE messages.conversation_id = conversations.id AND messages.is_read = ?)`, false).Error
}

func (s *Service) findByExternalID(gdb *gorm.DB, externalID string) (*models.Message, error) {
	var msg models.Message
	err := gdb.Where("external_id = ?", externalID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, externalID)
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Service) findConversation(gdb *gorm.DB, identity string) (*models.Conversation, error) {
	var conv models.Conversation
	err := gdb.Where("identity = ?", identity).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, identity)
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}
