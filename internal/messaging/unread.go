package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/switchboard/internal/contact"
	"github.com/zulandar/switchboard/internal/models"
)

// DefaultUnreadTTL bounds how stale a cached unread aggregate may be.
const DefaultUnreadTTL = 30 * time.Second

// UnreadCounts is the per-contact unread aggregate.
type UnreadCounts struct {
	Counts     map[string]int64 `json:"counts"`
	Total      int64            `json:"total"`
	ComputedAt time.Time        `json:"computed_at"`
}

// UnreadCache stores the most recent aggregate. Entries are only dropped by
// Reset or expiry, never per write, so readers tolerate a bounded staleness
// window.
type UnreadCache interface {
	Get(ctx context.Context) (*UnreadCounts, bool, error)
	Set(ctx context.Context, counts *UnreadCounts, ttl time.Duration) error
	Reset(ctx context.Context) error
}

// UnreadByContact returns unread inbound message counts grouped by
// normalized contact identity, served from cache when fresh.
func (s *Service) UnreadByContact(ctx context.Context) (*UnreadCounts, error) {
	if cached, ok, err := s.cache.Get(ctx); err != nil {
		s.log.Warn().Err(err).Msg("unread cache read failed, recomputing")
	} else if ok {
		return cached, nil
	}

	var senders []string
	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("is_read = ? AND direction = ?", false, models.DirectionInbound).
		Pluck("from_identity", &senders).Error; err != nil {
		return nil, fmt.Errorf("messaging: unread by contact: %w", err)
	}

	counts := &UnreadCounts{
		Counts:     make(map[string]int64),
		ComputedAt: s.now(),
	}
	for _, sender := range senders {
		id := contact.Normalize(sender)
		if id == "" {
			continue
		}
		counts.Counts[id]++
		counts.Total++
	}

	if err := s.cache.Set(ctx, counts, s.unreadTTL); err != nil {
		s.log.Warn().Err(err).Msg("unread cache write failed")
	}
	return counts, nil
}

// ResetUnreadCache drops the cached aggregate so the next read recomputes.
func (s *Service) ResetUnreadCache(ctx context.Context) error {
	if err := s.cache.Reset(ctx); err != nil {
		return fmt.Errorf("messaging: reset unread cache: %w", err)
	}
	return nil
}

// memoryCache keeps the aggregate in process.
type memoryCache struct {
	mu      sync.Mutex
	value   *UnreadCounts
	expires time.Time
	now     func() time.Time
}

// NewMemoryCache returns an in-process UnreadCache.
func NewMemoryCache(now func() time.Time) UnreadCache {
	if now == nil {
		now = time.Now
	}
	return &memoryCache{now: now}
}

func (c *memoryCache) Get(context.Context) (*UnreadCounts, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil || !c.now().Before(c.expires) {
		return nil, false, nil
	}
	return c.value, true, nil
}

func (c *memoryCache) Set(_ context.Context, counts *UnreadCounts, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = counts
	c.expires = c.now().Add(ttl)
	return nil
}

func (c *memoryCache) Reset(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
	return nil
}

// RedisCmdable is the subset of go-redis the cache uses.
type RedisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// redisCache shares the aggregate between processes.
type redisCache struct {
	client RedisCmdable
	key    string
}

// unreadCacheKey is the redis key holding the serialized aggregate.
const unreadCacheKey = "switchboard:unread:by_contact"

// NewRedisCache returns an UnreadCache backed by redis.
func NewRedisCache(client RedisCmdable) UnreadCache {
	return &redisCache{client: client, key: unreadCacheKey}
}

func (c *redisCache) Get(ctx context.Context) (*UnreadCounts, bool, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var counts UnreadCounts
	if err := json.Unmarshal(raw, &counts); err != nil {
		return nil, false, fmt.Errorf("decode cached counts: %w", err)
	}
	return &counts, true, nil
}

func (c *redisCache) Set(ctx context.Context, counts *UnreadCounts, ttl time.Duration) error {
	raw, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("encode counts: %w", err)
	}
	if err := c.client.Set(ctx, c.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *redisCache) Reset(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
