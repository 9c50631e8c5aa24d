package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/careloop-health/careslot/services/scheduling-service/internal/model"
)

// SlotCache keeps public slot-search results in Redis for a short TTL.
// It is read-through and fail-open: a Redis error degrades to a database
// read, never to a request failure. Invalidation is per provider since
// every key embeds the provider id.
type SlotCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewSlotCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *SlotCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SlotCache{rdb: rdb, ttl: ttl, logger: logger}
}

func searchKey(providerID uuid.UUID, entity model.EntityType, from, to time.Time) string {
	return fmt.Sprintf("slots:%s:%s:%s:%s",
		providerID, entity, from.Format("2006-01-02"), to.Format("2006-01-02"))
}

func (c *SlotCache) GetSearch(ctx context.Context, providerID uuid.UUID, entity model.EntityType, from, to time.Time) ([]model.Slot, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, searchKey(providerID, entity, from, to)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("slot cache read failed", "err", err)
		}
		return nil, false
	}
	var slots []model.Slot
	if err := json.Unmarshal(raw, &slots); err != nil {
		c.logger.Warn("slot cache decode failed", "err", err)
		return nil, false
	}
	return slots, true
}

func (c *SlotCache) PutSearch(ctx context.Context, providerID uuid.UUID, entity model.EntityType, from, to time.Time, slots []model.Slot) {
	if c == nil || c.rdb == nil {
		return
	}
	raw, err := json.Marshal(slots)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, searchKey(providerID, entity, from, to), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("slot cache write failed", "err", err)
	}
}

// InvalidateProvider drops every cached search for the provider. Called after
// slot create/deactivate; booking-driven counter drift is covered by the TTL.
func (c *SlotCache) InvalidateProvider(ctx context.Context, providerID uuid.UUID) {
	if c == nil || c.rdb == nil {
		return
	}
	pattern := fmt.Sprintf("slots:%s:*", providerID)
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("slot cache scan failed", "err", err)
		return
	}
	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			c.logger.Warn("slot cache invalidation failed", "err", err)
		}
	}
}
