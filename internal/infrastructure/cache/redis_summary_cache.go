package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appmetering "github.com/meterd/backend/internal/application/metering"
	"github.com/meterd/backend/internal/domain/metering"
)

// RedisSummaryCache is a short-TTL cache over monthly summary rows, shared
// across instances. Cache errors degrade to misses; the database row is
// always the source of truth.
type RedisSummaryCache struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisSummaryCache creates a summary cache on an existing Redis client.
// The caller retains ownership of the client.
func NewRedisSummaryCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisSummaryCache {
	return &RedisSummaryCache{
		client:    client,
		ttl:       ttl,
		keyPrefix: "meterd:summary:",
		logger:    logger,
	}
}

func (c *RedisSummaryCache) key(tenantID uuid.UUID, billingMonth string) string {
	return fmt.Sprintf("%s%s:%s", c.keyPrefix, tenantID, billingMonth)
}

// Get retrieves a cached summary, false on miss or any cache error
func (c *RedisSummaryCache) Get(ctx context.Context, tenantID uuid.UUID, billingMonth string) (*metering.MonthlySummary, bool) {
	data, err := c.client.Get(ctx, c.key(tenantID, billingMonth)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Summary cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var summary metering.MonthlySummary
	if err := json.Unmarshal(data, &summary); err != nil {
		c.logger.Warn("Summary cache entry is corrupt, dropping it",
			zap.String("tenant_id", tenantID.String()),
			zap.String("billing_month", billingMonth),
			zap.Error(err))
		c.client.Del(ctx, c.key(tenantID, billingMonth))
		return nil, false
	}
	return &summary, true
}

// Set stores a summary under its (tenant, month) key with the configured TTL
func (c *RedisSummaryCache) Set(ctx context.Context, summary *metering.MonthlySummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		c.logger.Warn("Failed to serialize summary for cache", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.key(summary.TenantID, summary.BillingMonth), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Summary cache write failed", zap.Error(err))
	}
}

// Invalidate drops the cached summary for a tenant and month
func (c *RedisSummaryCache) Invalidate(ctx context.Context, tenantID uuid.UUID, billingMonth string) {
	if err := c.client.Del(ctx, c.key(tenantID, billingMonth)).Err(); err != nil {
		c.logger.Warn("Summary cache invalidation failed", zap.Error(err))
	}
}

var _ appmetering.SummaryCache = (*RedisSummaryCache)(nil)
