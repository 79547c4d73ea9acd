package cache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appmetering "github.com/meterd/backend/internal/application/metering"
	"github.com/meterd/backend/internal/domain/shared"
	"github.com/meterd/backend/internal/infrastructure/config"
)

// Factory creates caches and idempotency stores based on configuration,
// falling back from Redis to in-memory when allowed.
type Factory struct {
	redisConfig      config.RedisConfig
	logger           *zap.Logger
	allowInMemory    bool
	sharedClient     *redis.Client
	summaryTTL       time.Duration
	ownsSharedClient bool
}

// FactoryOption is a functional option for configuring the factory
type FactoryOption func(*Factory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to in-memory stores
// when Redis is unavailable. Default is true.
func WithInMemoryFallback(allow bool) FactoryOption {
	return func(f *Factory) {
		f.allowInMemory = allow
	}
}

// WithSummaryTTL sets the TTL for cached monthly summaries
func WithSummaryTTL(ttl time.Duration) FactoryOption {
	return func(f *Factory) {
		f.summaryTTL = ttl
	}
}

// NewFactory creates a new cache factory
func NewFactory(cfg config.RedisConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		redisConfig:   cfg,
		logger:        zap.NewNop(),
		allowInMemory: true,
		summaryTTL:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// redisClient returns a shared client, dialing on first use
func (f *Factory) redisClient() (*redis.Client, error) {
	if f.sharedClient != nil {
		return f.sharedClient, nil
	}
	store, err := NewRedisIdempotencyStore(RedisConfig{
		Host:     f.redisConfig.Host,
		Port:     f.redisConfig.Port,
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	})
	if err != nil {
		return nil, err
	}
	f.sharedClient = store.GetClient()
	f.ownsSharedClient = true
	return f.sharedClient, nil
}

// CreateIdempotencyStore creates an idempotency store, Redis first with an
// in-memory fallback when allowed.
func (f *Factory) CreateIdempotencyStore() (shared.IdempotencyStore, error) {
	client, err := f.redisClient()
	if err == nil {
		f.logger.Info("Using Redis idempotency store")
		return NewRedisIdempotencyStoreWithClient(client, ""), nil
	}

	if !f.allowInMemory {
		return nil, fmt.Errorf("Redis required for idempotency but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory idempotency store. "+
		"Retried requests hitting another instance may be recorded twice.",
		zap.Error(err))
	return NewInMemoryIdempotencyStore(), nil
}

// CreateSummaryCache creates a monthly summary cache, Redis first with an
// in-memory fallback when allowed.
func (f *Factory) CreateSummaryCache() (appmetering.SummaryCache, error) {
	client, err := f.redisClient()
	if err == nil {
		f.logger.Info("Using Redis summary cache", zap.Duration("ttl", f.summaryTTL))
		return NewRedisSummaryCache(client, f.summaryTTL, f.logger), nil
	}

	if !f.allowInMemory {
		return nil, fmt.Errorf("Redis required for summary cache but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory summary cache",
		zap.Error(err))
	return NewInMemorySummaryCache(f.summaryTTL), nil
}

// Close releases the shared Redis client if the factory created one
func (f *Factory) Close() error {
	if f.ownsSharedClient && f.sharedClient != nil {
		return f.sharedClient.Close()
	}
	return nil
}
