package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appmetering "github.com/meterd/backend/internal/application/metering"
	"github.com/meterd/backend/internal/domain/metering"
)

const summaryCleanupInterval = 30 * time.Second

// InMemorySummaryCache is a process-local summary cache for single-instance
// deployments and tests. Entries expire after the configured TTL and a
// background goroutine sweeps out stale ones.
type InMemorySummaryCache struct {
	mu      sync.RWMutex
	entries map[string]summaryEntry
	ttl     time.Duration
	stopCh  chan struct{}
	once    sync.Once

	hits   int64
	misses int64
}

type summaryEntry struct {
	summary   *metering.MonthlySummary
	expiresAt time.Time
}

// NewInMemorySummaryCache creates an in-memory summary cache
func NewInMemorySummaryCache(ttl time.Duration) *InMemorySummaryCache {
	cache := &InMemorySummaryCache{
		entries: make(map[string]summaryEntry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go cache.sweepLoop()
	return cache
}

func summaryKey(tenantID uuid.UUID, billingMonth string) string {
	return tenantID.String() + ":" + billingMonth
}

// Get retrieves a cached summary, false on miss or expiry
func (c *InMemorySummaryCache) Get(ctx context.Context, tenantID uuid.UUID, billingMonth string) (*metering.MonthlySummary, bool) {
	c.mu.RLock()
	entry, ok := c.entries[summaryKey(tenantID, billingMonth)]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	return entry.summary, true
}

// Set stores a summary under its (tenant, month) key
func (c *InMemorySummaryCache) Set(ctx context.Context, summary *metering.MonthlySummary) {
	c.mu.Lock()
	c.entries[summaryKey(summary.TenantID, summary.BillingMonth)] = summaryEntry{
		summary:   summary,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Invalidate drops the cached summary for a tenant and month
func (c *InMemorySummaryCache) Invalidate(ctx context.Context, tenantID uuid.UUID, billingMonth string) {
	c.mu.Lock()
	delete(c.entries, summaryKey(tenantID, billingMonth))
	c.mu.Unlock()
}

// Stats returns hit and miss counts for monitoring
func (c *InMemorySummaryCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (c *InMemorySummaryCache) Close() error {
	c.once.Do(func() { close(c.stopCh) })
	return nil
}

func (c *InMemorySummaryCache) sweepLoop() {
	ticker := time.NewTicker(summaryCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *InMemorySummaryCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

var _ appmetering.SummaryCache = (*InMemorySummaryCache)(nil)
