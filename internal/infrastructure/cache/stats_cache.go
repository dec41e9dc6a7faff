package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// Constants for in-memory cache configuration
const (
	defaultCleanupInterval = 30 * time.Second
	defaultTTL             = 5 * time.Minute
)

// StatsCache is an in-memory TTL cache for expensive per-tenant read
// results such as usage dashboards. Entries are scoped by tenant plus a
// logical key plus a hash of the query parameters, so two tenants or two
// parameter sets never share an entry.
type StatsCache struct {
	entries sync.Map // map[string]*cacheEntry
	ttl     time.Duration
	clock   shared.Clock
	logger  *zap.Logger
	stopCh  chan struct{}
	stopped int32

	// Stats for monitoring
	hits   int64
	misses int64
}

// cacheEntry wraps a cached value with expiration time
type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// An entry is valid strictly before expiresAt; at the boundary it is
// already a miss.
func (e *cacheEntry) isExpired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// StatsCacheOption is a functional option for configuring the cache
type StatsCacheOption func(*StatsCache)

// WithTTL sets the default entry lifetime.
func WithTTL(ttl time.Duration) StatsCacheOption {
	return func(c *StatsCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheClock overrides the wall clock, used by tests to drive expiry.
func WithCacheClock(clock shared.Clock) StatsCacheOption {
	return func(c *StatsCache) {
		c.clock = clock
	}
}

// WithCacheLogger sets the logger for the cache
func WithCacheLogger(logger *zap.Logger) StatsCacheOption {
	return func(c *StatsCache) {
		c.logger = logger
	}
}

// NewStatsCache creates the cache and starts its background cleanup
// goroutine. Call Close to stop it.
func NewStatsCache(opts ...StatsCacheOption) *StatsCache {
	cache := &StatsCache{
		ttl:    defaultTTL,
		clock:  shared.SystemClock{},
		logger: zap.NewNop(),
		stopCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cache)
	}

	go cache.cleanupExpired()

	return cache
}

// CacheKey builds the composite lookup key. Params are canonicalized as
// JSON before hashing so that logically equal parameter maps always
// collide.
func CacheKey(tenantID, key string, params map[string]string) string {
	return tenantID + ":" + key + ":" + hashParams(params)
}

func hashParams(params map[string]string) string {
	if len(params) == 0 {
		return "none"
	}
	// json.Marshal sorts map keys, giving a stable canonical form.
	raw, err := json.Marshal(params)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// Get retrieves a cached value. A miss returns (nil, false); expired
// entries are evicted on access.
func (c *StatsCache) Get(ctx context.Context, tenantID, key string, params map[string]string) (any, bool) {
	cacheKey := CacheKey(tenantID, key, params)

	if value, ok := c.entries.Load(cacheKey); ok {
		entry := value.(*cacheEntry)
		if !entry.isExpired(c.clock.Now()) {
			atomic.AddInt64(&c.hits, 1)
			c.logger.Debug("Stats cache hit",
				zap.String("tenant_id", tenantID),
				zap.String("key", key))
			return entry.value, true
		}
		// Expired, remove from cache
		c.entries.Delete(cacheKey)
	}

	atomic.AddInt64(&c.misses, 1)
	c.logger.Debug("Stats cache miss",
		zap.String("tenant_id", tenantID),
		zap.String("key", key))
	return nil, false
}

// Set stores a value under the tenant, key and parameter set. A zero ttl
// uses the cache default.
func (c *StatsCache) Set(ctx context.Context, tenantID, key string, params map[string]string, value any, ttl time.Duration) {
	if value == nil {
		return
	}
	if ttl == 0 {
		ttl = c.ttl
	}

	cacheKey := CacheKey(tenantID, key, params)
	c.entries.Store(cacheKey, &cacheEntry{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	})
	c.logger.Debug("Cached stats entry",
		zap.String("tenant_id", tenantID),
		zap.String("key", key),
		zap.Duration("ttl", ttl))
}

// Delete removes one entry.
func (c *StatsCache) Delete(ctx context.Context, tenantID, key string, params map[string]string) {
	c.entries.Delete(CacheKey(tenantID, key, params))
}

// InvalidateTenant removes every entry belonging to the tenant,
// regardless of key or parameters. Used after writes that change the
// tenant's usage so stale dashboards disappear immediately.
func (c *StatsCache) InvalidateTenant(ctx context.Context, tenantID string) int {
	prefix := tenantID + ":"
	removed := 0
	c.entries.Range(func(key, _ any) bool {
		if strings.HasPrefix(key.(string), prefix) {
			c.entries.Delete(key)
			removed++
		}
		return true
	})

	if removed > 0 {
		c.logger.Debug("Invalidated tenant stats cache",
			zap.String("tenant_id", tenantID),
			zap.Int("removed", removed))
	}
	return removed
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *StatsCache) Close() error {
	if atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		close(c.stopCh)
	}
	return nil
}

// GetStats returns cache statistics
func (c *StatsCache) GetStats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

// ResetStats resets the cache statistics
func (c *StatsCache) ResetStats() {
	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
}

// Count returns the number of live entries, including any not yet swept.
func (c *StatsCache) Count() int {
	count := 0
	c.entries.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// cleanupExpired periodically removes expired entries from the cache
func (c *StatsCache) cleanupExpired() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("Panic in cache cleanup",
							zap.Any("panic", r))
					}
				}()
				c.doCleanup()
			}()
		}
	}
}

// doCleanup removes expired entries in one pass
func (c *StatsCache) doCleanup() {
	now := c.clock.Now()
	removed := 0

	c.entries.Range(func(key, value any) bool {
		if value.(*cacheEntry).isExpired(now) {
			c.entries.Delete(key)
			removed++
		}
		return true
	})

	if removed > 0 {
		c.logger.Debug("Cleaned up expired stats cache entries",
			zap.Int("removed", removed))
	}
}
