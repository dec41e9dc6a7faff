package persistence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/crm/backend/internal/domain/billing"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// consumeScript performs the check-and-increment server side so that
// concurrent instances sharing one Redis never overshoot a limit.
// KEYS[1] counter key, ARGV[1] delta, ARGV[2] limit (-1 unlimited),
// ARGV[3] TTL seconds. Returns {current, applied}.
var consumeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit >= 0 and current + delta > limit then
  return {current, 0}
end
current = redis.call('INCRBY', KEYS[1], delta)
if redis.call('TTL', KEYS[1]) < 0 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
end
return {current, 1}
`)

// Usage counter keys live a little past the period they count so that
// dashboards can still read the closing month.
const usageKeyTTL = 40 * 24 * time.Hour

// RedisUsageStore implements billing.UsageCounterStore on Redis.
// Suitable for distributed deployments where multiple instances need to
// share quota state.
type RedisUsageStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisUsageStore creates a new Redis-backed usage store
func NewRedisUsageStore(cfg RedisConfig) (*RedisUsageStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisUsageStore{
		client:    client,
		keyPrefix: "governance:usage:",
	}, nil
}

// NewRedisUsageStoreWithClient creates a store with an existing Redis client
// This is useful for testing or when sharing a client across components
func NewRedisUsageStoreWithClient(client *redis.Client, keyPrefix string) *RedisUsageStore {
	if keyPrefix == "" {
		keyPrefix = "governance:usage:"
	}
	return &RedisUsageStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisUsageStore) counterKey(tenantID uuid.UUID, periodKey string, category billing.QuotaCategory) string {
	return s.keyPrefix + tenantID.String() + ":" + periodKey + ":" + string(category)
}

// Consume runs the atomic check-and-increment script.
func (s *RedisUsageStore) Consume(ctx context.Context, tenantID uuid.UUID, periodKey string, category billing.QuotaCategory, delta, limit int64) (int64, bool, error) {
	if delta <= 0 {
		return 0, false, shared.NewDomainError("INVALID_DELTA", "Delta must be positive")
	}

	key := s.counterKey(tenantID, periodKey, category)
	ttlSeconds := int64(usageKeyTTL / time.Second)

	raw, err := consumeScript.Run(ctx, s.client, []string{key}, delta, limit, ttlSeconds).Result()
	if err != nil {
		return 0, false, fmt.Errorf("usage consume script: %w", err)
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 2 {
		return 0, false, fmt.Errorf("usage consume script: unexpected reply %v", raw)
	}
	current, _ := reply[0].(int64)
	applied, _ := reply[1].(int64)
	return current, applied == 1, nil
}

// Current returns the stored count, zero when the key does not exist.
func (s *RedisUsageStore) Current(ctx context.Context, tenantID uuid.UUID, periodKey string, category billing.QuotaCategory) (int64, error) {
	val, err := s.client.Get(ctx, s.counterKey(tenantID, periodKey, category)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("usage counter get: %w", err)
	}
	current, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("usage counter parse: %w", err)
	}
	return current, nil
}

// Usage scans the tenant's counter keys for the period.
func (s *RedisUsageStore) Usage(ctx context.Context, tenantID uuid.UUID, periodKey string) (map[billing.QuotaCategory]int64, error) {
	usage := make(map[billing.QuotaCategory]int64)
	for _, category := range billing.AllQuotaCategories() {
		current, err := s.Current(ctx, tenantID, periodKey, category)
		if err != nil {
			return nil, err
		}
		if current > 0 {
			usage[category] = current
		}
	}
	return usage, nil
}

// Close closes the Redis client
func (s *RedisUsageStore) Close() error {
	return s.client.Close()
}

// GetClient returns the underlying Redis client (for testing/monitoring)
func (s *RedisUsageStore) GetClient() *redis.Client {
	return s.client
}

// Ensure RedisUsageStore implements the interface
var _ billing.UsageCounterStore = (*RedisUsageStore)(nil)
