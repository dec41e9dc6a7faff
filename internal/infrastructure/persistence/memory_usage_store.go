package persistence

import (
	"context"
	"sync"

	"github.com/crm/backend/internal/domain/billing"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// MemoryUsageStore implements billing.UsageCounterStore in process
// memory. Suitable for single-instance deployments and tests; state is
// lost on restart.
type MemoryUsageStore struct {
	mu       sync.Mutex
	counters map[usageKey]int64
}

type usageKey struct {
	tenantID  uuid.UUID
	periodKey string
	category  billing.QuotaCategory
}

// NewMemoryUsageStore creates an empty in-memory usage store
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{
		counters: make(map[usageKey]int64),
	}
}

// Consume applies an all-or-nothing check-and-increment under the mutex.
func (s *MemoryUsageStore) Consume(ctx context.Context, tenantID uuid.UUID, periodKey string, category billing.QuotaCategory, delta, limit int64) (int64, bool, error) {
	if delta <= 0 {
		return 0, false, shared.NewDomainError("INVALID_DELTA", "Delta must be positive")
	}

	key := usageKey{tenantID: tenantID, periodKey: periodKey, category: category}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.counters[key]
	if limit != billing.Unlimited && current+delta > limit {
		return current, false, nil
	}
	current += delta
	s.counters[key] = current
	return current, true, nil
}

// Current returns the stored count, zero when the period has no usage.
func (s *MemoryUsageStore) Current(ctx context.Context, tenantID uuid.UUID, periodKey string, category billing.QuotaCategory) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[usageKey{tenantID: tenantID, periodKey: periodKey, category: category}], nil
}

// Usage returns every recorded counter for the tenant in the period.
func (s *MemoryUsageStore) Usage(ctx context.Context, tenantID uuid.UUID, periodKey string) (map[billing.QuotaCategory]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := make(map[billing.QuotaCategory]int64)
	for key, current := range s.counters {
		if key.tenantID == tenantID && key.periodKey == periodKey {
			usage[key.category] = current
		}
	}
	return usage, nil
}

// Reset clears every counter. Test helper.
func (s *MemoryUsageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[usageKey]int64)
}

// Ensure MemoryUsageStore implements the interface
var _ billing.UsageCounterStore = (*MemoryUsageStore)(nil)
