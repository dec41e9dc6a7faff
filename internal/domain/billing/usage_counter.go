package billing

import (
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// UsageCounter tracks cumulative usage of one quota category for one
// tenant in one billing period. Current is monotonically non-decreasing
// within a period; rollover creates a fresh counter instead of mutating
// the prior period's value.
type UsageCounter struct {
	shared.BaseEntity
	TenantID  uuid.UUID
	PeriodKey string // e.g. "2026-08", see BillingPeriod.Key
	Category  QuotaCategory
	Current   int64
}

// NewUsageCounter creates a zeroed counter for the first usage event in
// a period.
func NewUsageCounter(tenantID uuid.UUID, periodKey string, category QuotaCategory) (*UsageCounter, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if periodKey == "" {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Period key cannot be empty")
	}
	if !category.IsValid() {
		return nil, shared.NewDomainError("INVALID_CATEGORY", "Invalid quota category")
	}

	return &UsageCounter{
		BaseEntity: shared.NewBaseEntity(),
		TenantID:   tenantID,
		PeriodKey:  periodKey,
		Category:   category,
	}, nil
}

// CanConsume reports whether delta more units fit under limit. Unlimited
// always admits.
func (c *UsageCounter) CanConsume(limit, delta int64) bool {
	if limit == Unlimited {
		return true
	}
	return c.Current+delta <= limit
}

// Consume applies an all-or-nothing increment against limit. The counter
// is unchanged when the increment would exceed the limit.
func (c *UsageCounter) Consume(limit, delta int64) error {
	if delta <= 0 {
		return shared.NewDomainError("INVALID_DELTA", "Delta must be positive")
	}
	if !c.CanConsume(limit, delta) {
		return shared.NewDomainError("QUOTA_EXCEEDED", "Increment would exceed the quota limit")
	}
	c.Current += delta
	c.UpdatedAt = time.Now()
	return nil
}

// Remaining returns the allowance left under limit, or Unlimited.
func (c *UsageCounter) Remaining(limit int64) int64 {
	if limit == Unlimited {
		return Unlimited
	}
	if c.Current >= limit {
		return 0
	}
	return limit - c.Current
}
