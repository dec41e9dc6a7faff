package billing

import (
	"context"

	"github.com/google/uuid"
)

// UsageCounterStore is the durable home of per-period usage counters.
// Implementations must provide atomic check-and-increment semantics: two
// concurrent Consume calls that both observe room under the limit must
// not both succeed past it. Rate buckets, by contrast, are process-local
// and lossy; counters are a ledger.
type UsageCounterStore interface {
	// Consume atomically increments the counter for (tenant, period,
	// category) by delta iff the result stays within limit. It returns
	// the post-increment value and whether the increment was applied.
	// Increments are all-or-nothing; no partial application. A limit of
	// Unlimited always applies the increment.
	Consume(ctx context.Context, tenantID uuid.UUID, periodKey string, category QuotaCategory, delta, limit int64) (current int64, applied bool, err error)

	// Current returns the counter value for (tenant, period, category),
	// zero if no usage has been recorded yet.
	Current(ctx context.Context, tenantID uuid.UUID, periodKey string, category QuotaCategory) (int64, error)

	// Usage returns all category counters for a tenant in one period.
	// Categories with no usage are absent from the map.
	Usage(ctx context.Context, tenantID uuid.UUID, periodKey string) (map[QuotaCategory]int64, error)
}

// SubscriptionRepository looks up the current subscription of a tenant.
// A tenant with no stored subscription is on the free plan.
type SubscriptionRepository interface {
	SubscriptionFor(ctx context.Context, tenantID uuid.UUID) (Subscription, error)
	Save(ctx context.Context, tenantID uuid.UUID, sub Subscription) error
}
