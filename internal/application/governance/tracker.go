package governance

import (
	"context"
	"fmt"

	"github.com/crm/backend/internal/domain/billing"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QuotaWarning flags usage that crossed the soft-limit threshold while
// still being admitted.
type QuotaWarning struct {
	Category     billing.QuotaCategory `json:"category"`
	CurrentUsage int64                 `json:"current_usage"`
	Limit        int64                 `json:"limit"`
	Percentage   float64               `json:"percentage"`
	Message      string                `json:"message"`
}

// ConsumeResult reports the outcome of one quota charge.
type ConsumeResult struct {
	Applied   bool
	Current   int64
	Limit     int64
	Remaining int64
	Warning   *QuotaWarning
}

// UsageDetail describes one category in a tenant usage summary.
type UsageDetail struct {
	Category     string  `json:"category"`
	DisplayName  string  `json:"display_name"`
	CurrentUsage int64   `json:"current_usage"`
	Limit        int64   `json:"limit"`
	Remaining    int64   `json:"remaining"`
	Percentage   float64 `json:"percentage"`
}

// UsageSummary is a tenant's usage across every category for one
// billing period. Degraded is set when the counter store could not be
// reached and the counts fall back to zero.
type UsageSummary struct {
	TenantID    uuid.UUID              `json:"tenant_id"`
	PeriodStart string                 `json:"period_start"`
	PeriodEnd   string                 `json:"period_end"`
	PeriodKey   string                 `json:"period_key"`
	Plan        string                 `json:"plan"`
	Usages      map[string]UsageDetail `json:"usages"`
	Warnings    []QuotaWarning         `json:"warnings,omitempty"`
	Degraded    bool                   `json:"degraded,omitempty"`
}

// QuotaTracker charges billing-period usage against plan limits. Writes
// fail closed: a store outage surfaces as an error and the caller must
// reject the operation. Reads fail open so dashboards degrade instead
// of erroring.
type QuotaTracker struct {
	store    billing.UsageCounterStore
	resolver *billing.LimitResolver
	clock    shared.Clock
	logger   *zap.Logger

	softLimitPercent float64
}

// TrackerOption configures a QuotaTracker.
type TrackerOption func(*QuotaTracker)

// WithTrackerClock overrides the wall clock, used by tests.
func WithTrackerClock(clock shared.Clock) TrackerOption {
	return func(t *QuotaTracker) {
		t.clock = clock
	}
}

// WithTrackerLogger sets the logger.
func WithTrackerLogger(logger *zap.Logger) TrackerOption {
	return func(t *QuotaTracker) {
		t.logger = logger
	}
}

// WithSoftLimitPercent sets the warning threshold as a percentage of the
// hard limit. Non-positive disables warnings.
func WithSoftLimitPercent(percent float64) TrackerOption {
	return func(t *QuotaTracker) {
		t.softLimitPercent = percent
	}
}

// NewQuotaTracker creates a tracker over the given counter store and
// limit resolver.
func NewQuotaTracker(store billing.UsageCounterStore, resolver *billing.LimitResolver, opts ...TrackerOption) (*QuotaTracker, error) {
	if store == nil {
		return nil, shared.NewDomainError("INVALID_STORE", "Usage counter store is required")
	}
	if resolver == nil {
		return nil, shared.NewDomainError("INVALID_RESOLVER", "Limit resolver is required")
	}

	t := &QuotaTracker{
		store:            store,
		resolver:         resolver,
		clock:            shared.SystemClock{},
		logger:           zap.NewNop(),
		softLimitPercent: 80.0,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Check reports whether delta units of the category would fit under
// the tenant's effective limit without charging anything. Enforcement
// reads fail closed like writes do.
func (t *QuotaTracker) Check(ctx context.Context, tenantID uuid.UUID, sub billing.Subscription, category billing.QuotaCategory, delta int64) (ConsumeResult, error) {
	if tenantID == uuid.Nil {
		return ConsumeResult{}, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !category.IsValid() {
		return ConsumeResult{}, shared.NewDomainError("INVALID_CATEGORY", "Invalid quota category")
	}
	if delta <= 0 {
		delta = 1
	}

	now := t.clock.Now()
	limit, err := t.resolver.LimitFor(tenantID, sub, category, now)
	if err != nil {
		return ConsumeResult{}, err
	}
	periodKey := billing.PeriodFor(now).Key()

	current, err := t.store.Current(ctx, tenantID, periodKey, category)
	if err != nil {
		t.logger.Error("Usage counter store unavailable",
			zap.String("tenant_id", tenantID.String()),
			zap.String("category", string(category)),
			zap.Error(err))
		return ConsumeResult{}, fmt.Errorf("%w: %v", shared.ErrStoreUnavailable, err)
	}

	fits := limit == billing.Unlimited || current+delta <= limit
	result := ConsumeResult{
		Applied: fits,
		Current: current,
		Limit:   limit,
	}
	if fits {
		result.Remaining = remaining(current+delta, limit)
	} else {
		result.Remaining = remaining(current, limit)
	}
	return result, nil
}

// Consume atomically charges delta units of the category against the
// tenant's effective limit. Hitting the limit is a normal result, not
// an error; errors mean the charge could not be attempted at all.
func (t *QuotaTracker) Consume(ctx context.Context, tenantID uuid.UUID, sub billing.Subscription, category billing.QuotaCategory, delta int64) (ConsumeResult, error) {
	if tenantID == uuid.Nil {
		return ConsumeResult{}, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !category.IsValid() {
		return ConsumeResult{}, shared.NewDomainError("INVALID_CATEGORY", "Invalid quota category")
	}
	if delta <= 0 {
		delta = 1
	}

	now := t.clock.Now()
	limit, err := t.resolver.LimitFor(tenantID, sub, category, now)
	if err != nil {
		return ConsumeResult{}, err
	}
	periodKey := billing.PeriodFor(now).Key()

	current, applied, err := t.store.Consume(ctx, tenantID, periodKey, category, delta, limit)
	if err != nil {
		// Enforcement fails closed on store outages.
		t.logger.Error("Usage counter store unavailable",
			zap.String("tenant_id", tenantID.String()),
			zap.String("category", string(category)),
			zap.Error(err))
		return ConsumeResult{}, fmt.Errorf("%w: %v", shared.ErrStoreUnavailable, err)
	}

	result := ConsumeResult{
		Applied:   applied,
		Current:   current,
		Limit:     limit,
		Remaining: remaining(current, limit),
	}

	if applied {
		result.Warning = t.warningFor(category, current, limit)
		if result.Warning != nil {
			t.logger.Info("Tenant approaching quota limit",
				zap.String("tenant_id", tenantID.String()),
				zap.String("category", string(category)),
				zap.Int64("current", current),
				zap.Int64("limit", limit))
		}
	} else {
		t.logger.Info("Quota exceeded, blocking operation",
			zap.String("tenant_id", tenantID.String()),
			zap.String("category", string(category)),
			zap.Int64("current", current),
			zap.Int64("limit", limit))
	}
	return result, nil
}

// Summary builds the tenant's usage dashboard for the current period.
// A store outage degrades the counts to zero instead of failing.
func (t *QuotaTracker) Summary(ctx context.Context, tenantID uuid.UUID, sub billing.Subscription) (*UsageSummary, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}

	now := t.clock.Now()
	period := billing.PeriodFor(now)
	limits, err := t.resolver.LimitsFor(tenantID, sub, now)
	if err != nil {
		return nil, err
	}

	summary := &UsageSummary{
		TenantID:    tenantID,
		PeriodStart: period.Start.Format("2006-01-02"),
		PeriodEnd:   period.End.Format("2006-01-02"),
		PeriodKey:   period.Key(),
		Plan:        string(sub.Plan),
		Usages:      make(map[string]UsageDetail),
		Warnings:    make([]QuotaWarning, 0),
	}

	usage, err := t.store.Usage(ctx, tenantID, period.Key())
	if err != nil {
		t.logger.Warn("Usage counter store unavailable, serving degraded summary",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		summary.Degraded = true
		usage = make(map[billing.QuotaCategory]int64)
	}

	for _, category := range billing.AllQuotaCategories() {
		limit := limits[category]
		current := usage[category]

		detail := UsageDetail{
			Category:     string(category),
			DisplayName:  category.DisplayName(),
			CurrentUsage: current,
			Limit:        limit,
			Remaining:    remaining(current, limit),
			Percentage:   percentage(current, limit),
		}
		summary.Usages[string(category)] = detail

		if w := t.warningFor(category, current, limit); w != nil {
			summary.Warnings = append(summary.Warnings, *w)
		}
	}
	return summary, nil
}

func (t *QuotaTracker) warningFor(category billing.QuotaCategory, current, limit int64) *QuotaWarning {
	if t.softLimitPercent <= 0 || limit == billing.Unlimited || limit == 0 {
		return nil
	}
	pct := percentage(current, limit)
	if pct < t.softLimitPercent {
		return nil
	}
	return &QuotaWarning{
		Category:     category,
		CurrentUsage: current,
		Limit:        limit,
		Percentage:   pct,
		Message: fmt.Sprintf("%s usage is at %.1f%% of quota (%d/%d)",
			category.DisplayName(), pct, current, limit),
	}
}

func remaining(current, limit int64) int64 {
	if limit == billing.Unlimited {
		return billing.Unlimited
	}
	if current >= limit {
		return 0
	}
	return limit - current
}

func percentage(current, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(current) / float64(limit) * 100
}
