package billing

import (
	"sync"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// FeatureKey represents a unique identifier for a plan feature
type FeatureKey string

// Predefined feature keys for the system
const (
	FeatureAIAssist        FeatureKey = "ai_assist"
	FeatureBulkExport      FeatureKey = "bulk_export"
	FeatureCustomDomains   FeatureKey = "custom_domains"
	FeatureAdvancedReports FeatureKey = "advanced_reports"
	FeatureAPIAccess       FeatureKey = "api_access"
	FeatureWhiteLabeling   FeatureKey = "white_labeling"
	FeaturePrioritySupport FeatureKey = "priority_support"
)

// LimitTable maps each plan tier to its per-category limits. Immutable at
// runtime; changes require a config reload.
type LimitTable map[Plan]map[QuotaCategory]int64

// FeatureTable maps each plan tier to its enabled feature flags.
type FeatureTable map[Plan]map[FeatureKey]bool

// DefaultLimitTable returns the shipped per-plan quota limits. The config
// layer may replace these wholesale; numbers here are product defaults,
// not invariants.
func DefaultLimitTable() LimitTable {
	return LimitTable{
		PlanFree: {
			CategoryLeads:      25,
			CategoryProperties: 10,
			CategoryCampaigns:  1,
			CategoryAIImages:   5,
			CategoryAIContent:  10,
			CategoryAPICalls:   1000,
			CategorySiteAudits: 5,
		},
		PlanBasic: {
			CategoryLeads:      100,
			CategoryProperties: 50,
			CategoryCampaigns:  5,
			CategoryAIImages:   50,
			CategoryAIContent:  100,
			CategoryAPICalls:   10000,
			CategorySiteAudits: 25,
		},
		PlanPro: {
			CategoryLeads:      Unlimited,
			CategoryProperties: 500,
			CategoryCampaigns:  25,
			CategoryAIImages:   250,
			CategoryAIContent:  500,
			CategoryAPICalls:   100000,
			CategorySiteAudits: 100,
		},
		PlanEnterprise: {
			CategoryLeads:      Unlimited,
			CategoryProperties: Unlimited,
			CategoryCampaigns:  Unlimited,
			CategoryAIImages:   Unlimited,
			CategoryAIContent:  Unlimited,
			CategoryAPICalls:   Unlimited,
			CategorySiteAudits: Unlimited,
		},
	}
}

// DefaultFeatureTable returns the shipped per-plan feature flags.
func DefaultFeatureTable() FeatureTable {
	return FeatureTable{
		PlanFree: {
			FeatureAIAssist: true,
		},
		PlanBasic: {
			FeatureAIAssist:   true,
			FeatureBulkExport: true,
			FeatureAPIAccess:  true,
		},
		PlanPro: {
			FeatureAIAssist:        true,
			FeatureBulkExport:      true,
			FeatureAPIAccess:       true,
			FeatureCustomDomains:   true,
			FeatureAdvancedReports: true,
		},
		PlanEnterprise: {
			FeatureAIAssist:        true,
			FeatureBulkExport:      true,
			FeatureAPIAccess:       true,
			FeatureCustomDomains:   true,
			FeatureAdvancedReports: true,
			FeatureWhiteLabeling:   true,
			FeaturePrioritySupport: true,
		},
	}
}

// LimitResolver maps a subscription to concrete numeric limits and
// feature flags. Pure lookups, no I/O. Tenant-specific overrides sit on
// top of plan defaults and win when present.
type LimitResolver struct {
	limits   LimitTable
	features FeatureTable

	// overrides is written by admin/startup wiring while request
	// goroutines read it through LimitFor.
	mu        sync.RWMutex
	overrides map[uuid.UUID]map[QuotaCategory]int64
}

// NewLimitResolver creates a resolver over the given tables. Every plan
// must define every category: a missing entry is a deployment defect, so
// construction fails fast rather than defaulting to unlimited or denied.
func NewLimitResolver(limits LimitTable, features FeatureTable) (*LimitResolver, error) {
	if len(limits) == 0 {
		return nil, shared.NewDomainError("INVALID_LIMIT_TABLE", "Limit table cannot be empty")
	}
	for plan, categories := range limits {
		if !plan.IsValid() {
			return nil, shared.NewDomainError("INVALID_LIMIT_TABLE", "Unknown plan in limit table: "+plan.String())
		}
		for _, category := range AllQuotaCategories() {
			limit, ok := categories[category]
			if !ok {
				return nil, shared.NewDomainError("INVALID_LIMIT_TABLE",
					"Plan "+plan.String()+" is missing a limit for "+category.String())
			}
			if limit < Unlimited {
				return nil, shared.NewDomainError("INVALID_LIMIT_TABLE",
					"Limit for "+plan.String()+"/"+category.String()+" must be -1 (unlimited) or non-negative")
			}
		}
	}
	for plan := range features {
		if !plan.IsValid() {
			return nil, shared.NewDomainError("INVALID_FEATURE_TABLE", "Unknown plan in feature table: "+plan.String())
		}
	}

	return &LimitResolver{
		limits:    limits,
		features:  features,
		overrides: make(map[uuid.UUID]map[QuotaCategory]int64),
	}, nil
}

// MustNewLimitResolver is NewLimitResolver for statically known tables.
func MustNewLimitResolver(limits LimitTable, features FeatureTable) *LimitResolver {
	r, err := NewLimitResolver(limits, features)
	if err != nil {
		panic(err)
	}
	return r
}

// SetTenantOverride installs a tenant-specific limit that takes
// precedence over the plan default for one category.
func (r *LimitResolver) SetTenantOverride(tenantID uuid.UUID, category QuotaCategory, limit int64) error {
	if tenantID == uuid.Nil {
		return shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !category.IsValid() {
		return shared.NewDomainError("INVALID_CATEGORY", "Invalid quota category")
	}
	if limit < Unlimited {
		return shared.NewDomainError("INVALID_LIMIT", "Limit must be -1 (unlimited) or non-negative")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.overrides[tenantID] == nil {
		r.overrides[tenantID] = make(map[QuotaCategory]int64)
	}
	r.overrides[tenantID][category] = limit
	return nil
}

// LimitFor resolves the effective limit for one tenant and category. The
// inactive check runs before the plan table is consulted: an unpaid
// subscription has zero allowance everywhere, overrides included.
func (r *LimitResolver) LimitFor(tenantID uuid.UUID, sub Subscription, category QuotaCategory, now time.Time) (int64, error) {
	if !category.IsValid() {
		return 0, shared.NewDomainError("INVALID_CATEGORY", "Invalid quota category")
	}
	if !sub.IsActive(now) {
		return 0, nil
	}
	r.mu.RLock()
	limit, overridden := r.overrides[tenantID][category]
	r.mu.RUnlock()
	if overridden {
		return limit, nil
	}
	categories, ok := r.limits[sub.Plan]
	if !ok {
		return 0, shared.NewDomainError("UNKNOWN_PLAN", "No limits configured for plan "+sub.Plan.String())
	}
	return categories[category], nil
}

// LimitsFor resolves all category limits for a tenant at once.
func (r *LimitResolver) LimitsFor(tenantID uuid.UUID, sub Subscription, now time.Time) (map[QuotaCategory]int64, error) {
	result := make(map[QuotaCategory]int64, len(AllQuotaCategories()))
	for _, category := range AllQuotaCategories() {
		limit, err := r.LimitFor(tenantID, sub, category, now)
		if err != nil {
			return nil, err
		}
		result[category] = limit
	}
	return result, nil
}

// HasFeature reports whether a feature is enabled for the subscription.
// Inactive subscriptions have no features, mirroring LimitFor.
func (r *LimitResolver) HasFeature(sub Subscription, key FeatureKey, now time.Time) bool {
	if !sub.IsActive(now) {
		return false
	}
	return r.features[sub.Plan][key]
}

// FeaturesFor returns the set of enabled features for the subscription.
func (r *LimitResolver) FeaturesFor(sub Subscription, now time.Time) []FeatureKey {
	if !sub.IsActive(now) {
		return nil
	}
	var keys []FeatureKey
	for key, enabled := range r.features[sub.Plan] {
		if enabled {
			keys = append(keys, key)
		}
	}
	return keys
}
