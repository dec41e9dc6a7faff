package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crm/backend/internal/domain/billing"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageCounterModel is the GORM model for per-period usage counters
type UsageCounterModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_usage_counter_scope"`
	PeriodKey string    `gorm:"type:varchar(10);not null;uniqueIndex:idx_usage_counter_scope"`
	Category  string    `gorm:"type:varchar(30);not null;uniqueIndex:idx_usage_counter_scope"`
	Current   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (UsageCounterModel) TableName() string {
	return "usage_counters"
}

// ToEntity converts the model to a domain entity
func (m *UsageCounterModel) ToEntity() *billing.UsageCounter {
	return &billing.UsageCounter{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		TenantID:  m.TenantID,
		PeriodKey: m.PeriodKey,
		Category:  billing.QuotaCategory(m.Category),
		Current:   m.Current,
	}
}

// UsageCounterRepository implements billing.UsageCounterStore on GORM.
// The check-and-increment runs as a single conditional UPDATE so that
// concurrent consumers can never push a counter past its limit.
type UsageCounterRepository struct {
	db *gorm.DB
}

// NewUsageCounterRepository creates a new usage counter repository
func NewUsageCounterRepository(db *gorm.DB) *UsageCounterRepository {
	return &UsageCounterRepository{db: db}
}

// Consume atomically increments the counter when the new total fits
// under limit. The increment is all or nothing; a rejected increment
// leaves the stored value untouched and reports applied=false.
func (r *UsageCounterRepository) Consume(ctx context.Context, tenantID uuid.UUID, periodKey string, category billing.QuotaCategory, delta, limit int64) (int64, bool, error) {
	if delta <= 0 {
		return 0, false, shared.NewDomainError("INVALID_DELTA", "Delta must be positive")
	}

	// Two passes at most: the second handles losing a create race.
	for attempt := 0; attempt < 2; attempt++ {
		tx := r.db.WithContext(ctx).Model(&UsageCounterModel{}).
			Where("tenant_id = ? AND period_key = ? AND category = ?", tenantID, periodKey, string(category))
		if limit != billing.Unlimited {
			tx = tx.Where("current + ? <= ?", delta, limit)
		}
		result := tx.Updates(map[string]any{
			"current":    gorm.Expr("current + ?", delta),
			"updated_at": time.Now(),
		})
		if result.Error != nil {
			return 0, false, fmt.Errorf("usage counter update: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			current, err := r.Current(ctx, tenantID, periodKey, category)
			if err != nil {
				return 0, false, err
			}
			return current, true, nil
		}

		// No row matched: either the counter does not exist yet or the
		// increment would exceed the limit.
		var model UsageCounterModel
		err := r.db.WithContext(ctx).
			Where("tenant_id = ? AND period_key = ? AND category = ?", tenantID, periodKey, string(category)).
			First(&model).Error
		if err == nil {
			return model.Current, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, fmt.Errorf("usage counter lookup: %w", err)
		}

		// First usage event of the period.
		if limit != billing.Unlimited && delta > limit {
			return 0, false, nil
		}
		created := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&UsageCounterModel{
			ID:        uuid.New(),
			TenantID:  tenantID,
			PeriodKey: periodKey,
			Category:  string(category),
			Current:   delta,
		})
		if created.Error != nil {
			return 0, false, fmt.Errorf("usage counter create: %w", created.Error)
		}
		if created.RowsAffected > 0 {
			return delta, true, nil
		}
		// Lost the create race; retry against the now-existing row.
	}

	return 0, false, shared.NewDomainError("CONCURRENT_UPDATE", "Usage counter contention, retry the operation")
}

// Current returns the stored count for one category, zero when no usage
// has been recorded in the period.
func (r *UsageCounterRepository) Current(ctx context.Context, tenantID uuid.UUID, periodKey string, category billing.QuotaCategory) (int64, error) {
	var model UsageCounterModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND period_key = ? AND category = ?", tenantID, periodKey, string(category)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("usage counter lookup: %w", err)
	}
	return model.Current, nil
}

// Usage returns every recorded counter for the tenant in the period.
// Categories with no usage are absent from the map.
func (r *UsageCounterRepository) Usage(ctx context.Context, tenantID uuid.UUID, periodKey string) (map[billing.QuotaCategory]int64, error) {
	var models []UsageCounterModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND period_key = ?", tenantID, periodKey).
		Order("category ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("usage counter list: %w", err)
	}

	usage := make(map[billing.QuotaCategory]int64, len(models))
	for _, m := range models {
		usage[billing.QuotaCategory(m.Category)] = m.Current
	}
	return usage, nil
}

// Ensure UsageCounterRepository implements the interface
var _ billing.UsageCounterStore = (*UsageCounterRepository)(nil)
