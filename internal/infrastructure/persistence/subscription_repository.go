package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crm/backend/internal/domain/billing"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SubscriptionModel is the GORM model for tenant subscriptions
type SubscriptionModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TenantID    uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex"`
	Plan        string     `gorm:"type:varchar(20);not null"`
	Status      string     `gorm:"type:varchar(20);not null"`
	TrialEndsAt *time.Time `gorm:""`
	ExpiresAt   *time.Time `gorm:""`
	CreatedAt   time.Time  `gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (SubscriptionModel) TableName() string {
	return "tenant_subscriptions"
}

// ToEntity converts the model to a domain value
func (m *SubscriptionModel) ToEntity() billing.Subscription {
	return billing.Subscription{
		Plan:        billing.Plan(m.Plan),
		Status:      billing.SubscriptionStatus(m.Status),
		TrialEndsAt: m.TrialEndsAt,
		ExpiresAt:   m.ExpiresAt,
	}
}

// SubscriptionRepository implements billing.SubscriptionRepository on GORM.
// Tenants without a stored row fall back to the free plan so a fresh
// signup is governed before billing has run once.
type SubscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// SubscriptionFor returns the tenant's current subscription, or the
// free-plan default when none has been recorded.
func (r *SubscriptionRepository) SubscriptionFor(ctx context.Context, tenantID uuid.UUID) (billing.Subscription, error) {
	var model SubscriptionModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.DefaultSubscription(), nil
		}
		return billing.Subscription{}, fmt.Errorf("subscription lookup: %w", err)
	}
	return model.ToEntity(), nil
}

// Save upserts the tenant's subscription row.
func (r *SubscriptionRepository) Save(ctx context.Context, tenantID uuid.UUID, sub billing.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	model := SubscriptionModel{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Plan:        string(sub.Plan),
		Status:      string(sub.Status),
		TrialEndsAt: sub.TrialEndsAt,
		ExpiresAt:   sub.ExpiresAt,
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan", "status", "trial_ends_at", "expires_at", "updated_at",
		}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("subscription save: %w", err)
	}
	return nil
}

// MemorySubscriptionStore is a mutex-backed billing.SubscriptionRepository
// for unit tests and single-node development.
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]billing.Subscription
}

// NewMemorySubscriptionStore creates an empty in-memory store.
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[uuid.UUID]billing.Subscription)}
}

func (s *MemorySubscriptionStore) SubscriptionFor(_ context.Context, tenantID uuid.UUID) (billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sub, ok := s.subs[tenantID]; ok {
		return sub, nil
	}
	return billing.DefaultSubscription(), nil
}

func (s *MemorySubscriptionStore) Save(_ context.Context, tenantID uuid.UUID, sub billing.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[tenantID] = sub
	return nil
}

var (
	_ billing.SubscriptionRepository = (*SubscriptionRepository)(nil)
	_ billing.SubscriptionRepository = (*MemorySubscriptionStore)(nil)
)
