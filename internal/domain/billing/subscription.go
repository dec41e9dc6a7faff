package billing

import (
	"time"

	"github.com/crm/backend/internal/domain/shared"
)

// Plan represents the subscription plan of a tenant
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// String returns the string representation of Plan
func (p Plan) String() string {
	return string(p)
}

// IsValid returns true if the plan is a known tier
func (p Plan) IsValid() bool {
	switch p {
	case PlanFree, PlanBasic, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

// SubscriptionStatus represents the payment status of a subscription
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCanceled  SubscriptionStatus = "canceled"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionSuspended SubscriptionStatus = "suspended"
)

// String returns the string representation of SubscriptionStatus
func (s SubscriptionStatus) String() string {
	return string(s)
}

// Subscription is the plan state supplied by the billing collaborator.
// The governance layer treats it as a value; it never talks to the
// billing provider itself.
type Subscription struct {
	Plan        Plan
	Status      SubscriptionStatus
	TrialEndsAt *time.Time // Trial period end, required for trial status
	ExpiresAt   *time.Time // Subscription expiry date, nil means no expiry
}

// Validate checks the subscription for configuration errors
func (s Subscription) Validate() error {
	if !s.Plan.IsValid() {
		return shared.NewDomainError("INVALID_PLAN", "Invalid subscription plan")
	}
	switch s.Status {
	case SubscriptionActive, SubscriptionTrial, SubscriptionPastDue,
		SubscriptionCanceled, SubscriptionExpired, SubscriptionSuspended:
		return nil
	default:
		return shared.NewDomainError("INVALID_STATUS", "Invalid subscription status")
	}
}

// DefaultSubscription returns the subscription a tenant holds before
// billing has recorded anything: an active free plan.
func DefaultSubscription() Subscription {
	return Subscription{Plan: PlanFree, Status: SubscriptionActive}
}

// IsActive reports whether the subscription grants any entitlement at
// the given instant. An inactive subscription has every quota category
// at limit 0 regardless of its nominal plan: no entitlement while
// unpaid. A trial is active only while now is before TrialEndsAt; once
// expired it behaves exactly like inactive, not like its nominal plan.
func (s Subscription) IsActive(now time.Time) bool {
	switch s.Status {
	case SubscriptionActive:
		if s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
			return false
		}
		return true
	case SubscriptionTrial:
		if s.TrialEndsAt == nil {
			return false
		}
		return now.Before(*s.TrialEndsAt)
	default:
		return false
	}
}
